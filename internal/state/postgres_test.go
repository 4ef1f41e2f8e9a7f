package state

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// postgresStore connects to STAGEHAND_TEST_POSTGRES_DSN or skips the test.
func postgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("STAGEHAND_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STAGEHAND_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore_SaveLoadList(t *testing.T) {
	store := postgresStore(t)
	ctx := context.Background()

	id := uuid.New().String()
	exec := sampleExecution(id, time.Now().UTC().Truncate(time.Microsecond))
	exec.WorkflowID = "pg-" + id
	if err := store.Save(ctx, exec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Status != exec.Status || len(got.Tasks) != 2 || got.Tasks[0].Attempts != 2 {
		t.Errorf("loaded = %+v", got)
	}

	list, err := store.List(ctx, ListFilter{WorkflowID: exec.WorkflowID})
	if err != nil || len(list) != 1 || list[0].ID != id {
		t.Errorf("List = %+v, %v", list, err)
	}

	if _, err := store.Load(ctx, uuid.New().String()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) = %v", err)
	}
}

func TestPostgresStore_MarkInterrupted(t *testing.T) {
	store := postgresStore(t)
	ctx := context.Background()

	id := uuid.New().String()
	exec := sampleExecution(id, time.Now().UTC())
	exec.Status = models.ExecutionRunning
	exec.Tasks[1].Status = models.TaskPending
	if err := store.Save(ctx, exec); err != nil {
		t.Fatal(err)
	}

	ids, err := store.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("MarkInterrupted failed: %v", err)
	}
	found := false
	for _, got := range ids {
		if got == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("ids %v missing %s", ids, id)
	}

	got, _ := store.Load(ctx, id)
	if got.Status != models.ExecutionFailed || got.Tasks[1].Status != models.TaskSkipped {
		t.Errorf("after recovery = %+v", got)
	}
}
