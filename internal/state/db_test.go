package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func timePtr(t time.Time) *time.Time { return &t }

func sampleExecution(id string, started time.Time) *models.WorkflowExecution {
	done := started.Add(1500 * time.Millisecond)
	return &models.WorkflowExecution{
		ID:          id,
		WorkflowID:  "fetch-and-parse",
		Status:      models.ExecutionCompleted,
		TriggerType: models.TriggerManual,
		TriggeredBy: "alice",
		Variables:   map[string]string{"url": "https://example.com"},
		StartedAt:   started,
		CompletedAt: &done,
		DurationMS:  1500,
		Tasks: []models.TaskExecutionRecord{
			{
				TaskName:    "fetch",
				Order:       0,
				Status:      models.TaskCompleted,
				Attempts:    2,
				MaxRetries:  3,
				Output:      map[string]any{"status": float64(200), "body": "{}"},
				StartedAt:   timePtr(started),
				CompletedAt: timePtr(started.Add(time.Second)),
			},
			{
				TaskName:     "parse",
				Order:        1,
				Status:       models.TaskSkipped,
				MaxRetries:   3,
				ErrorMessage: "dependency fetch failed",
			},
		},
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "a", "b", "c")
	path := filepath.Join(nested, "test.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path || db.Driver() != DriverSQLite {
		t.Errorf("Path() = %q Driver() = %q", db.Path(), db.Driver())
	}
	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestOpenWithDriver_Unsupported(t *testing.T) {
	if _, err := OpenWithDriver("mysql", tempDBPath(t)); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.Migrate(ctx); err != nil {
			t.Fatalf("Migrate (iteration %d) failed: %v", i, err)
		}
	}

	var version int
	if err := db.QueryRow(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("failed to get schema version: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}

	for _, table := range []string{"executions", "task_records"} {
		var count int
		row := db.QueryRow(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&count); err != nil || count != 1 {
			t.Errorf("table %s missing (count=%d, err=%v)", table, count, err)
		}
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	want := sampleExecution("exec-1", started)
	want.ConsumedArtifact = "art-in"
	want.HandoffError = "invalid handoff artifact for stage \"next\": payload.findings is required"

	if err := db.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := db.Load(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got.ID != want.ID || got.Status != want.Status || got.TriggeredBy != "alice" || got.DurationMS != 1500 {
		t.Errorf("execution = %+v", got)
	}
	if got.ConsumedArtifact != "art-in" || got.HandoffError != want.HandoffError || got.PublishedArtifact != "" {
		t.Errorf("handoff fields = %q %q %q", got.ConsumedArtifact, got.PublishedArtifact, got.HandoffError)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(*want.CompletedAt) {
		t.Errorf("CompletedAt = %v", got.CompletedAt)
	}
	if !reflect.DeepEqual(got.Variables, want.Variables) {
		t.Errorf("Variables = %v", got.Variables)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("got %d task records, want 2", len(got.Tasks))
	}
	fetch := got.Tasks[0]
	if fetch.TaskName != "fetch" || fetch.Attempts != 2 || !reflect.DeepEqual(fetch.Output, want.Tasks[0].Output) {
		t.Errorf("fetch record = %+v", fetch)
	}
	parse := got.Tasks[1]
	if parse.Status != models.TaskSkipped || parse.ErrorMessage == "" || parse.StartedAt != nil || parse.Output != nil {
		t.Errorf("parse record = %+v", parse)
	}
}

func TestSave_UpsertReplacesRecords(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	exec := sampleExecution("exec-1", time.Now())
	exec.Status = models.ExecutionRunning
	exec.CompletedAt = nil

	if err := db.Save(ctx, exec); err != nil {
		t.Fatal(err)
	}
	exec.Status = models.ExecutionFailed
	exec.ErrorMessage = "boom"
	exec.FailedTask = "fetch"
	exec.Cancelled = true
	exec.Tasks = exec.Tasks[:1]
	if err := db.Save(ctx, exec); err != nil {
		t.Fatal(err)
	}

	got, err := db.Load(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ExecutionFailed || got.ErrorMessage != "boom" || got.FailedTask != "fetch" || !got.Cancelled {
		t.Errorf("execution = %+v", got)
	}
	if len(got.Tasks) != 1 {
		t.Errorf("task records = %d, want 1", len(got.Tasks))
	}
}

func TestLoad_NotFound(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.Load(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestList_FiltersAndOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c", "d"} {
		e := sampleExecution(id, base.Add(time.Duration(i)*time.Minute))
		if id == "c" {
			e.WorkflowID = "other"
		}
		if id == "d" {
			e.Status = models.ExecutionFailed
		}
		if err := db.Save(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ids := func(list []models.ExecutionSummary) []string {
		var out []string
		for _, s := range list {
			out = append(out, s.ID)
		}
		return out
	}

	all, err := db.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids(all), []string{"d", "c", "b", "a"}) {
		t.Errorf("List() = %v", ids(all))
	}

	byWorkflow, _ := db.List(ctx, ListFilter{WorkflowID: "fetch-and-parse"})
	if !reflect.DeepEqual(ids(byWorkflow), []string{"d", "b", "a"}) {
		t.Errorf("List(workflow) = %v", ids(byWorkflow))
	}

	failed, _ := db.List(ctx, ListFilter{Status: models.ExecutionFailed})
	if !reflect.DeepEqual(ids(failed), []string{"d"}) {
		t.Errorf("List(failed) = %v", ids(failed))
	}

	limited, _ := db.List(ctx, ListFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("List(limit 2) returned %d", len(limited))
	}
}

func TestPurge_OnlyOldTerminal(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	oldDone := sampleExecution("old-done", old)
	oldRunning := sampleExecution("old-running", old)
	oldRunning.Status = models.ExecutionRunning
	recent := sampleExecution("recent", time.Now())
	for _, e := range []*models.WorkflowExecution{oldDone, oldRunning, recent} {
		if err := db.Save(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.Purge(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := db.Load(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old-done still present: %v", err)
	}

	var records int
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM task_records WHERE execution_id = ?", "old-done").Scan(&records); err != nil {
		t.Fatal(err)
	}
	if records != 0 {
		t.Errorf("task records not cascaded: %d left", records)
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	store, err := OpenStore(context.Background(), Options{Path: tempDBPath(t)})
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	if _, err := store.List(context.Background(), ListFilter{}); err != nil {
		t.Errorf("List on fresh store failed: %v", err)
	}
	if _, err := OpenStore(context.Background(), Options{Driver: "oracle"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
