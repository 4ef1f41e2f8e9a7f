package state

import (
	"context"
	"testing"
	"time"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

func TestMarkInterrupted_NoExecutions(t *testing.T) {
	db := setupTestDB(t)
	ids, err := db.MarkInterrupted(context.Background())
	if err != nil {
		t.Fatalf("MarkInterrupted failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want none", ids)
	}
}

func TestMarkInterrupted_FailsRunningExecutions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	running := sampleExecution("running", time.Now().Add(-time.Minute))
	running.Status = models.ExecutionRunning
	running.CompletedAt = nil
	running.Tasks = []models.TaskExecutionRecord{
		{TaskName: "done", Order: 0, Status: models.TaskCompleted},
		{TaskName: "busy", Order: 1, Status: models.TaskRunning},
		{TaskName: "waiting", Order: 2, Status: models.TaskPending},
	}
	finished := sampleExecution("finished", time.Now())

	for _, e := range []*models.WorkflowExecution{running, finished} {
		if err := db.Save(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := db.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("MarkInterrupted failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "running" {
		t.Fatalf("ids = %v, want [running]", ids)
	}

	got, err := db.Load(ctx, "running")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ExecutionFailed || got.ErrorMessage != interruptedMessage || got.CompletedAt == nil {
		t.Errorf("execution = %+v", got)
	}
	want := map[string]models.TaskStatus{
		"done":    models.TaskCompleted,
		"busy":    models.TaskFailed,
		"waiting": models.TaskSkipped,
	}
	for _, r := range got.Tasks {
		if r.Status != want[r.TaskName] {
			t.Errorf("task %s status = %s, want %s", r.TaskName, r.Status, want[r.TaskName])
		}
	}

	other, _ := db.Load(ctx, "finished")
	if other.Status != models.ExecutionCompleted {
		t.Errorf("finished execution changed to %s", other.Status)
	}

	ids, _ = db.MarkInterrupted(ctx)
	if len(ids) != 0 {
		t.Errorf("second MarkInterrupted = %v, want none", ids)
	}
}
