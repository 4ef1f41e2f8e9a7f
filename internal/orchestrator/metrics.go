package orchestrator

import (
	"context"
	"time"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// Metrics receives measurements from the coordinator.
// observability.Metrics is the OpenTelemetry implementation.
type Metrics interface {
	RunStarted(ctx context.Context, workflowID string)
	RunFinished(ctx context.Context, workflowID string, status models.ExecutionStatus, cancelled bool, d time.Duration)
	TaskFinished(ctx context.Context, workflowID, action string, status models.TaskStatus, attempts int, d time.Duration)
	TaskRetried(ctx context.Context, workflowID, action string)
	HandoffPublished(ctx context.Context, toStage string, status models.HandoffStatus)
	HandoffRejected(ctx context.Context, toStage string)
}

type nopMetrics struct{}

func (nopMetrics) RunStarted(context.Context, string) {}
func (nopMetrics) RunFinished(context.Context, string, models.ExecutionStatus, bool, time.Duration) {}
func (nopMetrics) TaskFinished(context.Context, string, string, models.TaskStatus, int, time.Duration) {}
func (nopMetrics) TaskRetried(context.Context, string, string) {}
func (nopMetrics) HandoffPublished(context.Context, string, models.HandoffStatus) {}
func (nopMetrics) HandoffRejected(context.Context, string) {}
