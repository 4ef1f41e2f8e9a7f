// Package observability records engine measurements as OpenTelemetry
// instruments. New binds to the global MeterProvider; NewProvider owns an
// SDK provider whose readings can be snapshotted for the stats endpoint.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ShayCichocki/stagehand/internal/orchestrator"
	"github.com/ShayCichocki/stagehand/pkg/models"
)

// meterName is the instrumentation scope name for stagehand metrics.
const meterName = "github.com/ShayCichocki/stagehand"

// Metrics implements orchestrator.Metrics.
//
// Instruments:
//   - stagehand.run.started (Int64Counter): runs that passed validation, by workflow
//   - stagehand.run.finished (Int64Counter): terminal runs, by workflow, status and cancelled
//   - stagehand.run.duration (Float64Histogram): run wall time in seconds
//   - stagehand.task.finished (Int64Counter): terminal tasks, by workflow, action and status
//   - stagehand.task.duration (Float64Histogram): task time across attempts in seconds
//   - stagehand.task.attempts (Int64Histogram): attempts per finished task
//   - stagehand.task.retries (Int64Counter): scheduled retries, by workflow and action
//   - stagehand.handoff.published (Int64Counter): artifacts, by target stage and status
//   - stagehand.handoff.rejected (Int64Counter): artifacts refused by validation, by target stage
type Metrics struct {
	runStarted   metric.Int64Counter
	runFinished  metric.Int64Counter
	runDuration  metric.Float64Histogram
	taskFinished metric.Int64Counter
	taskDuration metric.Float64Histogram
	taskAttempts metric.Int64Histogram
	taskRetries  metric.Int64Counter
	handoffsSent metric.Int64Counter
	handoffsLost metric.Int64Counter
}

// New returns metrics bound to the global MeterProvider.
func New() *Metrics {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter builds the instruments on meter. On error the OTel API
// returns noop instruments, so construction never fails.
func NewWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}
	m.runStarted, _ = meter.Int64Counter("stagehand.run.started",
		metric.WithDescription("Workflow runs started"),
		metric.WithUnit("{run}"),
	)
	m.runFinished, _ = meter.Int64Counter("stagehand.run.finished",
		metric.WithDescription("Workflow runs that reached a terminal state"),
		metric.WithUnit("{run}"),
	)
	m.runDuration, _ = meter.Float64Histogram("stagehand.run.duration",
		metric.WithDescription("Duration of workflow runs in seconds"),
		metric.WithUnit("s"),
	)
	m.taskFinished, _ = meter.Int64Counter("stagehand.task.finished",
		metric.WithDescription("Tasks that reached a terminal state"),
		metric.WithUnit("{task}"),
	)
	m.taskDuration, _ = meter.Float64Histogram("stagehand.task.duration",
		metric.WithDescription("Duration of tasks across all attempts in seconds"),
		metric.WithUnit("s"),
	)
	m.taskAttempts, _ = meter.Int64Histogram("stagehand.task.attempts",
		metric.WithDescription("Attempts made per finished task"),
		metric.WithUnit("{attempt}"),
	)
	m.taskRetries, _ = meter.Int64Counter("stagehand.task.retries",
		metric.WithDescription("Retries scheduled after a failed attempt"),
		metric.WithUnit("{retry}"),
	)
	m.handoffsSent, _ = meter.Int64Counter("stagehand.handoff.published",
		metric.WithDescription("Handoff artifacts published"),
		metric.WithUnit("{artifact}"),
	)
	m.handoffsLost, _ = meter.Int64Counter("stagehand.handoff.rejected",
		metric.WithDescription("Handoff artifacts rejected before publishing"),
		metric.WithUnit("{artifact}"),
	)
	return m
}

func (m *Metrics) RunStarted(ctx context.Context, workflowID string) {
	m.runStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflowID)))
}

func (m *Metrics) RunFinished(ctx context.Context, workflowID string, status models.ExecutionStatus, cancelled bool, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflowID),
		attribute.String("status", string(status)),
		attribute.Bool("cancelled", cancelled),
	)
	m.runFinished.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) TaskFinished(ctx context.Context, workflowID, action string, status models.TaskStatus, attempts int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflowID),
		attribute.String("action", action),
		attribute.String("status", string(status)),
	)
	m.taskFinished.Add(ctx, 1, attrs)
	// Skipped tasks never ran.
	if status == models.TaskSkipped {
		return
	}
	m.taskDuration.Record(ctx, d.Seconds(), attrs)
	m.taskAttempts.Record(ctx, int64(attempts), attrs)
}

func (m *Metrics) TaskRetried(ctx context.Context, workflowID, action string) {
	m.taskRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflowID),
		attribute.String("action", action),
	))
}

func (m *Metrics) HandoffPublished(ctx context.Context, toStage string, status models.HandoffStatus) {
	m.handoffsSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to_stage", toStage),
		attribute.String("status", string(status)),
	))
}

func (m *Metrics) HandoffRejected(ctx context.Context, toStage string) {
	m.handoffsLost.Add(ctx, 1, metric.WithAttributes(attribute.String("to_stage", toStage)))
}

var _ orchestrator.Metrics = (*Metrics)(nil)
