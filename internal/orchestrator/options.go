package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ShayCichocki/stagehand/internal/handoff"
	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/ShayCichocki/stagehand/pkg/models"
)

// CancelMode decides what happens to in-flight tasks when a run is cancelled.
type CancelMode string

const (
	// CancelGraceful waits for in-flight tasks to finish.
	CancelGraceful CancelMode = "graceful"
	// CancelForced abandons in-flight tasks once the grace period expires.
	CancelForced CancelMode = "forced"
)

// DefaultMaxConcurrent bounds running tasks when neither the workflow nor
// the coordinator sets a limit.
const DefaultMaxConcurrent = 20

// DefaultSaveTimeout bounds persistence and publishing at the end of a run.
const DefaultSaveTimeout = 30 * time.Second

// ExecutionSaver persists executions. state.ExecutionStore satisfies it.
type ExecutionSaver interface {
	Save(ctx context.Context, exec *models.WorkflowExecution) error
}

// HandoffChannel is the part of handoff.Channel the coordinator uses.
type HandoffChannel interface {
	Publish(ctx context.Context, req handoff.PublishRequest) (handoff.Ref, error)
	Consume(ctx context.Context, toStage string) (*models.HandoffArtifact, error)
}

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStore persists executions when they start and when they finish.
func WithStore(s ExecutionSaver) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithHandoff sets the channel used to consume and publish stage artifacts.
func WithHandoff(h HandoffChannel) Option {
	return func(c *Coordinator) { c.handoff = h }
}

// WithMetrics records run and task measurements.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithEmitter sends progress events to e. Without one, no events are produced.
func WithEmitter(e *EventEmitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithRetryPolicy sets the system default retry policy. Workflow and task
// retry settings are merged on top of it.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithMaxConcurrent sets the default bound on running tasks per run.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithQueueCapacity bounds the number of ready tasks waiting for a worker.
// Zero means unbounded.
func WithQueueCapacity(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.queueCapacity = n
		}
	}
}

// WithCancellation sets the cancellation mode and, for forced mode, how
// long in-flight tasks may keep running after cancellation.
func WithCancellation(mode CancelMode, grace time.Duration) Option {
	return func(c *Coordinator) {
		if mode == CancelGraceful || mode == CancelForced {
			c.cancelMode = mode
		}
		if grace >= 0 {
			c.gracePeriod = grace
		}
	}
}

// WithSaveTimeout bounds the final save and publish, which run even when
// the run context is already cancelled.
func WithSaveTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.saveTimeout = d
		}
	}
}
