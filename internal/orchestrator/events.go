package orchestrator

import (
	"time"
)

// EventType represents the type of coordinator event.
type EventType string

const (
	// EventRunStarted indicates a run resolved and began scheduling.
	EventRunStarted EventType = "run_started"
	// EventTaskQueued indicates a task is ready and queued for execution.
	EventTaskQueued EventType = "task_queued"
	// EventTaskStarted indicates a worker picked up a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskRetrying indicates an attempt failed and another will follow.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskSkipped indicates a task will not run.
	EventTaskSkipped EventType = "task_skipped"
	// EventHandoffPublished indicates an artifact was left for the next stage.
	EventHandoffPublished EventType = "handoff_published"
	// EventHandoffFailed indicates the next-stage artifact was rejected.
	EventHandoffFailed EventType = "handoff_failed"
	// EventRunCompleted indicates the run reached a terminal state.
	EventRunCompleted EventType = "run_completed"
)

// Event represents an event emitted by the coordinator.
// These events are used to update the TUI and track progress.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// ExecutionID is the run the event belongs to.
	ExecutionID string
	// WorkflowID is the definition being run.
	WorkflowID string
	// Task is the related task, if applicable.
	Task string
	// Attempt is the attempt number for retry events.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Status is the task or run status after the event.
	Status string
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Duration is the task or run wall time for completion events,
	// and the backoff delay for retry events.
	Duration time.Duration
}
