package models

import "time"

// ExecutionStatus represents the state of a workflow execution.
type ExecutionStatus string

const (
	// ExecutionPending indicates the run has been created but not resolved.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionRunning indicates tasks are being scheduled.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionCompleted indicates the run finished successfully.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed indicates the run finished with an unrecovered failure.
	ExecutionFailed ExecutionStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for completed and failed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// TaskStatus represents the state of one task within a run.
type TaskStatus string

const (
	// TaskPending indicates the task has not started.
	TaskPending TaskStatus = "pending"
	// TaskRunning indicates an attempt is in progress.
	TaskRunning TaskStatus = "running"
	// TaskCompleted indicates the task succeeded.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed indicates the task exhausted its attempts or failed fatally.
	TaskFailed TaskStatus = "failed"
	// TaskSkipped indicates the task never ran.
	TaskSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true for completed, failed and skipped.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// CanTransition reports whether a record in state s may move to next.
// Terminal states are final.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskSkipped || next == TaskFailed
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed
	default:
		return false
	}
}

// TriggerType records what started an execution.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
)

// Valid returns true if the trigger type is a known value.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerSchedule, TriggerEvent:
		return true
	default:
		return false
	}
}

// TaskExecutionRecord is one task instance within a run.
type TaskExecutionRecord struct {
	// TaskName is the name of the task in the definition.
	TaskName string `json:"task_name"`
	// Order is the position in the resolved topological order.
	Order int `json:"order"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Attempts counts handler invocations.
	Attempts int `json:"attempts"`
	// MaxRetries is the attempt bound that applied to this task.
	MaxRetries int `json:"max_retries"`
	// Output is the handler result, visible to dependents by task name.
	Output any `json:"output,omitempty"`
	// ErrorMessage holds the final error of a failed or skipped task.
	ErrorMessage string `json:"error_message,omitempty"`
	// StartedAt is when the first attempt started.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowExecution is one run of a workflow definition.
type WorkflowExecution struct {
	// ID is the unique identifier of this run.
	ID string `json:"execution_id"`
	// WorkflowID references the definition that was run.
	WorkflowID string `json:"workflow_id"`
	// Status is the current state of the run.
	Status ExecutionStatus `json:"status"`
	// TriggerType records what started the run.
	TriggerType TriggerType `json:"trigger_type"`
	// TriggeredBy identifies the user or system that started the run.
	TriggeredBy string `json:"triggered_by,omitempty"`
	// Variables is the run-scoped substitution map.
	Variables map[string]string `json:"variables,omitempty"`
	// StartedAt is when the run was created.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the run reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// DurationMS is the wall time from start to completion.
	DurationMS int64 `json:"duration_ms"`
	// ErrorMessage is the error of the task or configuration problem that failed the run.
	ErrorMessage string `json:"error_message,omitempty"`
	// FailedTask names the task whose failure decided the run, if any.
	FailedTask string `json:"failed_task,omitempty"`
	// Cancelled is set when the run stopped because of a cancellation signal.
	Cancelled bool `json:"cancelled,omitempty"`
	// ConsumedArtifact is the ID of the handoff artifact read at start.
	ConsumedArtifact string `json:"consumed_artifact,omitempty"`
	// PublishedArtifact is the ID of the artifact left for the next stage.
	PublishedArtifact string `json:"published_artifact,omitempty"`
	// HandoffError records why the next-stage artifact was not published.
	// The run status is unaffected; the next stage receives nothing.
	HandoffError string `json:"handoff_error,omitempty"`
	// Tasks holds one record per task, in resolved order.
	Tasks []TaskExecutionRecord `json:"tasks"`
}

// Record returns a pointer to the record for the named task, or nil.
func (e *WorkflowExecution) Record(name string) *TaskExecutionRecord {
	for i := range e.Tasks {
		if e.Tasks[i].TaskName == name {
			return &e.Tasks[i]
		}
	}
	return nil
}

// Counts tallies task records by status.
func (e *WorkflowExecution) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int, 5)
	for _, r := range e.Tasks {
		counts[r.Status]++
	}
	return counts
}

// ExecutionSummary is the listing view of an execution.
type ExecutionSummary struct {
	ID          string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	TriggerType TriggerType     `json:"trigger_type"`
	StartedAt   time.Time       `json:"started_at"`
	DurationMS  int64           `json:"duration_ms"`
}
