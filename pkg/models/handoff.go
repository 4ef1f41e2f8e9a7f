package models

import "time"

// HandoffStatus summarizes the outcome of the producing stage.
type HandoffStatus string

const (
	HandoffCompleted HandoffStatus = "completed"
	HandoffPartial   HandoffStatus = "partial"
	HandoffFailed    HandoffStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s HandoffStatus) Valid() bool {
	switch s {
	case HandoffCompleted, HandoffPartial, HandoffFailed:
		return true
	default:
		return false
	}
}

// HandoffArtifact is the envelope one pipeline stage leaves for the next.
// Artifacts are immutable once written.
type HandoffArtifact struct {
	// ID is the unique identifier of this artifact.
	ID string `json:"id"`
	// Sequence orders artifacts published to the same stage.
	Sequence int64 `json:"sequence"`
	// ExecutionID is the producing run.
	ExecutionID string `json:"execution_id,omitempty"`
	// WorkflowID is the producing workflow.
	WorkflowID string `json:"workflow_id,omitempty"`
	FromStage  string `json:"from_stage"`
	ToStage    string `json:"to_stage"`
	// Timestamp is when the artifact was published.
	Timestamp time.Time     `json:"timestamp"`
	Status    HandoffStatus `json:"status"`
	// Summary is a small digest, e.g. counts of items found or fixed.
	Summary map[string]any `json:"summary"`
	// Payload is the stage specific body.
	Payload map[string]any `json:"payload"`
	// NextAction is an optional hint for the consumer.
	NextAction string `json:"next_action,omitempty"`
}
