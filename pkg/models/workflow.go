package models

import "time"

// OnErrorPolicy decides what a run does after a task fails.
type OnErrorPolicy string

const (
	// OnErrorStop halts scheduling after the first failure. This is the default.
	OnErrorStop OnErrorPolicy = "stop"
	// OnErrorContinue keeps scheduling tasks that do not depend on the failure.
	OnErrorContinue OnErrorPolicy = "continue"
)

// Valid returns true if the policy is a known value.
func (p OnErrorPolicy) Valid() bool {
	switch p {
	case OnErrorStop, OnErrorContinue:
		return true
	default:
		return false
	}
}

// RetrySpec is the retry configuration declared on a workflow or task.
// Zero fields inherit from the enclosing level.
type RetrySpec struct {
	// MaxRetries bounds the total number of attempts.
	MaxRetries int `json:"max_retries,omitempty"`
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay,omitempty"`
	// MaxDelay caps every computed delay.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
	// BackoffMultiplier scales the delay after each retry.
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// StageSpec wires a workflow into a handoff pipeline.
type StageSpec struct {
	// Name is the stage this workflow implements.
	Name string `json:"name"`
	// Consume reads the next artifact addressed to Name before the run starts.
	Consume bool `json:"consume,omitempty"`
	// NextStage receives an artifact when the run finishes. Empty disables publishing.
	NextStage string `json:"next_stage,omitempty"`
	// NextAction is an optional hint copied into the published artifact.
	NextAction string `json:"next_action,omitempty"`
}

// TaskSpec is a single task of a workflow definition.
type TaskSpec struct {
	// Name identifies the task within its workflow.
	Name string `json:"name"`
	// Action references a capability as "agentType.action".
	Action string `json:"action"`
	// Parameters are passed to the handler after variable substitution.
	Parameters map[string]any `json:"parameters,omitempty"`
	// DependsOn lists tasks that must complete successfully first.
	DependsOn []string `json:"depends_on,omitempty"`
	// After lists tasks that must reach a terminal state first, successful or not.
	After []string `json:"after,omitempty"`
	// Priority is the queue tier. Empty means medium.
	Priority Priority `json:"priority,omitempty"`
	// Retry overrides the workflow retry settings.
	Retry *RetrySpec `json:"retry,omitempty"`
	// Timeout bounds a single attempt. Zero inherits the workflow timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
	// AllowFailure keeps a failure of this task from failing the run.
	AllowFailure bool `json:"allow_failure,omitempty"`
}

// Predecessors returns DependsOn followed by After, without duplicates.
func (t TaskSpec) Predecessors() []string {
	seen := make(map[string]bool, len(t.DependsOn)+len(t.After))
	out := make([]string, 0, len(t.DependsOn)+len(t.After))
	for _, list := range [][]string{t.DependsOn, t.After} {
		for _, name := range list {
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// WorkflowDefinition is an immutable workflow template.
// It is shared read-only between runs once loaded.
type WorkflowDefinition struct {
	// ID is the unique identifier for this workflow.
	ID string `json:"id"`
	// Name is a human readable title.
	Name string `json:"name"`
	// Description explains what the workflow does.
	Description string `json:"description,omitempty"`
	// Tasks in definition order. Order breaks scheduling ties.
	Tasks []TaskSpec `json:"tasks"`
	// OnError is the failure policy. Empty means stop.
	OnError OnErrorPolicy `json:"on_error,omitempty"`
	// MaxConcurrent bounds running tasks. Zero uses the system default.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// Timeout is the default per-attempt task timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Retry holds workflow-wide retry defaults.
	Retry *RetrySpec `json:"retry,omitempty"`
	// Stage connects the workflow to the handoff channel.
	Stage *StageSpec `json:"stage,omitempty"`
}

// ErrorPolicy returns OnError with the stop default applied.
func (d *WorkflowDefinition) ErrorPolicy() OnErrorPolicy {
	if d.OnError == "" {
		return OnErrorStop
	}
	return d.OnError
}

// Task returns the task with the given name.
func (d *WorkflowDefinition) Task(name string) (TaskSpec, bool) {
	for _, t := range d.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskSpec{}, false
}
