package executor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFrozen is returned by Register after the registry has been frozen.
	ErrFrozen = errors.New("capability registry is frozen")
	// ErrDuplicateCapability is returned when an agent type and action pair is registered twice.
	ErrDuplicateCapability = errors.New("capability already registered")
)

// InvalidActionError reports an action reference not of the form "agentType.action".
type InvalidActionError struct {
	Ref string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action reference %q: want agentType.action", e.Ref)
}

// Fatal marks the error as non-retryable.
func (e *InvalidActionError) Fatal() bool { return true }

// ActionNotSupportedError reports that no handler is registered for an action.
type ActionNotSupportedError struct {
	AgentType string
	Action    string
}

func (e *ActionNotSupportedError) Error() string {
	return fmt.Sprintf("action %s.%s is not supported", e.AgentType, e.Action)
}

// Fatal marks the error as non-retryable.
func (e *ActionNotSupportedError) Fatal() bool { return true }

// TimeoutError reports an attempt that exceeded its time limit.
type TimeoutError struct {
	Task    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.Task, e.Timeout)
}

// Fatal reports false: a timed out attempt may succeed on retry.
func (e *TimeoutError) Fatal() bool { return false }

// PanicError reports a handler that panicked.
type PanicError struct {
	Task  string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in task %s: %v", e.Task, e.Value)
}

// Fatal marks the error as non-retryable.
func (e *PanicError) Fatal() bool { return true }
