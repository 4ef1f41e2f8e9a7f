// Package executor runs single task attempts against registered capabilities.
//
// The executor never touches run state. It returns a TaskResult and leaves
// bookkeeping to the caller.
package executor

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/ShayCichocki/stagehand/pkg/models"
)

// DefaultTimeout bounds an attempt when neither the task nor the executor sets one.
const DefaultTimeout = 300 * time.Second

// TaskContext is the read-only view of a run handed to each attempt.
type TaskContext struct {
	ExecutionID string
	WorkflowID  string
	Variables   map[string]string
	// Outputs of completed tasks, keyed by task name.
	Outputs map[string]any
	// Handoff is the inbound artifact consumed for this run, if any.
	Handoff *models.HandoffArtifact
}

// TaskResult is the outcome of executing a task.
type TaskResult struct {
	Task     string
	Output   any
	Err      error
	Attempts int
	Duration time.Duration
}

// Succeeded reports whether the task produced no error.
func (r TaskResult) Succeeded() bool { return r.Err == nil }

// Option configures an Executor.
type Option func(*Executor)

// WithDefaultTimeout sets the timeout used for tasks that do not declare one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor resolves a task's action and invokes its handler under a timeout.
type Executor struct {
	resolver       Resolver
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New creates an Executor backed by resolver.
func New(resolver Resolver, opts ...Option) *Executor {
	e := &Executor{
		resolver:       resolver,
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultTimeout returns the timeout applied to tasks without one.
func (e *Executor) DefaultTimeout() time.Duration {
	return e.defaultTimeout
}

// Execute runs exactly one attempt of task.
func (e *Executor) Execute(ctx context.Context, task models.TaskSpec, tc TaskContext) TaskResult {
	return e.Attempt(ctx, task, tc, 1)
}

// Attempt runs attempt number n of task. Callers that drive their own
// retry loop use it so handlers see the right Request.Attempt.
func (e *Executor) Attempt(ctx context.Context, task models.TaskSpec, tc TaskContext, n int) TaskResult {
	start := time.Now()
	out, err := e.attempt(ctx, task, tc, n)
	return TaskResult{
		Task:     task.Name,
		Output:   out,
		Err:      err,
		Attempts: n,
		Duration: time.Since(start),
	}
}

// ExecuteWithRetry runs task under policy. notify is called before each backoff.
func (e *Executor) ExecuteWithRetry(ctx context.Context, task models.TaskSpec, tc TaskContext, policy retry.Policy, notify retry.NotifyFunc) TaskResult {
	start := time.Now()
	out, attempts, err := retry.Value(ctx, policy, func(ctx context.Context, attempt int) (any, error) {
		return e.attempt(ctx, task, tc, attempt)
	}, notify)
	return TaskResult{
		Task:     task.Name,
		Output:   out,
		Err:      err,
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

func (e *Executor) attempt(ctx context.Context, task models.TaskSpec, tc TaskContext, attempt int) (any, error) {
	agentType, action, err := ParseAction(task.Action)
	if err != nil {
		return nil, err
	}
	handler, err := e.resolver.Resolve(agentType, action)
	if err != nil {
		return nil, err
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	req := Request{
		Task:        task.Name,
		AgentType:   agentType,
		Action:      action,
		Parameters:  task.Parameters,
		Variables:   tc.Variables,
		Outputs:     tc.Outputs,
		Attempt:     attempt,
		ExecutionID: tc.ExecutionID,
		WorkflowID:  tc.WorkflowID,
		Handoff:     tc.Handoff,
	}

	e.logger.Debug("task attempt started",
		slog.String("execution_id", tc.ExecutionID),
		slog.String("task", task.Name),
		slog.String("action", task.Action),
		slog.Int("attempt", attempt),
		slog.Duration("timeout", timeout),
	)

	out, err := e.run(ctx, task.Name, handler, req, timeout)
	if err != nil {
		e.logger.Debug("task attempt failed",
			slog.String("execution_id", tc.ExecutionID),
			slog.String("task", task.Name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return out, err
}

type outcome struct {
	value any
	err   error
}

// run races the handler against the timeout and ctx. On timeout the handler's
// context is cancelled and the attempt returns without waiting for it.
func (e *Executor) run(ctx context.Context, name string, handler Handler, req Request, timeout time.Duration) (any, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				e.logger.Error("task handler panicked",
					slog.String("task", name),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				done <- outcome{err: &PanicError{Task: name, Value: r, Stack: stack}}
			}
		}()
		v, err := handler(attemptCtx, req)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.value, o.err
	case <-timer.C:
		e.logger.Warn("task attempt timed out",
			slog.String("task", name),
			slog.Duration("timeout", timeout),
		)
		return nil, &TimeoutError{Task: name, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
