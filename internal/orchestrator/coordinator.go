package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/graph"
	"github.com/ShayCichocki/stagehand/internal/handoff"
	"github.com/ShayCichocki/stagehand/internal/queue"
	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/ShayCichocki/stagehand/pkg/models"
)

// RunOptions describe one execution of a workflow.
type RunOptions struct {
	// ExecutionID overrides the generated id.
	ExecutionID string
	// Trigger defaults to manual.
	Trigger     models.TriggerType
	TriggeredBy string
	// Variables are substituted into task parameters.
	Variables map[string]string
}

// Coordinator runs workflow definitions. One Coordinator can serve many
// concurrent Run calls; each run keeps its own state.
type Coordinator struct {
	exec          *executor.Executor
	logger        *slog.Logger
	store         ExecutionSaver
	handoff       HandoffChannel
	metrics       Metrics
	emitter       *EventEmitter
	policy        retry.Policy
	maxConcurrent int
	queueCapacity int
	cancelMode    CancelMode
	gracePeriod   time.Duration
	saveTimeout   time.Duration
}

// New creates a Coordinator that runs tasks through exec.
func New(exec *executor.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		exec:          exec,
		logger:        slog.Default(),
		metrics:       nopMetrics{},
		policy:        retry.DefaultPolicy(),
		maxConcurrent: DefaultMaxConcurrent,
		cancelMode:    CancelGraceful,
		saveTimeout:   DefaultSaveTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the emitter's channel, or nil when no emitter is set.
func (c *Coordinator) Events() <-chan Event {
	return c.emitter.Events()
}

// run is the state of one execution. Everything below the bookkeeping
// marker is owned by the goroutine inside Run.
type run struct {
	def      *models.WorkflowDefinition
	exec     *models.WorkflowExecution
	graph    *graph.DependencyGraph
	tasks    map[string]models.TaskSpec
	policies map[string]retry.Policy
	inbound  *models.HandoffArtifact
	log      *slog.Logger
	// mctx carries values for metrics and survives cancellation.
	mctx context.Context

	// bookkeeping
	done      map[string]bool
	queued    map[string]bool
	running   map[string]bool
	outputs   map[string]any
	halted    bool
	cancelled bool

	ctxMu    sync.Mutex
	contexts map[string]executor.TaskContext
}

func (r *run) setContext(name string, tc executor.TaskContext) {
	r.ctxMu.Lock()
	defer r.ctxMu.Unlock()
	r.contexts[name] = tc
}

func (r *run) taskContext(name string) executor.TaskContext {
	r.ctxMu.Lock()
	defer r.ctxMu.Unlock()
	return r.contexts[name]
}

// Run executes def to completion and returns the finished execution.
//
// Configuration problems (graph errors, unresolved variables, a missing
// inbound artifact) fail the run before any task starts and are returned
// as the error. Task failures and cancellation are reported through the
// execution's Status and Cancelled fields with a nil error. A non-nil
// error alongside a terminal execution means the final save failed.
func (c *Coordinator) Run(ctx context.Context, def *models.WorkflowDefinition, opts RunOptions) (*models.WorkflowExecution, error) {
	exec := newExecution(def, opts)
	r, err := c.prepare(ctx, def, exec)
	if err != nil {
		r.log.Error("workflow run rejected", slog.String("error", err.Error()))
		exec.ErrorMessage = err.Error()
		c.complete(r, "not run: "+err.Error())
		if saveErr := c.save(ctx, exec, true); saveErr != nil {
			r.log.Error("failed to persist rejected execution", slog.String("error", saveErr.Error()))
		}
		c.metrics.RunFinished(r.mctx, def.ID, exec.Status, exec.Cancelled, time.Duration(exec.DurationMS)*time.Millisecond)
		c.emitRunCompleted(r)
		return exec, err
	}

	exec.Status = models.ExecutionRunning
	if err := c.save(ctx, exec, false); err != nil {
		r.log.Warn("failed to persist running execution", slog.String("error", err.Error()))
	}
	c.metrics.RunStarted(r.mctx, def.ID)
	c.emit(r, Event{
		Type:    EventRunStarted,
		Status:  string(exec.Status),
		Message: fmt.Sprintf("Run started: %d tasks", len(exec.Tasks)),
	})
	r.log.Info("workflow run started",
		slog.Int("tasks", len(exec.Tasks)),
		slog.String("trigger", string(exec.TriggerType)),
	)

	c.execute(ctx, r)
	c.complete(r, "")
	c.publish(ctx, r)

	saveErr := c.save(ctx, exec, true)
	if saveErr != nil {
		r.log.Error("failed to persist execution", slog.String("error", saveErr.Error()))
	}

	c.metrics.RunFinished(r.mctx, def.ID, exec.Status, exec.Cancelled, time.Duration(exec.DurationMS)*time.Millisecond)
	c.emitRunCompleted(r)
	r.log.Info("workflow run finished",
		slog.String("status", string(exec.Status)),
		slog.Bool("cancelled", exec.Cancelled),
		slog.Int64("duration_ms", exec.DurationMS),
	)

	if saveErr != nil {
		return exec, fmt.Errorf("persist execution %s: %w", exec.ID, saveErr)
	}
	return exec, nil
}

func newExecution(def *models.WorkflowDefinition, opts RunOptions) *models.WorkflowExecution {
	id := opts.ExecutionID
	if id == "" {
		id = uuid.New().String()
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = models.TriggerManual
	}
	vars := make(map[string]string, len(opts.Variables))
	for k, v := range opts.Variables {
		vars[k] = v
	}
	return &models.WorkflowExecution{
		ID:          id,
		WorkflowID:  def.ID,
		Status:      models.ExecutionPending,
		TriggerType: trigger,
		TriggeredBy: opts.TriggeredBy,
		Variables:   vars,
		StartedAt:   time.Now().UTC(),
	}
}

// prepare resolves the graph, substitutes variables and consumes the
// inbound artifact, in that order. The returned run is usable even when
// err is non-nil.
func (c *Coordinator) prepare(ctx context.Context, def *models.WorkflowDefinition, exec *models.WorkflowExecution) (*run, error) {
	r := &run{
		def:      def,
		exec:     exec,
		tasks:    make(map[string]models.TaskSpec, len(def.Tasks)),
		policies: make(map[string]retry.Policy, len(def.Tasks)),
		log: c.logger.With(
			slog.String("execution_id", exec.ID),
			slog.String("workflow_id", def.ID),
		),
		mctx:     context.WithoutCancel(ctx),
		done:     make(map[string]bool),
		queued:   make(map[string]bool),
		running:  make(map[string]bool),
		outputs:  make(map[string]any),
		contexts: make(map[string]executor.TaskContext),
	}

	g := graph.New()
	g.SetDebugLog(func(format string, args ...interface{}) {
		r.log.Debug(fmt.Sprintf(format, args...))
	})
	if err := g.Build(def.Tasks); err != nil {
		return r, err
	}
	r.graph = g

	base := c.policy.Merge(def.Retry)
	missing := make(map[string]bool)
	for i, name := range g.Order() {
		spec, _ := g.Task(name)
		spec.Parameters = Substitute(spec.Parameters, exec.Variables, missing)
		if spec.Timeout <= 0 {
			spec.Timeout = def.Timeout
		}
		policy := base.Merge(spec.Retry)
		r.tasks[name] = spec
		r.policies[name] = policy
		exec.Tasks = append(exec.Tasks, models.TaskExecutionRecord{
			TaskName:   name,
			Order:      i,
			Status:     models.TaskPending,
			MaxRetries: policy.Attempts(),
		})
	}
	if len(missing) > 0 {
		return r, &UnresolvedVariableError{Workflow: def.ID, Names: sortedKeys(missing)}
	}

	if def.Stage != nil && def.Stage.Consume {
		// A run cancelled before it starts leaves the artifact unread and is
		// recorded as cancelled by execute.
		if ctx.Err() != nil {
			return r, nil
		}
		if c.handoff == nil {
			return r, fmt.Errorf("workflow %s consumes stage %s but no handoff channel is configured", def.ID, def.Stage.Name)
		}
		art, err := c.handoff.Consume(ctx, def.Stage.Name)
		if err != nil {
			return r, fmt.Errorf("consume handoff for stage %s: %w", def.Stage.Name, err)
		}
		r.inbound = art
		exec.ConsumedArtifact = art.ID
		r.log.Info("consumed handoff artifact",
			slog.String("stage", def.Stage.Name),
			slog.String("artifact_id", art.ID),
			slog.String("from_stage", art.FromStage),
		)
	}
	return r, nil
}

type messageKind int

const (
	msgStarted messageKind = iota
	msgRetrying
	msgFinished
)

// message is how workers report to the coordinator goroutine.
type message struct {
	kind    messageKind
	task    string
	at      time.Time
	attempt int
	err     error
	delay   time.Duration
	result  executor.TaskResult
}

// execute schedules tasks until none are queued or running.
func (c *Coordinator) execute(ctx context.Context, r *run) {
	total := len(r.exec.Tasks)
	if total == 0 {
		return
	}
	if ctx.Err() != nil {
		r.cancelled = true
		return
	}

	workers := r.def.MaxConcurrent
	if workers <= 0 {
		workers = c.maxConcurrent
	}
	if workers > total {
		workers = total
	}

	q := queue.New(workers, c.queueCapacity)
	q.SetDebugLog(func(format string, args ...interface{}) {
		r.log.Debug(fmt.Sprintf(format, args...))
	})

	// Attempts run under workCtx so that graceful cancellation lets them
	// finish. Forced cancellation cancels it once the grace period expires.
	workCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	// The first batch is queued before workers start so that priority
	// decides among the initial ready tasks.
	c.schedule(r, q)

	msgs := make(chan message, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go c.worker(ctx, workCtx, r, q, msgs, &wg)
	}
	go func() {
		wg.Wait()
		close(msgs)
	}()

	cancelled := ctx.Done()
	var grace <-chan time.Time
	abandoned := false

loop:
	for len(r.queued)+len(r.running) > 0 {
		select {
		case m := <-msgs:
			c.handle(r, q, m)
			if m.kind != msgRetrying {
				c.schedule(r, q)
			}
		case <-cancelled:
			cancelled = nil
			c.cancel(r, q)
			if c.cancelMode == CancelForced && len(r.queued)+len(r.running) > 0 {
				timer := time.NewTimer(c.gracePeriod)
				defer timer.Stop()
				grace = timer.C
			}
		case <-grace:
			c.abandon(r)
			abandoned = true
			break loop
		}
	}

	q.Close()
	if abandoned {
		abandon()
		go func() {
			for range msgs {
			}
		}()
		return
	}
	for range msgs {
	}
}

func (c *Coordinator) worker(runCtx, workCtx context.Context, r *run, q *queue.Queue, msgs chan<- message, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		task, err := q.Dequeue(workCtx)
		if err != nil {
			return
		}
		msgs <- message{kind: msgStarted, task: task.Name, at: time.Now().UTC()}
		res := c.runTask(runCtx, workCtx, r, task, func(attempt int, err error, delay time.Duration) {
			msgs <- message{kind: msgRetrying, task: task.Name, at: time.Now().UTC(), attempt: attempt, err: err, delay: delay}
		})
		msgs <- message{kind: msgFinished, task: task.Name, at: time.Now().UTC(), result: res}
	}
}

// runTask drives the retry loop. Backoff sleeps stop when runCtx is done;
// attempts themselves run under workCtx.
func (c *Coordinator) runTask(runCtx, workCtx context.Context, r *run, task models.TaskSpec, notify retry.NotifyFunc) executor.TaskResult {
	policy := r.policies[task.Name]
	classify := policy.ShouldRetry
	if classify == nil {
		classify = retry.DefaultShouldRetry
	}
	policy.ShouldRetry = func(err error) bool {
		return runCtx.Err() == nil && classify(err)
	}

	tc := r.taskContext(task.Name)
	start := time.Now()
	var last executor.TaskResult
	attempts, err := retry.Do(runCtx, policy, func(_ context.Context, attempt int) error {
		last = c.exec.Attempt(workCtx, task, tc, attempt)
		return last.Err
	}, notify)

	last.Task = task.Name
	last.Attempts = attempts
	last.Err = err
	last.Duration = time.Since(start)
	return last
}

// schedule enqueues every ready task that is not already queued or running.
// It never blocks: with a bounded queue, the rest wait for the next call.
func (c *Coordinator) schedule(r *run, q *queue.Queue) {
	if r.halted || r.cancelled {
		return
	}
	excluded := make(map[string]bool, len(r.queued)+len(r.running))
	for name := range r.queued {
		excluded[name] = true
	}
	for name := range r.running {
		excluded[name] = true
	}

	for _, name := range r.graph.Ready(r.done, excluded) {
		if c.queueCapacity > 0 && q.Len() >= c.queueCapacity {
			return
		}
		task := r.tasks[name]
		r.setContext(name, executor.TaskContext{
			ExecutionID: r.exec.ID,
			WorkflowID:  r.exec.WorkflowID,
			Variables:   r.exec.Variables,
			Outputs:     r.predecessorOutputs(name),
			Handoff:     r.inbound,
		})
		if err := q.Enqueue(context.Background(), task); err != nil {
			r.log.Error("failed to enqueue task", slog.String("task", name), slog.String("error", err.Error()))
			return
		}
		r.queued[name] = true
		c.emit(r, Event{
			Type:    EventTaskQueued,
			Task:    name,
			Status:  string(models.TaskPending),
			Message: fmt.Sprintf("Task queued: %s", name),
		})
	}
}

// predecessorOutputs collects the outputs of completed direct predecessors.
func (r *run) predecessorOutputs(name string) map[string]any {
	deps := r.graph.Dependencies(name)
	outputs := make(map[string]any, len(deps))
	for _, dep := range deps {
		if out, ok := r.outputs[dep]; ok {
			outputs[dep] = out
		}
	}
	return outputs
}

func (c *Coordinator) handle(r *run, q *queue.Queue, m message) {
	rec := r.exec.Record(m.task)
	if rec == nil {
		return
	}
	switch m.kind {
	case msgStarted:
		delete(r.queued, m.task)
		r.running[m.task] = true
		if rec.Status.CanTransition(models.TaskRunning) {
			at := m.at
			rec.Status = models.TaskRunning
			rec.StartedAt = &at
		}
		c.emit(r, Event{
			Type:      EventTaskStarted,
			Task:      m.task,
			Status:    string(rec.Status),
			Timestamp: m.at,
			Message:   fmt.Sprintf("Task started: %s", m.task),
		})

	case msgRetrying:
		rec.Attempts = m.attempt
		c.metrics.TaskRetried(r.mctx, r.def.ID, r.tasks[m.task].Action)
		r.log.Warn("task attempt failed, retrying",
			slog.String("task", m.task),
			slog.Int("attempt", m.attempt),
			slog.Duration("delay", m.delay),
			slog.String("error", m.err.Error()),
		)
		c.emit(r, Event{
			Type:      EventTaskRetrying,
			Task:      m.task,
			Attempt:   m.attempt,
			Error:     m.err,
			Status:    string(rec.Status),
			Timestamp: m.at,
			Duration:  m.delay,
			Message:   fmt.Sprintf("Retrying %s after attempt %d", m.task, m.attempt),
		})

	case msgFinished:
		// The slot is released only after the outcome is applied, so a
		// halt can unqueue tasks before a worker picks them up.
		delete(r.running, m.task)
		c.finishTask(r, q, rec, m)
		q.Done(m.task)
	}
}

func (c *Coordinator) finishTask(r *run, q *queue.Queue, rec *models.TaskExecutionRecord, m message) {
	res := m.result
	task := r.tasks[m.task]
	at := m.at

	if res.Err == nil {
		if !rec.Status.CanTransition(models.TaskCompleted) {
			return
		}
		rec.Status = models.TaskCompleted
		rec.Attempts = res.Attempts
		rec.Output = res.Output
		rec.CompletedAt = &at
		r.done[m.task] = true
		r.outputs[m.task] = res.Output
		c.metrics.TaskFinished(r.mctx, r.def.ID, task.Action, rec.Status, res.Attempts, res.Duration)
		r.log.Info("task completed",
			slog.String("task", m.task),
			slog.Int("attempts", res.Attempts),
			slog.Duration("duration", res.Duration),
		)
		c.emit(r, Event{
			Type:      EventTaskCompleted,
			Task:      m.task,
			Attempt:   res.Attempts,
			Status:    string(rec.Status),
			Timestamp: at,
			Duration:  res.Duration,
			Message:   fmt.Sprintf("Task completed: %s", m.task),
		})
		return
	}

	if !rec.Status.CanTransition(models.TaskFailed) {
		return
	}
	rec.Status = models.TaskFailed
	rec.Attempts = res.Attempts
	rec.ErrorMessage = res.Err.Error()
	rec.CompletedAt = &at
	r.done[m.task] = true
	c.metrics.TaskFinished(r.mctx, r.def.ID, task.Action, rec.Status, res.Attempts, res.Duration)
	r.log.Warn("task failed",
		slog.String("task", m.task),
		slog.Int("attempts", res.Attempts),
		slog.Bool("allow_failure", task.AllowFailure),
		slog.String("error", res.Err.Error()),
	)
	c.emit(r, Event{
		Type:      EventTaskFailed,
		Task:      m.task,
		Attempt:   res.Attempts,
		Error:     res.Err,
		Status:    string(rec.Status),
		Timestamp: at,
		Duration:  res.Duration,
		Message:   fmt.Sprintf("Task failed: %s", m.task),
	})

	// DependsOn successors can never run. After successors still can.
	for _, name := range r.graph.Descendants(m.task) {
		if !r.done[name] {
			c.skip(r, name, fmt.Sprintf("dependency %s failed", m.task))
		}
	}

	if task.AllowFailure {
		return
	}
	if r.exec.FailedTask == "" {
		r.exec.FailedTask = m.task
		r.exec.ErrorMessage = res.Err.Error()
	}
	if r.def.ErrorPolicy() == models.OnErrorStop && !r.halted {
		r.halted = true
		r.log.Info("stopping workflow after task failure", slog.String("task", m.task))
		c.unqueue(r, q, fmt.Sprintf("workflow stopped after %s failed", m.task))
	}
}

// unqueue removes queued tasks that no worker has picked up yet and marks
// them skipped. Tasks a worker already dequeued stay queued until their
// started message arrives.
func (c *Coordinator) unqueue(r *run, q *queue.Queue, reason string) {
	for _, name := range r.graph.Order() {
		if r.queued[name] && q.Remove(name) {
			delete(r.queued, name)
			c.skip(r, name, reason)
		}
	}
}

func (c *Coordinator) cancel(r *run, q *queue.Queue) {
	r.cancelled = true
	r.log.Info("workflow run cancelled",
		slog.String("mode", string(c.cancelMode)),
		slog.Int("in_flight", len(r.running)),
	)
	c.unqueue(r, q, "run cancelled")
}

// abandon gives up on in-flight tasks after the forced cancellation grace period.
func (c *Coordinator) abandon(r *run) {
	now := time.Now().UTC()
	for _, name := range r.graph.Order() {
		switch {
		case r.running[name]:
			rec := r.exec.Record(name)
			if rec.Status.CanTransition(models.TaskFailed) {
				rec.Status = models.TaskFailed
				rec.ErrorMessage = "abandoned: cancellation grace period expired"
				rec.CompletedAt = &now
				if rec.Attempts == 0 {
					rec.Attempts = 1
				}
				r.done[name] = true
				c.metrics.TaskFinished(r.mctx, r.def.ID, r.tasks[name].Action, rec.Status, rec.Attempts, 0)
				c.emit(r, Event{
					Type:    EventTaskFailed,
					Task:    name,
					Status:  string(rec.Status),
					Message: rec.ErrorMessage,
				})
			}
			delete(r.running, name)
		case r.queued[name]:
			delete(r.queued, name)
			c.skip(r, name, "run cancelled")
		}
	}
	r.log.Warn("abandoned in-flight tasks", slog.Duration("grace_period", c.gracePeriod))
}

func (c *Coordinator) skip(r *run, name, reason string) {
	rec := r.exec.Record(name)
	if rec == nil || !rec.Status.CanTransition(models.TaskSkipped) {
		return
	}
	now := time.Now().UTC()
	rec.Status = models.TaskSkipped
	rec.ErrorMessage = reason
	rec.CompletedAt = &now
	r.done[name] = true
	c.metrics.TaskFinished(r.mctx, r.def.ID, r.tasks[name].Action, rec.Status, 0, 0)
	r.log.Debug("task skipped", slog.String("task", name), slog.String("reason", reason))
	c.emit(r, Event{
		Type:    EventTaskSkipped,
		Task:    name,
		Status:  string(rec.Status),
		Message: reason,
	})
}

// complete skips every task that never ran and decides the run status.
// reason overrides the skip message for tasks left pending.
func (c *Coordinator) complete(r *run, reason string) {
	if reason == "" {
		switch {
		case r.cancelled:
			reason = "run cancelled"
		case r.halted:
			reason = fmt.Sprintf("workflow stopped after %s failed", r.exec.FailedTask)
		default:
			reason = "not scheduled"
		}
	}
	for _, rec := range r.exec.Tasks {
		if !rec.Status.Terminal() {
			c.skip(r, rec.TaskName, reason)
		}
	}

	exec := r.exec
	failed := exec.ErrorMessage != ""
	for _, rec := range exec.Tasks {
		if rec.Status == models.TaskFailed && !r.tasks[rec.TaskName].AllowFailure {
			failed = true
			if exec.FailedTask == "" {
				exec.FailedTask = rec.TaskName
				exec.ErrorMessage = rec.ErrorMessage
			}
		}
	}

	switch {
	case r.cancelled:
		exec.Status = models.ExecutionFailed
		exec.Cancelled = true
		if exec.ErrorMessage == "" {
			exec.ErrorMessage = "run cancelled"
		}
	case failed:
		exec.Status = models.ExecutionFailed
	default:
		exec.Status = models.ExecutionCompleted
	}

	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.DurationMS = now.Sub(exec.StartedAt).Milliseconds()
}

// save persists exec. Terminal saves run even when ctx is already cancelled.
func (c *Coordinator) save(ctx context.Context, exec *models.WorkflowExecution, terminal bool) error {
	if c.store == nil {
		return nil
	}
	if terminal {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.saveTimeout)
		defer cancel()
	}
	return c.store.Save(ctx, exec)
}

// handoffStatus maps task outcomes to the artifact status: completed when
// every task completed, failed when none did, partial otherwise.
func handoffStatus(exec *models.WorkflowExecution) models.HandoffStatus {
	counts := exec.Counts()
	switch completed := counts[models.TaskCompleted]; {
	case completed == len(exec.Tasks):
		return models.HandoffCompleted
	case completed == 0:
		return models.HandoffFailed
	default:
		return models.HandoffPartial
	}
}

// publish leaves an artifact for the next stage and records the outcome on
// the execution. A rejected artifact sets HandoffError; the run status is
// left as the tasks decided it.
func (c *Coordinator) publish(ctx context.Context, r *run) {
	stage := r.def.Stage
	if stage == nil || stage.NextStage == "" || c.handoff == nil {
		return
	}
	exec := r.exec

	counts := exec.Counts()
	attempts := 0
	outputs := make(map[string]any)
	for _, rec := range exec.Tasks {
		attempts += rec.Attempts
		if rec.Status == models.TaskCompleted {
			outputs[rec.TaskName] = rec.Output
		}
	}
	status := handoffStatus(exec)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.saveTimeout)
	defer cancel()

	ref, err := c.handoff.Publish(pubCtx, handoff.PublishRequest{
		FromStage:   stage.Name,
		ToStage:     stage.NextStage,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      status,
		Summary: map[string]any{
			"tasks":      len(exec.Tasks),
			"completed":  counts[models.TaskCompleted],
			"failed":     counts[models.TaskFailed],
			"skipped":    counts[models.TaskSkipped],
			"attempts":   attempts,
			"run_status": string(exec.Status),
			"cancelled":  exec.Cancelled,
		},
		Payload: map[string]any{
			"execution_id": exec.ID,
			"workflow_id":  exec.WorkflowID,
			"status":       string(exec.Status),
			"outputs":      outputs,
		},
		NextAction: stage.NextAction,
	})
	if err != nil {
		exec.HandoffError = err.Error()
		r.log.Error("failed to publish handoff artifact",
			slog.String("to_stage", stage.NextStage),
			slog.String("error", err.Error()),
		)
		c.metrics.HandoffRejected(r.mctx, stage.NextStage)
		c.emit(r, Event{
			Type:    EventHandoffFailed,
			Status:  string(status),
			Message: fmt.Sprintf("Handoff %s -> %s rejected", stage.Name, stage.NextStage),
			Error:   err,
		})
		return
	}

	exec.PublishedArtifact = ref.ID
	c.metrics.HandoffPublished(r.mctx, stage.NextStage, status)
	r.log.Info("published handoff artifact",
		slog.String("to_stage", stage.NextStage),
		slog.String("artifact_id", ref.ID),
		slog.String("status", string(status)),
	)
	c.emit(r, Event{
		Type:    EventHandoffPublished,
		Status:  string(status),
		Message: fmt.Sprintf("Handoff %s -> %s (%s)", stage.Name, stage.NextStage, ref.ID),
	})
}

func (c *Coordinator) emit(r *run, ev Event) {
	ev.ExecutionID = r.exec.ID
	ev.WorkflowID = r.exec.WorkflowID
	c.emitter.Emit(ev)
}

func (c *Coordinator) emitRunCompleted(r *run) {
	c.emit(r, Event{
		Type:     EventRunCompleted,
		Status:   string(r.exec.Status),
		Message:  r.exec.ErrorMessage,
		Duration: time.Duration(r.exec.DurationMS) * time.Millisecond,
	})
}
