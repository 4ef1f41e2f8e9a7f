package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/graph"
	"github.com/ShayCichocki/stagehand/internal/handoff"
	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/ShayCichocki/stagehand/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newTestCoordinator(t *testing.T, handlers map[string]executor.Handler, opts ...Option) *Coordinator {
	t.Helper()
	reg := executor.NewRegistry()
	for ref, h := range handlers {
		agentType, action, err := executor.ParseAction(ref)
		if err != nil {
			t.Fatalf("ParseAction(%q): %v", ref, err)
		}
		if err := reg.Register(agentType, action, h); err != nil {
			t.Fatalf("Register(%q): %v", ref, err)
		}
	}
	reg.Freeze()
	exec := executor.New(reg,
		executor.WithDefaultTimeout(5*time.Second),
		executor.WithLogger(quietLogger()),
	)
	base := []Option{WithRetryPolicy(fastPolicy()), WithLogger(quietLogger())}
	return New(exec, append(base, opts...)...)
}

func ok(v any) executor.Handler {
	return func(ctx context.Context, req executor.Request) (any, error) { return v, nil }
}

func failing(msg string, calls *atomic.Int32) executor.Handler {
	return func(ctx context.Context, req executor.Request) (any, error) {
		if calls != nil {
			calls.Add(1)
		}
		return nil, errors.New(msg)
	}
}

func statuses(exec *models.WorkflowExecution) map[string]models.TaskStatus {
	out := make(map[string]models.TaskStatus, len(exec.Tasks))
	for _, rec := range exec.Tasks {
		out[rec.TaskName] = rec.Status
	}
	return out
}

func assertStatuses(t *testing.T, exec *models.WorkflowExecution, want map[string]models.TaskStatus) {
	t.Helper()
	if got := statuses(exec); !reflect.DeepEqual(got, want) {
		t.Errorf("task statuses = %v, want %v", got, want)
	}
}

// memoryStore records the status of every saved execution.
type memoryStore struct {
	mu    sync.Mutex
	saved []models.ExecutionStatus
	last  models.WorkflowExecution
	err   error
}

func (s *memoryStore) Save(ctx context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, exec.Status)
	s.last = *exec
	return s.err
}

func (s *memoryStore) lastSaved() models.WorkflowExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *memoryStore) statuses() []models.ExecutionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ExecutionStatus(nil), s.saved...)
}

func TestRun_OutputsFlowToDependents(t *testing.T) {
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"web.fetch": func(ctx context.Context, req executor.Request) (any, error) {
			return map[string]any{"body": req.String("url", "")}, nil
		},
		"data.parse": func(ctx context.Context, req executor.Request) (any, error) {
			fetched, _ := req.Outputs["fetch"].(map[string]any)
			return "parsed:" + fetched["body"].(string), nil
		},
	})
	def := &models.WorkflowDefinition{
		ID: "fetch-and-parse",
		Tasks: []models.TaskSpec{
			{Name: "parse", Action: "data.parse", DependsOn: []string{"fetch"}},
			{Name: "fetch", Action: "web.fetch", Parameters: map[string]any{"url": "${base}/items"}},
		},
	}

	exec, err := coord.Run(context.Background(), def, RunOptions{
		Variables: map[string]string{"base": "https://example.test"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if exec.Status != models.ExecutionCompleted {
		t.Fatalf("status = %s (%s)", exec.Status, exec.ErrorMessage)
	}
	if exec.TriggerType != models.TriggerManual {
		t.Errorf("trigger = %s, want manual", exec.TriggerType)
	}
	if exec.CompletedAt == nil || exec.DurationMS < 0 {
		t.Errorf("completion not recorded: %+v", exec)
	}
	if exec.Tasks[0].TaskName != "fetch" || exec.Tasks[1].TaskName != "parse" {
		t.Fatalf("records not in resolved order: %+v", exec.Tasks)
	}
	parse := exec.Record("parse")
	if parse.Output != "parsed:https://example.test/items" {
		t.Errorf("parse output = %v", parse.Output)
	}
	for _, rec := range exec.Tasks {
		if rec.Attempts != 1 || rec.StartedAt == nil || rec.CompletedAt == nil {
			t.Errorf("record %s = %+v", rec.TaskName, rec)
		}
	}
	if def.Tasks[1].Parameters["url"] != "${base}/items" {
		t.Error("definition parameters were mutated")
	}
}

func TestRun_RetryExhaustionSkipsDependents(t *testing.T) {
	var fetchCalls, parseCalls atomic.Int32
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"web.fetch": failing("connection refused", &fetchCalls),
		"data.parse": func(ctx context.Context, req executor.Request) (any, error) {
			parseCalls.Add(1)
			return nil, nil
		},
	})
	def := &models.WorkflowDefinition{
		ID: "fetch-and-parse",
		Tasks: []models.TaskSpec{
			{Name: "fetch", Action: "web.fetch"},
			{Name: "parse", Action: "data.parse", DependsOn: []string{"fetch"}},
		},
	}

	exec, err := coord.Run(context.Background(), def, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := fetchCalls.Load(); got != 3 {
		t.Errorf("fetch calls = %d, want 3", got)
	}
	if parseCalls.Load() != 0 {
		t.Error("parse ran after its dependency failed")
	}
	if exec.Status != models.ExecutionFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorMessage != "connection refused" || exec.FailedTask != "fetch" {
		t.Errorf("error = %q, failed task = %q", exec.ErrorMessage, exec.FailedTask)
	}
	fetch := exec.Record("fetch")
	if fetch.Status != models.TaskFailed || fetch.Attempts != 3 || fetch.MaxRetries != 3 {
		t.Errorf("fetch record = %+v", fetch)
	}
	parse := exec.Record("parse")
	if parse.Status != models.TaskSkipped || !strings.Contains(parse.ErrorMessage, "dependency fetch failed") {
		t.Errorf("parse record = %+v", parse)
	}
}

func TestRun_RetrySettingsLayer(t *testing.T) {
	var calls atomic.Int32
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"web.fetch": failing("boom", &calls),
	})
	def := &models.WorkflowDefinition{
		ID:    "layered",
		Retry: &models.RetrySpec{MaxRetries: 5},
		Tasks: []models.TaskSpec{
			{Name: "a", Action: "web.fetch"},
			{Name: "b", Action: "web.fetch", Retry: &models.RetrySpec{MaxRetries: 2}},
		},
		OnError: models.OnErrorContinue,
	}

	exec, _ := coord.Run(context.Background(), def, RunOptions{})
	if got := exec.Record("a").Attempts; got != 5 {
		t.Errorf("a attempts = %d, want 5", got)
	}
	if got := exec.Record("b").Attempts; got != 2 {
		t.Errorf("b attempts = %d, want 2", got)
	}
	if calls.Load() != 7 {
		t.Errorf("handler calls = %d, want 7", calls.Load())
	}
}

func TestRun_FatalErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"web.fetch": func(ctx context.Context, req executor.Request) (any, error) {
			calls.Add(1)
			return nil, retry.MarkFatal(errors.New("bad request"))
		},
	})
	def := &models.WorkflowDefinition{ID: "fatal", Tasks: []models.TaskSpec{{Name: "a", Action: "web.fetch"}}}

	exec, _ := coord.Run(context.Background(), def, RunOptions{})
	if calls.Load() != 1 || exec.Record("a").Attempts != 1 {
		t.Errorf("calls = %d, attempts = %d, want 1", calls.Load(), exec.Record("a").Attempts)
	}
}

func TestRun_TimeoutUsesWorkflowDefault(t *testing.T) {
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"slow.wait": func(ctx context.Context, req executor.Request) (any, error) {
			select {
			case <-time.After(time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	def := &models.WorkflowDefinition{
		ID:      "timeouts",
		Timeout: 20 * time.Millisecond,
		Retry:   &models.RetrySpec{MaxRetries: 1},
		Tasks:   []models.TaskSpec{{Name: "a", Action: "slow.wait"}},
	}

	exec, _ := coord.Run(context.Background(), def, RunOptions{})
	rec := exec.Record("a")
	if rec.Status != models.TaskFailed || !strings.Contains(rec.ErrorMessage, "timed out") {
		t.Errorf("record = %+v", rec)
	}
}

func TestRun_StopPolicySkipsUnstartedTasks(t *testing.T) {
	var cCalls atomic.Int32
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.fail": failing("boom", nil),
		"t.ok":   ok("ok"),
		"t.count": func(ctx context.Context, req executor.Request) (any, error) {
			cCalls.Add(1)
			return nil, nil
		},
	})
	def := &models.WorkflowDefinition{
		ID:            "stop",
		MaxConcurrent: 1,
		Retry:         &models.RetrySpec{MaxRetries: 1},
		Tasks: []models.TaskSpec{
			{Name: "A", Action: "t.fail"},
			{Name: "B", Action: "t.ok", DependsOn: []string{"A"}},
			{Name: "C", Action: "t.count"},
		},
	}

	exec, err := coord.Run(context.Background(), def, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	assertStatuses(t, exec, map[string]models.TaskStatus{
		"A": models.TaskFailed,
		"B": models.TaskSkipped,
		"C": models.TaskSkipped,
	})
	if cCalls.Load() != 0 {
		t.Error("C ran after the workflow stopped")
	}
	if exec.Status != models.ExecutionFailed || exec.ErrorMessage != "boom" || exec.FailedTask != "A" {
		t.Errorf("exec = %s %q %q", exec.Status, exec.ErrorMessage, exec.FailedTask)
	}
}

func TestRun_StopPolicyLetsInFlightTasksFinish(t *testing.T) {
	cStarted := make(chan struct{})
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.fail": func(ctx context.Context, req executor.Request) (any, error) {
			<-cStarted
			return nil, errors.New("boom")
		},
		"t.slow": func(ctx context.Context, req executor.Request) (any, error) {
			close(cStarted)
			time.Sleep(30 * time.Millisecond)
			return "finished", nil
		},
		"t.ok": ok("ok"),
	})
	def := &models.WorkflowDefinition{
		ID:            "stop-inflight",
		MaxConcurrent: 2,
		Retry:         &models.RetrySpec{MaxRetries: 1},
		Tasks: []models.TaskSpec{
			{Name: "A", Action: "t.fail"},
			{Name: "B", Action: "t.ok", DependsOn: []string{"A"}},
			{Name: "C", Action: "t.slow"},
		},
	}

	exec, _ := coord.Run(context.Background(), def, RunOptions{})
	assertStatuses(t, exec, map[string]models.TaskStatus{
		"A": models.TaskFailed,
		"B": models.TaskSkipped,
		"C": models.TaskCompleted,
	})
	if exec.Status != models.ExecutionFailed || exec.ErrorMessage != "boom" {
		t.Errorf("exec = %s %q", exec.Status, exec.ErrorMessage)
	}
}

func TestRun_ContinuePolicy(t *testing.T) {
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.fail": failing("boom", nil),
		"t.ok":   ok("ok"),
	})
	def := &models.WorkflowDefinition{
		ID:      "continue",
		OnError: models.OnErrorContinue,
		Retry:   &models.RetrySpec{MaxRetries: 1},
		Tasks: []models.TaskSpec{
			{Name: "A", Action: "t.fail"},
			{Name: "B", Action: "t.ok", DependsOn: []string{"A"}},
			{Name: "C", Action: "t.ok", After: []string{"A"}},
			{Name: "D", Action: "t.ok", DependsOn: []string{"B"}},
			{Name: "E", Action: "t.ok"},
			{Name: "F", Action: "t.ok", After: []string{"B"}},
		},
	}

	exec, _ := coord.Run(context.Background(), def, RunOptions{})
	assertStatuses(t, exec, map[string]models.TaskStatus{
		"A": models.TaskFailed,
		"B": models.TaskSkipped,
		"C": models.TaskCompleted,
		"D": models.TaskSkipped,
		"E": models.TaskCompleted,
		"F": models.TaskCompleted,
	})
	if exec.Status != models.ExecutionFailed || exec.FailedTask != "A" {
		t.Errorf("exec = %s, failed task %q", exec.Status, exec.FailedTask)
	}
}

func TestRun_AllowFailure(t *testing.T) {
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.fail": failing("flaky lint", nil),
		"t.ok":   ok("ok"),
	})
	def := &models.WorkflowDefinition{
		ID:    "allow-failure",
		Retry: &models.RetrySpec{MaxRetries: 1},
		Tasks: []models.TaskSpec{
			{Name: "lint", Action: "t.fail", AllowFailure: true},
			{Name: "report", Action: "t.ok", After: []string{"lint"}},
			{Name: "fix", Action: "t.ok", DependsOn: []string{"lint"}},
			{Name: "build", Action: "t.ok"},
		},
	}

	exec, _ := coord.Run(context.Background(), def, RunOptions{})
	assertStatuses(t, exec, map[string]models.TaskStatus{
		"lint":   models.TaskFailed,
		"report": models.TaskCompleted,
		"fix":    models.TaskSkipped,
		"build":  models.TaskCompleted,
	})
	if exec.Status != models.ExecutionCompleted {
		t.Errorf("status = %s (%s), want completed", exec.Status, exec.ErrorMessage)
	}
	if exec.FailedTask != "" {
		t.Errorf("failed task = %q, want none", exec.FailedTask)
	}
}

func TestRun_PriorityOrdersReadyTasks(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, req executor.Request) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, req.Task)
		return nil, nil
	}
	coord := newTestCoordinator(t, map[string]executor.Handler{"t.rec": record})
	def := &models.WorkflowDefinition{
		ID:            "priority",
		MaxConcurrent: 1,
		Tasks: []models.TaskSpec{
			{Name: "low", Action: "t.rec", Priority: models.PriorityLow},
			{Name: "medium", Action: "t.rec"},
			{Name: "urgent", Action: "t.rec", Priority: models.PriorityUrgent},
			{Name: "high", Action: "t.rec", Priority: models.PriorityHigh},
		},
	}

	if _, err := coord.Run(context.Background(), def, RunOptions{}); err != nil {
		t.Fatal(err)
	}
	want := []string{"urgent", "high", "medium", "low"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestRun_BoundedQueueCapacity(t *testing.T) {
	coord := newTestCoordinator(t, map[string]executor.Handler{"t.ok": ok(1)}, WithQueueCapacity(1))
	def := &models.WorkflowDefinition{ID: "capacity", MaxConcurrent: 1}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		def.Tasks = append(def.Tasks, models.TaskSpec{Name: name, Action: "t.ok"})
	}

	done := make(chan *models.WorkflowExecution, 1)
	go func() {
		exec, _ := coord.Run(context.Background(), def, RunOptions{})
		done <- exec
	}()
	select {
	case exec := <-done:
		if exec.Counts()[models.TaskCompleted] != 5 {
			t.Errorf("counts = %v", exec.Counts())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish with a bounded queue")
	}
}

func TestRun_MaxConcurrentBound(t *testing.T) {
	var active, peak atomic.Int32
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.busy": func(ctx context.Context, req executor.Request) (any, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		},
	})
	def := &models.WorkflowDefinition{ID: "bounded", MaxConcurrent: 2}
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		def.Tasks = append(def.Tasks, models.TaskSpec{Name: name, Action: "t.busy"})
	}

	if _, err := coord.Run(context.Background(), def, RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestRun_RerunIsIndependent(t *testing.T) {
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.echo": func(ctx context.Context, req executor.Request) (any, error) {
			return req.String("msg", ""), nil
		},
	})
	def := &models.WorkflowDefinition{
		ID: "rerun",
		Tasks: []models.TaskSpec{
			{Name: "a", Action: "t.echo", Parameters: map[string]any{"msg": "$greeting"}},
			{Name: "b", Action: "t.echo", Parameters: map[string]any{"msg": "${greeting} again"}, DependsOn: []string{"a"}},
		},
	}
	opts := RunOptions{Variables: map[string]string{"greeting": "hi"}}

	first, err := coord.Run(context.Background(), def, opts)
	if err != nil {
		t.Fatal(err)
	}
	second, err := coord.Run(context.Background(), def, opts)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Error("re-run reused the execution id")
	}

	type view struct {
		Name   string
		Status models.TaskStatus
		Output any
	}
	project := func(exec *models.WorkflowExecution) []view {
		var out []view
		for _, rec := range exec.Tasks {
			out = append(out, view{rec.TaskName, rec.Status, rec.Output})
		}
		return out
	}
	if !reflect.DeepEqual(project(first), project(second)) {
		t.Errorf("runs differ: %v vs %v", project(first), project(second))
	}
	if first.Record("b").Output != "hi again" {
		t.Errorf("b output = %v", first.Record("b").Output)
	}
}

func TestRun_UnresolvedVariablesFailBeforeAnyTask(t *testing.T) {
	var calls atomic.Int32
	store := &memoryStore{}
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.ok": func(ctx context.Context, req executor.Request) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	}, WithStore(store))
	def := &models.WorkflowDefinition{
		ID: "vars",
		Tasks: []models.TaskSpec{
			{Name: "a", Action: "t.ok", Parameters: map[string]any{"url": "${url}"}},
			{Name: "b", Action: "t.ok", Parameters: map[string]any{
				"path":   "$path",
				"nested": map[string]any{"token": "Bearer ${token}"},
				"list":   []any{"${url}", 3},
			}},
		},
	}

	exec, err := coord.Run(context.Background(), def, RunOptions{})
	var unresolved *UnresolvedVariableError
	if !errors.As(err, &unresolved) {
		t.Fatalf("err = %v, want UnresolvedVariableError", err)
	}
	if want := []string{"path", "token", "url"}; !reflect.DeepEqual(unresolved.Names, want) {
		t.Errorf("names = %v, want %v", unresolved.Names, want)
	}
	if !retry.IsFatal(err) {
		t.Error("unresolved variables should be fatal")
	}
	if calls.Load() != 0 {
		t.Errorf("%d tasks ran", calls.Load())
	}
	if exec.Status != models.ExecutionFailed {
		t.Errorf("status = %s", exec.Status)
	}
	for _, rec := range exec.Tasks {
		if rec.Status != models.TaskSkipped {
			t.Errorf("record %s = %s, want skipped", rec.TaskName, rec.Status)
		}
	}
	if got := store.statuses(); !reflect.DeepEqual(got, []models.ExecutionStatus{models.ExecutionFailed}) {
		t.Errorf("saved = %v", got)
	}
}

func TestRun_GraphErrorFailsRun(t *testing.T) {
	coord := newTestCoordinator(t, map[string]executor.Handler{"t.ok": ok(nil)})
	def := &models.WorkflowDefinition{
		ID: "cycle",
		Tasks: []models.TaskSpec{
			{Name: "a", Action: "t.ok", DependsOn: []string{"b"}},
			{Name: "b", Action: "t.ok", DependsOn: []string{"a"}},
		},
	}

	exec, err := coord.Run(context.Background(), def, RunOptions{})
	if !errors.Is(err, graph.ErrCycle) {
		t.Fatalf("err = %v, want cycle", err)
	}
	if exec.Status != models.ExecutionFailed || exec.ErrorMessage == "" {
		t.Errorf("exec = %s %q", exec.Status, exec.ErrorMessage)
	}
}

func TestRun_GracefulCancellationWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var cCalls atomic.Int32
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.block": func(ctx context.Context, req executor.Request) (any, error) {
			close(started)
			<-release
			return "done", nil
		},
		"t.ok": func(ctx context.Context, req executor.Request) (any, error) {
			cCalls.Add(1)
			return nil, nil
		},
	}, WithCancellation(CancelGraceful, 0))
	def := &models.WorkflowDefinition{
		ID:            "graceful",
		MaxConcurrent: 1,
		Tasks: []models.TaskSpec{
			{Name: "A", Action: "t.block"},
			{Name: "B", Action: "t.ok", DependsOn: []string{"A"}},
			{Name: "C", Action: "t.ok"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		exec *models.WorkflowExecution
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exec, err := coord.Run(ctx, def, RunOptions{})
		done <- result{exec, err}
	}()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("run returned before the in-flight task finished")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after release")
	}
	if res.err != nil {
		t.Fatalf("Run returned error: %v", res.err)
	}
	assertStatuses(t, res.exec, map[string]models.TaskStatus{
		"A": models.TaskCompleted,
		"B": models.TaskSkipped,
		"C": models.TaskSkipped,
	})
	if !res.exec.Cancelled || res.exec.Status != models.ExecutionFailed {
		t.Errorf("exec = %s cancelled=%v", res.exec.Status, res.exec.Cancelled)
	}
	if res.exec.Record("A").Output != "done" {
		t.Error("completed record lost its output")
	}
	if cCalls.Load() != 0 {
		t.Error("tasks ran after cancellation")
	}
}

func TestRun_ForcedCancellationAbandonsInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.block": func(ctx context.Context, req executor.Request) (any, error) {
			close(started)
			<-release
			return "too late", nil
		},
	}, WithCancellation(CancelForced, 20*time.Millisecond))
	def := &models.WorkflowDefinition{
		ID:    "forced",
		Tasks: []models.TaskSpec{{Name: "A", Action: "t.block"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.WorkflowExecution, 1)
	go func() {
		exec, _ := coord.Run(ctx, def, RunOptions{})
		done <- exec
	}()
	<-started
	cancel()

	select {
	case exec := <-done:
		rec := exec.Record("A")
		if rec.Status != models.TaskFailed || !strings.Contains(rec.ErrorMessage, "abandoned") {
			t.Errorf("record = %+v", rec)
		}
		if !exec.Cancelled || exec.Status != models.ExecutionFailed {
			t.Errorf("exec = %s cancelled=%v", exec.Status, exec.Cancelled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("forced cancellation did not abandon the task")
	}
}

func TestRun_CancellationInterruptsBackoff(t *testing.T) {
	attempted := make(chan struct{})
	var once sync.Once
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.fail": func(ctx context.Context, req executor.Request) (any, error) {
			once.Do(func() { close(attempted) })
			return nil, errors.New("unavailable")
		},
	}, WithRetryPolicy(retry.Policy{MaxRetries: 5, BaseDelay: time.Hour}))
	def := &models.WorkflowDefinition{ID: "backoff", Tasks: []models.TaskSpec{{Name: "A", Action: "t.fail"}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.WorkflowExecution, 1)
	go func() {
		exec, _ := coord.Run(ctx, def, RunOptions{})
		done <- exec
	}()
	<-attempted
	cancel()

	select {
	case exec := <-done:
		rec := exec.Record("A")
		if rec.Status != models.TaskFailed || rec.Attempts != 1 || rec.ErrorMessage != "unavailable" {
			t.Errorf("record = %+v", rec)
		}
		if !exec.Cancelled {
			t.Error("expected cancelled run")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backoff was not interrupted")
	}
}

func TestRun_AlreadyCancelledContext(t *testing.T) {
	var calls atomic.Int32
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.ok": func(ctx context.Context, req executor.Request) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	})
	def := &models.WorkflowDefinition{ID: "early", Tasks: []models.TaskSpec{{Name: "a", Action: "t.ok"}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec, err := coord.Run(ctx, def, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls.Load() != 0 || !exec.Cancelled || exec.Record("a").Status != models.TaskSkipped {
		t.Errorf("exec = %+v", exec)
	}
}

func TestRun_CancelledBeforeConsumeLeavesArtifact(t *testing.T) {
	channel, err := handoff.NewChannel(t.TempDir(), handoff.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := channel.Publish(context.Background(), handoff.PublishRequest{
		FromStage: "audit",
		ToStage:   "remediation",
		Status:    models.HandoffCompleted,
		Summary:   map[string]any{},
		Payload:   map[string]any{},
	}); err != nil {
		t.Fatal(err)
	}
	coord := newTestCoordinator(t, map[string]executor.Handler{"t.ok": ok("x")}, WithHandoff(channel))
	def := &models.WorkflowDefinition{
		ID:    "remediation",
		Stage: &models.StageSpec{Name: "remediation", Consume: true},
		Tasks: []models.TaskSpec{{Name: "fix", Action: "t.ok"}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec, err := coord.Run(ctx, def, RunOptions{})
	if err != nil {
		t.Fatalf("Run returned %v, want nil for a cancelled run", err)
	}
	if !exec.Cancelled || exec.Status != models.ExecutionFailed || exec.ConsumedArtifact != "" {
		t.Errorf("exec = cancelled %v status %s consumed %q", exec.Cancelled, exec.Status, exec.ConsumedArtifact)
	}
	if n, _ := channel.Pending(context.Background(), "remediation"); n != 1 {
		t.Errorf("Pending = %d, want the artifact left unread", n)
	}
}

func TestRun_PersistsRunningAndTerminalStates(t *testing.T) {
	store := &memoryStore{}
	coord := newTestCoordinator(t, map[string]executor.Handler{"t.ok": ok("x")}, WithStore(store))
	def := &models.WorkflowDefinition{ID: "persist", Tasks: []models.TaskSpec{{Name: "a", Action: "t.ok"}}}

	if _, err := coord.Run(context.Background(), def, RunOptions{Trigger: models.TriggerSchedule, TriggeredBy: "cron"}); err != nil {
		t.Fatal(err)
	}
	want := []models.ExecutionStatus{models.ExecutionRunning, models.ExecutionCompleted}
	if got := store.statuses(); !reflect.DeepEqual(got, want) {
		t.Errorf("saved = %v, want %v", got, want)
	}
}

func TestRun_SaveErrorIsReturned(t *testing.T) {
	store := &memoryStore{err: errors.New("disk full")}
	coord := newTestCoordinator(t, map[string]executor.Handler{"t.ok": ok("x")}, WithStore(store))
	def := &models.WorkflowDefinition{ID: "persist", Tasks: []models.TaskSpec{{Name: "a", Action: "t.ok"}}}

	exec, err := coord.Run(context.Background(), def, RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}
	if exec.Status != models.ExecutionCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
}

func TestRun_HandoffPublishAndConsume(t *testing.T) {
	channel, err := handoff.NewChannel(t.TempDir(), handoff.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	var seen atomic.Value
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"scan.run":  ok(map[string]any{"findings": []any{"weak cipher"}}),
		"lint.run":  failing("lint crashed", nil),
		"fix.apply": func(ctx context.Context, req executor.Request) (any, error) {
			if req.Handoff == nil {
				return nil, errors.New("no inbound artifact")
			}
			seen.Store(req.Handoff.ID)
			return "fixed", nil
		},
	}, WithHandoff(channel))

	audit := &models.WorkflowDefinition{
		ID:      "audit",
		OnError: models.OnErrorContinue,
		Retry:   &models.RetrySpec{MaxRetries: 1},
		Stage:   &models.StageSpec{Name: "audit", NextStage: "remediation", NextAction: "fix findings"},
		Tasks: []models.TaskSpec{
			{Name: "scan", Action: "scan.run"},
			{Name: "lint", Action: "lint.run", AllowFailure: true},
		},
	}
	auditRun, err := coord.Run(context.Background(), audit, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}

	art, err := channel.Latest(context.Background(), "remediation")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if art.Status != models.HandoffPartial || art.FromStage != "audit" || art.ExecutionID != auditRun.ID {
		t.Errorf("artifact = %+v", art)
	}
	if art.NextAction != "fix findings" {
		t.Errorf("next action = %q", art.NextAction)
	}
	if auditRun.PublishedArtifact != art.ID || auditRun.HandoffError != "" {
		t.Errorf("published = %q, handoff error = %q", auditRun.PublishedArtifact, auditRun.HandoffError)
	}
	outputs, _ := art.Payload["outputs"].(map[string]any)
	scan, _ := outputs["scan"].(map[string]any)
	if findings, _ := scan["findings"].([]any); len(findings) != 1 {
		t.Errorf("payload outputs = %v", art.Payload["outputs"])
	}
	if art.Summary["failed"] != float64(1) || art.Summary["completed"] != float64(1) {
		t.Errorf("summary = %v", art.Summary)
	}

	remediation := &models.WorkflowDefinition{
		ID:    "remediation",
		Stage: &models.StageSpec{Name: "remediation", Consume: true},
		Tasks: []models.TaskSpec{{Name: "fix", Action: "fix.apply"}},
	}
	fixRun, err := coord.Run(context.Background(), remediation, RunOptions{})
	if err != nil {
		t.Fatalf("consuming run failed: %v", err)
	}
	if fixRun.Status != models.ExecutionCompleted || fixRun.ConsumedArtifact != art.ID {
		t.Errorf("fix run = %s consumed %q, want %q", fixRun.Status, fixRun.ConsumedArtifact, art.ID)
	}
	if seen.Load() != art.ID {
		t.Errorf("handler saw artifact %v", seen.Load())
	}

	again, err := coord.Run(context.Background(), remediation, RunOptions{})
	if !errors.Is(err, handoff.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if again.Status != models.ExecutionFailed {
		t.Errorf("status = %s", again.Status)
	}
}

func TestRun_RejectedHandoffIsRecorded(t *testing.T) {
	schemas := handoff.NewSchemaRegistry()
	if err := schemas.Register("remediation", handoff.Schema{Required: map[string]handoff.Kind{"findings": handoff.KindArray}}); err != nil {
		t.Fatal(err)
	}
	channel, err := handoff.NewChannel(t.TempDir(), handoff.WithSchemas(schemas), handoff.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	store := &memoryStore{}
	emitter := NewEventEmitter(64, quietLogger())
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"scan.run": ok(map[string]any{"findings": []any{"weak cipher"}}),
	}, WithHandoff(channel), WithStore(store), WithEmitter(emitter))

	audit := &models.WorkflowDefinition{
		ID:    "audit",
		Stage: &models.StageSpec{Name: "audit", NextStage: "remediation"},
		Tasks: []models.TaskSpec{{Name: "scan", Action: "scan.run"}},
	}
	exec, err := coord.Run(context.Background(), audit, RunOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	emitter.Close()

	if exec.Status != models.ExecutionCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
	if exec.PublishedArtifact != "" || !strings.Contains(exec.HandoffError, "payload.findings is required") {
		t.Errorf("published = %q, handoff error = %q", exec.PublishedArtifact, exec.HandoffError)
	}
	if saved := store.lastSaved(); saved.HandoffError != exec.HandoffError {
		t.Errorf("persisted handoff error = %q", saved.HandoffError)
	}
	if _, err := channel.Latest(context.Background(), "remediation"); !errors.Is(err, handoff.ErrNotFound) {
		t.Errorf("Latest = %v, want ErrNotFound", err)
	}
	var failedEvents int
	for ev := range emitter.Events() {
		if ev.Type == EventHandoffFailed {
			failedEvents++
			if ev.Error == nil {
				t.Error("handoff_failed event carries no error")
			}
		}
	}
	if failedEvents != 1 {
		t.Errorf("handoff_failed events = %d, want 1", failedEvents)
	}

	// A schema addressing the engine's payload layout accepts the same run.
	if err := schemas.Register("remediation", handoff.Schema{Required: map[string]handoff.Kind{"outputs.scan.findings": handoff.KindArray}}); err != nil {
		t.Fatal(err)
	}
	coord = newTestCoordinator(t, map[string]executor.Handler{
		"scan.run": ok(map[string]any{"findings": []any{"weak cipher"}}),
	}, WithHandoff(channel), WithStore(store))
	exec, err = coord.Run(context.Background(), audit, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	art, err := channel.Latest(context.Background(), "remediation")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if exec.PublishedArtifact != art.ID || exec.HandoffError != "" {
		t.Errorf("published = %q, handoff error = %q", exec.PublishedArtifact, exec.HandoffError)
	}
	if saved := store.lastSaved(); saved.PublishedArtifact != art.ID {
		t.Errorf("persisted published artifact = %q", saved.PublishedArtifact)
	}
}

func TestHandoffStatus(t *testing.T) {
	rec := func(s models.TaskStatus) models.TaskExecutionRecord { return models.TaskExecutionRecord{Status: s} }
	tests := []struct {
		name  string
		tasks []models.TaskExecutionRecord
		want  models.HandoffStatus
	}{
		{"all completed", []models.TaskExecutionRecord{rec(models.TaskCompleted), rec(models.TaskCompleted)}, models.HandoffCompleted},
		{"none completed", []models.TaskExecutionRecord{rec(models.TaskFailed), rec(models.TaskSkipped)}, models.HandoffFailed},
		{"mixed", []models.TaskExecutionRecord{rec(models.TaskCompleted), rec(models.TaskSkipped)}, models.HandoffPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := handoffStatus(&models.WorkflowExecution{Tasks: tt.tasks}); got != tt.want {
				t.Errorf("handoffStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRun_EmitsEvents(t *testing.T) {
	emitter := NewEventEmitter(128, quietLogger())
	var calls atomic.Int32
	coord := newTestCoordinator(t, map[string]executor.Handler{
		"t.flaky": func(ctx context.Context, req executor.Request) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("try again")
			}
			return "ok", nil
		},
	}, WithEmitter(emitter))
	def := &models.WorkflowDefinition{ID: "events", Tasks: []models.TaskSpec{{Name: "a", Action: "t.flaky"}}}

	exec, err := coord.Run(context.Background(), def, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	emitter.Close()

	var types []EventType
	for ev := range emitter.Events() {
		if ev.ExecutionID != exec.ID {
			t.Errorf("event %s has execution id %q", ev.Type, ev.ExecutionID)
		}
		types = append(types, ev.Type)
	}
	want := []EventType{
		EventRunStarted,
		EventTaskQueued,
		EventTaskStarted,
		EventTaskRetrying,
		EventTaskCompleted,
		EventRunCompleted,
	}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("events = %v, want %v", types, want)
	}
	if exec.Record("a").Attempts != 2 {
		t.Errorf("attempts = %d, want 2", exec.Record("a").Attempts)
	}
}
