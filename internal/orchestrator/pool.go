package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("pool stopped")

// ErrUnknownRun is returned for execution ids the pool never saw or has
// already forgotten.
var ErrUnknownRun = errors.New("unknown run")

// DefaultFinishedRetention is how many finished runs a pool remembers for Wait.
const DefaultFinishedRetention = 256

// poolRun tracks one submitted execution.
type poolRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	exec   *models.WorkflowExecution
	err    error
}

// Pool runs several workflow executions concurrently on one Coordinator.
type Pool struct {
	coord  *Coordinator
	logger *slog.Logger

	// runs tracks submitted executions by ID
	runs map[string]*poolRun
	// finished holds ids of completed runs, oldest first
	finished  []string
	retention int
	// slots bounds concurrently executing runs; nil means unbounded
	slots chan struct{}
	mu    sync.RWMutex

	// ctx and cancel for pool lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool

	// wg tracks running executions
	wg sync.WaitGroup
}

// NewPool creates a Pool that submits runs to coord.
func NewPool(coord *Coordinator, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		coord:     coord,
		logger:    logger,
		runs:      make(map[string]*poolRun),
		retention: DefaultFinishedRetention,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit starts a run of def in the background and returns its execution ID.
func (p *Pool) Submit(def *models.WorkflowDefinition, opts RunOptions) (string, error) {
	if def == nil {
		return "", fmt.Errorf("workflow definition is required")
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.New().String()
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", ErrPoolStopped
	}
	if _, exists := p.runs[opts.ExecutionID]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("execution %s already submitted", opts.ExecutionID)
	}
	ctx, cancel := context.WithCancel(p.ctx)
	pr := &poolRun{cancel: cancel, done: make(chan struct{})}
	p.runs[opts.ExecutionID] = pr
	slots := p.slots
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer cancel()

		// A run cancelled while waiting for a slot still goes through Run,
		// which records it as cancelled.
		if slots != nil {
			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
			case <-ctx.Done():
			}
		}

		exec, err := p.coord.Run(ctx, def, opts)
		if err != nil {
			p.logger.Error("workflow run returned error",
				slog.String("execution_id", opts.ExecutionID),
				slog.String("workflow_id", def.ID),
				slog.String("error", err.Error()),
			)
		}

		p.mu.Lock()
		pr.exec, pr.err = exec, err
		close(pr.done)
		p.finished = append(p.finished, opts.ExecutionID)
		for len(p.finished) > p.retention {
			delete(p.runs, p.finished[0])
			p.finished = p.finished[1:]
		}
		p.mu.Unlock()
	}()

	return opts.ExecutionID, nil
}

// SetMaxRuns bounds how many runs execute at once. Further submissions are
// accepted and wait for a slot. n <= 0 means unbounded. Call it before the
// first Submit.
func (p *Pool) SetMaxRuns(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 {
		p.slots = nil
		return
	}
	p.slots = make(chan struct{}, n)
}

// Wait blocks until the run finishes or ctx is done.
func (p *Pool) Wait(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	p.mu.RLock()
	pr, ok := p.runs[id]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}

	select {
	case <-pr.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return pr.exec, pr.err
}

// Cancel cancels a running execution. It reports whether the run was active.
func (p *Pool) Cancel(id string) bool {
	p.mu.RLock()
	pr, ok := p.runs[id]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-pr.done:
		return false
	default:
	}
	pr.cancel()
	return true
}

// Events returns the coordinator's event channel.
func (p *Pool) Events() <-chan Event {
	return p.coord.Events()
}

// Stop cancels every running execution and waits for them to finish.
func (p *Pool) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return nil
}

// Count returns the number of running executions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, pr := range p.runs {
		select {
		case <-pr.done:
		default:
			n++
		}
	}
	return n
}

// DroppedEventCount returns the number of events dropped by the coordinator's emitter.
func (p *Pool) DroppedEventCount() uint64 {
	return p.coord.emitter.DroppedCount()
}
