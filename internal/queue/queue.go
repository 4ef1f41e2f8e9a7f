// Package queue provides a bounded priority queue for ready tasks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// DefaultMaxConcurrent is the active item bound used when none is given.
const DefaultMaxConcurrent = 20

var (
	// ErrClosed is returned by Enqueue after Close, and by Dequeue once a
	// closed queue has been drained.
	ErrClosed = errors.New("queue closed")
	// ErrDuplicate is returned when a task with the same name is already
	// pending or active.
	ErrDuplicate = errors.New("task already queued")
)

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Pending  int                     `json:"pending"`
	Active   int                     `json:"active"`
	ByTier   map[models.Priority]int `json:"by_tier"`
	Enqueued int64                   `json:"enqueued"`
	Dequeued int64                   `json:"dequeued"`
	Closed   bool                    `json:"closed"`
}

// Queue orders tasks by priority tier, FIFO within a tier, and bounds the
// number of dequeued tasks not yet marked Done.
type Queue struct {
	mu sync.Mutex
	// tiers holds pending tasks, index = Priority.Rank().
	tiers [4][]models.TaskSpec
	// active holds names dequeued and not yet Done.
	active map[string]struct{}
	// pending counts tasks across all tiers.
	pending       int
	maxConcurrent int
	capacity      int
	closed        bool
	enqueued      int64
	dequeued      int64
	// wake is closed and replaced whenever the queue changes.
	wake chan struct{}
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a queue allowing maxConcurrent active tasks and capacity
// pending tasks. maxConcurrent <= 0 uses DefaultMaxConcurrent; capacity <= 0
// means unbounded.
func New(maxConcurrent, capacity int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Queue{
		active:        make(map[string]struct{}),
		maxConcurrent: maxConcurrent,
		capacity:      capacity,
		wake:          make(chan struct{}),
		debugLog:      func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (q *Queue) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		q.debugLog = fn
	}
}

func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) knownLocked(name string) bool {
	if _, ok := q.active[name]; ok {
		return true
	}
	for _, tier := range q.tiers {
		for _, t := range tier {
			if t.Name == name {
				return true
			}
		}
	}
	return false
}

// Enqueue adds a task to its priority tier. It blocks while the queue holds
// capacity pending tasks, until space frees up or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, task models.TaskSpec) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.knownLocked(task.Name) {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicate, task.Name)
		}
		if q.capacity <= 0 || q.pending < q.capacity {
			rank := task.Priority.Rank()
			q.tiers[rank] = append(q.tiers[rank], task)
			q.pending++
			q.enqueued++
			q.debugLog("[queue] enqueued %s (tier=%d pending=%d)", task.Name, rank, q.pending)
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dequeue removes and returns the highest priority pending task. It blocks
// while the queue is empty or maxConcurrent tasks are active. After Close it
// keeps returning pending tasks and then fails with ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (models.TaskSpec, error) {
	for {
		q.mu.Lock()
		if q.pending > 0 && len(q.active) < q.maxConcurrent {
			task := q.popLocked()
			q.active[task.Name] = struct{}{}
			q.dequeued++
			q.debugLog("[queue] dequeued %s (active=%d pending=%d)", task.Name, len(q.active), q.pending)
			q.broadcastLocked()
			q.mu.Unlock()
			return task, nil
		}
		if q.closed && q.pending == 0 {
			q.mu.Unlock()
			return models.TaskSpec{}, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return models.TaskSpec{}, ctx.Err()
		}
	}
}

func (q *Queue) popLocked() models.TaskSpec {
	for i := range q.tiers {
		if len(q.tiers[i]) == 0 {
			continue
		}
		task := q.tiers[i][0]
		q.tiers[i][0] = models.TaskSpec{}
		q.tiers[i] = q.tiers[i][1:]
		q.pending--
		return task
	}
	panic("queue: pop from empty queue")
}

// Done releases the concurrency slot held by a dequeued task.
// Unknown names are ignored.
func (q *Queue) Done(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[name]; !ok {
		return
	}
	delete(q.active, name)
	q.broadcastLocked()
}

// Remove drops a pending task. It reports whether the task was found.
// Active tasks are not affected.
func (q *Queue) Remove(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, tier := range q.tiers {
		for j, t := range tier {
			if t.Name != name {
				continue
			}
			q.tiers[i] = append(tier[:j:j], tier[j+1:]...)
			q.pending--
			q.broadcastLocked()
			return true
		}
	}
	return false
}

// Close stops accepting tasks and wakes every blocked caller.
// Calling Close more than once is safe.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Active returns the number of dequeued tasks not yet Done.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	byTier := make(map[models.Priority]int, len(models.Priorities))
	for _, p := range models.Priorities {
		byTier[p] = len(q.tiers[p.Rank()])
	}
	return Stats{
		Pending:  q.pending,
		Active:   len(q.active),
		ByTier:   byTier,
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Closed:   q.closed,
	}
}
