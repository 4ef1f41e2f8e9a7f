// Package graph resolves task dependencies into a deterministic execution order.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// ErrCycle indicates a circular dependency was found in the task graph.
var ErrCycle = errors.New("circular dependency detected")

// CycleError reports every task left unresolved when Kahn's algorithm stalls.
// Tasks is in definition order.
type CycleError struct {
	Tasks []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency among tasks: %s", strings.Join(e.Tasks, ", "))
}

// Is matches ErrCycle.
func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// Fatal marks the error as non-retryable.
func (e *CycleError) Fatal() bool { return true }

// UnknownDependencyError reports a dependency on a task missing from the workflow.
type UnknownDependencyError struct {
	Task    string
	Missing string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.Task, e.Missing)
}

// Fatal marks the error as non-retryable.
func (e *UnknownDependencyError) Fatal() bool { return true }

// DuplicateTaskError reports two tasks sharing a name.
type DuplicateTaskError struct {
	Task string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task name %s", e.Task)
}

// Fatal marks the error as non-retryable.
func (e *DuplicateTaskError) Fatal() bool { return true }

// Resolve returns tasks in an order where every task follows all of its
// DependsOn and After predecessors. Ties among simultaneously ready tasks are
// broken by definition order, so the result is replayable.
func Resolve(tasks []models.TaskSpec) ([]models.TaskSpec, error) {
	g := New()
	if err := g.Build(tasks); err != nil {
		return nil, err
	}
	order := g.Order()
	resolved := make([]models.TaskSpec, len(order))
	for i, name := range order {
		resolved[i] = g.nodes[name]
	}
	return resolved, nil
}

// DependencyGraph represents a directed acyclic graph of task dependencies.
// Edges point from a task to the tasks it waits for.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task name to its spec.
	nodes map[string]models.TaskSpec
	// position is the index of each task in the definition.
	position map[string]int
	// edges maps a task to every predecessor (DependsOn and After).
	edges map[string][]string
	// strict maps a task to its DependsOn predecessors only.
	strict map[string][]string
	// dependents is the reverse of edges.
	dependents map[string][]string
	// order is the resolved topological order.
	order []string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]models.TaskSpec),
		position:   make(map[string]int),
		edges:      make(map[string][]string),
		strict:     make(map[string][]string),
		dependents: make(map[string][]string),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from tasks and resolves the execution order.
// Returns a *DuplicateTaskError, *UnknownDependencyError or *CycleError.
func (g *DependencyGraph) Build(tasks []models.TaskSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d tasks", len(tasks))

	for i, task := range tasks {
		if _, exists := g.nodes[task.Name]; exists {
			return &DuplicateTaskError{Task: task.Name}
		}
		g.nodes[task.Name] = task
		g.position[task.Name] = i
	}

	for _, task := range tasks {
		for _, dep := range task.Predecessors() {
			if _, exists := g.nodes[dep]; !exists {
				return &UnknownDependencyError{Task: task.Name, Missing: dep}
			}
			g.edges[task.Name] = append(g.edges[task.Name], dep)
			g.dependents[dep] = append(g.dependents[dep], task.Name)
		}
		g.strict[task.Name] = append([]string(nil), task.DependsOn...)
	}

	order, err := g.kahnLocked(tasks)
	if err != nil {
		return err
	}
	g.order = order

	g.debugLog("[graph.Build] resolved order: %v", g.order)
	return nil
}

// kahnLocked repeatedly removes zero-indegree nodes, always taking the
// earliest defined one. The caller must hold the lock.
func (g *DependencyGraph) kahnLocked(tasks []models.TaskSpec) ([]string, error) {
	indegree := make(map[string]int, len(tasks))
	for _, task := range tasks {
		indegree[task.Name] = len(g.edges[task.Name])
	}

	// ready is kept sorted by definition position; the graph is small enough
	// that insertion into a slice beats a heap.
	var ready []string
	for _, task := range tasks {
		if indegree[task.Name] == 0 {
			ready = append(ready, task.Name)
		}
	}

	order := make([]string, 0, len(tasks))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, dependent := range g.dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = g.insertByPosition(ready, dependent)
			}
		}
	}

	if len(order) < len(tasks) {
		var remaining []string
		for _, task := range tasks {
			if indegree[task.Name] > 0 {
				remaining = append(remaining, task.Name)
			}
		}
		g.debugLog("[graph.Build] cycle among %v", remaining)
		return nil, &CycleError{Tasks: remaining}
	}
	return order, nil
}

func (g *DependencyGraph) insertByPosition(ready []string, name string) []string {
	pos := g.position[name]
	i := len(ready)
	for i > 0 && g.position[ready[i-1]] > pos {
		i--
	}
	ready = append(ready, "")
	copy(ready[i+1:], ready[i:])
	ready[i] = name
	return ready
}

// Order returns task names in resolved execution order.
func (g *DependencyGraph) Order() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Task returns the task definition with the given name.
func (g *DependencyGraph) Task(name string) (models.TaskSpec, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.nodes[name]
	return t, ok
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns every predecessor of the given task.
func (g *DependencyGraph) Dependencies(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[name]...)
}

// StrictDependencies returns the predecessors whose success the task requires.
func (g *DependencyGraph) StrictDependencies(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.strict[name]...)
}

// Dependents returns the tasks that wait for the given task, in definition order.
func (g *DependencyGraph) Dependents(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[name]...)
}

// Descendants returns every task that transitively requires the given task
// through DependsOn edges. After edges do not propagate.
func (g *DependencyGraph) Descendants(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	affected := make(map[string]bool)
	var visit func(string)
	visit = func(n string) {
		for _, dependent := range g.dependents[n] {
			if affected[dependent] || !contains(g.strict[dependent], n) {
				continue
			}
			affected[dependent] = true
			visit(dependent)
		}
	}
	visit(name)

	var out []string
	for _, n := range g.order {
		if affected[n] {
			out = append(out, n)
		}
	}
	return out
}

// Ready returns tasks, in resolved order, whose predecessors are all in done
// and which are not themselves in done or excluded.
func (g *DependencyGraph) Ready(done, excluded map[string]bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, name := range g.order {
		if done[name] || excluded[name] {
			continue
		}
		satisfied := true
		for _, dep := range g.edges[name] {
			if !done[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, name)
		}
	}
	return ready
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
