package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// Request is what a handler receives for one attempt of a task.
type Request struct {
	// Task is the task name within the workflow.
	Task string
	// AgentType and Action are the parsed capability reference.
	AgentType string
	Action    string
	// Parameters are the task parameters after variable substitution.
	Parameters map[string]any
	// Variables is the run-scoped variable map.
	Variables map[string]string
	// Outputs holds the outputs of completed tasks, keyed by task name.
	Outputs map[string]any
	// Attempt starts at 1.
	Attempt     int
	ExecutionID string
	WorkflowID  string
	// Handoff is the artifact consumed at the start of the run, if any.
	Handoff *models.HandoffArtifact
}

// String returns the parameter as a string, or def when absent or not a string.
func (r Request) String(key, def string) string {
	if v, ok := r.Parameters[key].(string); ok {
		return v
	}
	return def
}

// Handler performs one attempt of an action.
type Handler func(ctx context.Context, req Request) (any, error)

// Resolver looks up the handler for a capability.
type Resolver interface {
	Resolve(agentType, action string) (Handler, error)
}

// Capability names a registered agent type and action pair.
type Capability struct {
	AgentType string `json:"agent_type"`
	Action    string `json:"action"`
}

// String returns the "agentType.action" form.
func (c Capability) String() string {
	return c.AgentType + "." + c.Action
}

// ParseAction splits "http.get" into ("http", "get").
func ParseAction(ref string) (agentType, action string, err error) {
	agentType, action, ok := strings.Cut(ref, ".")
	if !ok || agentType == "" || action == "" {
		return "", "", &InvalidActionError{Ref: ref}
	}
	return agentType, action, nil
}

// Registry maps capabilities to handlers. It is populated at startup and
// read-only after Freeze. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Capability]Handler
	frozen   bool
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Capability]Handler)}
}

// Register adds a handler for agentType.action.
func (r *Registry) Register(agentType, action string, h Handler) error {
	if agentType == "" || action == "" {
		return &InvalidActionError{Ref: agentType + "." + action}
	}
	if h == nil {
		return fmt.Errorf("register %s.%s: nil handler", agentType, action)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	key := Capability{AgentType: agentType, Action: action}
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, key)
	}
	r.handlers[key] = h
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Resolve returns the handler for agentType.action or *ActionNotSupportedError.
func (r *Registry) Resolve(agentType, action string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[Capability{AgentType: agentType, Action: action}]
	if !ok {
		return nil, &ActionNotSupportedError{AgentType: agentType, Action: action}
	}
	return h, nil
}

// Capabilities lists registered capabilities sorted by agent type then action.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]Capability, 0, len(r.handlers))
	for c := range r.handlers {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].AgentType != caps[j].AgentType {
			return caps[i].AgentType < caps[j].AgentType
		}
		return caps[i].Action < caps[j].Action
	})
	return caps
}
