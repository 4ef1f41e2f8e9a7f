package definition

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/graph"
	"github.com/ShayCichocki/stagehand/pkg/models"
)

// ValidationError lists every problem found in a definition. It is fatal.
type ValidationError struct {
	Workflow string
	Problems []string
}

func (e *ValidationError) Error() string {
	name := e.Workflow
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("invalid workflow %s: %s", name, strings.Join(e.Problems, "; "))
}

// Fatal marks the error as non-retryable.
func (e *ValidationError) Fatal() bool { return true }

// Validate checks field level rules, then resolves the task graph. Field
// problems are collected into one *ValidationError; graph problems are
// returned as the resolver's own error types.
func Validate(def *models.WorkflowDefinition) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if def.ID == "" {
		add("id is required")
	}
	if def.OnError != "" && !def.OnError.Valid() {
		add("on_error must be stop or continue, got %q", def.OnError)
	}
	if def.MaxConcurrent < 0 {
		add("max_concurrent must not be negative")
	}
	if len(def.Tasks) == 0 {
		add("at least one task is required")
	}
	checkRetry(def.Retry, "workflow", add)

	if s := def.Stage; s != nil {
		if s.Name == "" {
			add("stage.name is required")
		}
		if s.NextStage != "" && s.NextStage == s.Name {
			add("stage.next_stage must differ from stage.name")
		}
	}

	for i, t := range def.Tasks {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			add("task %s: name is required", label)
		}
		if _, _, err := executor.ParseAction(t.Action); err != nil {
			add("task %s: %v", label, err)
		}
		if t.Priority != "" && !t.Priority.Valid() {
			add("task %s: unknown priority %q", label, t.Priority)
		}
		for _, dep := range t.Predecessors() {
			if dep == t.Name {
				add("task %s: depends on itself", label)
			}
		}
		checkRetry(t.Retry, "task "+label, add)
	}

	if len(problems) > 0 {
		return &ValidationError{Workflow: def.ID, Problems: problems}
	}

	if _, err := graph.Resolve(def.Tasks); err != nil {
		return err
	}
	return nil
}

func checkRetry(r *models.RetrySpec, scope string, add func(string, ...any)) {
	if r == nil {
		return
	}
	if r.MaxRetries < 0 {
		add("%s: retry.maxRetries must not be negative", scope)
	}
	if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
		add("%s: retry.backoffMultiplier must be at least 1", scope)
	}
	if r.MaxDelay != 0 && r.BaseDelay > r.MaxDelay {
		add("%s: retry.baseDelay exceeds maxDelay", scope)
	}
}

// CheckCapabilities reports every task whose action the resolver cannot serve.
func CheckCapabilities(def *models.WorkflowDefinition, r executor.Resolver) error {
	var problems []string
	for _, t := range def.Tasks {
		agentType, action, err := executor.ParseAction(t.Action)
		if err != nil {
			problems = append(problems, fmt.Sprintf("task %s: %v", t.Name, err))
			continue
		}
		if _, err := r.Resolve(agentType, action); err != nil {
			problems = append(problems, fmt.Sprintf("task %s: %v", t.Name, err))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Workflow: def.ID, Problems: problems}
	}
	return nil
}
