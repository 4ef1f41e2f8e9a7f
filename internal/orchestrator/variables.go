package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	// bracedRef matches ${name} anywhere in a string.
	bracedRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)
	// bareRef matches $name when it is the whole string.
	bareRef = regexp.MustCompile(`^\$([A-Za-z_][A-Za-z0-9_]*)$`)
)

// UnresolvedVariableError lists every variable referenced by a workflow's
// parameters that the run did not supply.
type UnresolvedVariableError struct {
	Workflow string
	Names    []string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("workflow %s: unresolved variables: %s", e.Workflow, strings.Join(e.Names, ", "))
}

// Fatal reports that retrying cannot fix the error.
func (e *UnresolvedVariableError) Fatal() bool { return true }

// Substitute returns a deep copy of params with variable references
// replaced. Missing variables are collected into missing.
func Substitute(params map[string]any, vars map[string]string, missing map[string]bool) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = substituteValue(v, vars, missing)
	}
	return out
}

func substituteValue(v any, vars map[string]string, missing map[string]bool) any {
	switch val := v.(type) {
	case string:
		return substituteString(val, vars, missing)
	case map[string]any:
		return Substitute(val, vars, missing)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, vars, missing)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = substituteString(item, vars, missing)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, vars map[string]string, missing map[string]bool) string {
	if !strings.Contains(s, "$") {
		return s
	}
	if m := bareRef.FindStringSubmatch(s); m != nil {
		if v, ok := vars[m[1]]; ok {
			return v
		}
		missing[m[1]] = true
		return s
	}
	return bracedRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing[name] = true
		return ref
	})
}

// References returns the sorted, unique variable names used in params.
func References(params map[string]any) []string {
	missing := make(map[string]bool)
	Substitute(params, nil, missing)
	return sortedKeys(missing)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
