// Package capabilities registers the built-in task actions: http.get,
// json.parse, shell.exec, llm.complete, noop.echo and findings.aggregate.
//
// Handlers classify their own errors. Bad parameters and malformed input are
// marked fatal so the Retry Controller gives up at once; transport failures
// and server-side errors are left retryable.
package capabilities

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ShayCichocki/stagehand/internal/exec"
	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/tidwall/gjson"
)

// DefaultMaxBodyBytes bounds the response body http.get keeps.
const DefaultMaxBodyBytes int64 = 10 << 20

// ErrLLMUnavailable is returned by llm.complete when no client is configured.
var ErrLLMUnavailable = errors.New("llm.complete: no Anthropic credentials configured")

// Deps are the collaborators the built-in handlers share.
type Deps struct {
	// HTTPClient serves http.get. Nil uses a client with a 60s timeout.
	HTTPClient *http.Client
	// MaxBodyBytes bounds http.get response bodies. Zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Runner serves shell.exec. Nil uses exec.NewRunner().
	Runner exec.CommandRunner
	// LLM serves llm.complete. Nil makes the action fail with ErrLLMUnavailable.
	LLM Completer
	Logger *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if d.Runner == nil {
		d.Runner = exec.NewRunner()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	return d
}

// Register adds every built-in capability to reg. The registry is left
// unfrozen so callers can add their own handlers before freezing it.
func Register(reg *executor.Registry, deps Deps) error {
	deps = deps.withDefaults()
	builtins := []struct {
		agentType, action string
		h                 executor.Handler
	}{
		{"http", "get", httpGet(deps)},
		{"json", "parse", jsonParse},
		{"shell", "exec", shellExec(deps)},
		{"llm", "complete", llmComplete(deps)},
		{"noop", "echo", echo},
		{"findings", "aggregate", findingsAggregate},
	}
	for _, b := range builtins {
		if err := reg.Register(b.agentType, b.action, b.h); err != nil {
			return err
		}
	}
	return nil
}

// ParamError reports a missing or malformed task parameter.
type ParamError struct {
	Action string
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: parameter %q %s", e.Action, e.Param, e.Reason)
}

// Fatal marks the error as non-retryable.
func (e *ParamError) Fatal() bool { return true }

// document returns the JSON text a task works on: the output of the task
// named by "from", narrowed to "field" when set, or the literal "input"
// parameter.
func document(action string, req executor.Request) ([]byte, error) {
	from := req.String("from", "")
	if from == "" {
		in, ok := req.Parameters["input"]
		if !ok {
			return nil, &ParamError{Action: action, Param: "from", Reason: "is required when no input is given"}
		}
		return toJSON(in)
	}

	out, ok := req.Outputs[from]
	if !ok {
		return nil, &ParamError{Action: action, Param: "from", Reason: fmt.Sprintf("names task %s, which has no output (list it in depends_on)", from)}
	}
	raw, err := toJSON(out)
	if err != nil {
		return nil, err
	}

	field := req.String("field", "")
	if field == "" {
		return raw, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, retry.MarkFatal(fmt.Errorf("%s: output of %s is not JSON", action, from))
	}
	r := gjson.GetBytes(raw, field)
	if !r.Exists() {
		return nil, &ParamError{Action: action, Param: "field", Reason: fmt.Sprintf("%q not found in output of %s", field, from)}
	}
	if r.Type == gjson.String {
		return []byte(r.Str), nil
	}
	return []byte(r.Raw), nil
}

// toJSON passes strings through as JSON text and marshals everything else.
func toJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, retry.MarkFatal(fmt.Errorf("encode input: %w", err))
	}
	return raw, nil
}

// stringMap converts a map parameter into string values.
func stringMap(action, param string, v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ParamError{Action: action, Param: param, Reason: "must be a mapping"}
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprint(val)
	}
	return out, nil
}

// boolParam accepts YAML booleans and the strings "true"/"false".
func boolParam(req executor.Request, key string) bool {
	switch v := req.Parameters[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// intParam accepts any numeric parameter kind.
func intParam(req executor.Request, key string, def int64) int64 {
	switch v := req.Parameters[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return def
}
