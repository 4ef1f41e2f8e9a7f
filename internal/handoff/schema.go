package handoff

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// Kind is the JSON type a payload field must have.
type Kind string

const (
	KindAny    Kind = "any"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// Valid returns true if the kind is a known value.
func (k Kind) Valid() bool {
	switch k {
	case KindAny, KindString, KindNumber, KindBool, KindObject, KindArray:
		return true
	default:
		return false
	}
}

// matches reports whether a decoded JSON value has kind k.
func (k Kind) matches(v any) bool {
	switch k {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		_, ok := v.(float64)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	case KindArray:
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}

// Schema is the payload shape a consumer stage expects.
type Schema struct {
	// Required maps gjson paths into the payload, such as
	// "outputs.scan.findings", to the kind found there.
	Required map[string]Kind `json:"required" mapstructure:"required"`
}

// ValidationError reports why an artifact was rejected. It is fatal.
type ValidationError struct {
	Stage    string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid handoff artifact for stage %q: %s", e.Stage, strings.Join(e.Problems, "; "))
}

// Fatal marks the error as non-retryable.
func (e *ValidationError) Fatal() bool { return true }

// SchemaRegistry holds the payload schema of each consumer stage.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]Schema)}
}

// Register declares the schema for toStage, replacing any previous one.
func (r *SchemaRegistry) Register(toStage string, s Schema) error {
	for field, kind := range s.Required {
		if field == "" {
			return fmt.Errorf("schema for %s: empty field name", toStage)
		}
		if !kind.Valid() {
			return fmt.Errorf("schema for %s: field %s has unknown kind %q", toStage, field, kind)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[stageKey(toStage)] = s
	return nil
}

// Lookup returns the schema declared for toStage.
func (r *SchemaRegistry) Lookup(toStage string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[stageKey(toStage)]
	return s, ok
}

var stageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func validStageName(name string) bool {
	return stageNamePattern.MatchString(name) && !strings.Contains(name, "..")
}

// stageKey is the canonical form of a stage name. Stage names are
// case-insensitive: config keys arrive lowercased, so directories and
// schemas are both keyed by the lowercased name.
func stageKey(name string) string {
	return strings.ToLower(name)
}

// Validate checks the envelope of a and, when toStage declares a schema,
// the payload fields. Payload values must already be JSON-decoded.
func (r *SchemaRegistry) Validate(a *models.HandoffArtifact) error {
	var problems []string
	if !validStageName(a.FromStage) {
		problems = append(problems, fmt.Sprintf("from_stage %q is not a valid stage name", a.FromStage))
	}
	if !validStageName(a.ToStage) {
		problems = append(problems, fmt.Sprintf("to_stage %q is not a valid stage name", a.ToStage))
	}
	if !a.Status.Valid() {
		problems = append(problems, fmt.Sprintf("status %q must be completed, partial or failed", a.Status))
	}
	if a.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}
	if a.Summary == nil {
		problems = append(problems, "summary is required")
	}
	if a.Payload == nil {
		problems = append(problems, "payload is required")
	}

	if schema, ok := r.Lookup(a.ToStage); ok && a.Payload != nil {
		problems = append(problems, checkPayload(schema, a.Payload)...)
	}

	if len(problems) > 0 {
		return &ValidationError{Stage: a.ToStage, Problems: problems}
	}
	return nil
}

// checkPayload resolves each required path against the encoded payload.
func checkPayload(schema Schema, payload map[string]any) []string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return []string{fmt.Sprintf("payload is not JSON-encodable: %v", err)}
	}
	paths := make([]string, 0, len(schema.Required))
	for p := range schema.Required {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var problems []string
	for _, p := range paths {
		kind := schema.Required[p]
		res := gjson.GetBytes(raw, p)
		switch {
		case !res.Exists():
			problems = append(problems, fmt.Sprintf("payload.%s is required", p))
		case !kind.matches(res.Value()):
			problems = append(problems, fmt.Sprintf("payload.%s must be %s", p, kind))
		}
	}
	return problems
}

// RequiredKeys are the top-level keys every serialized artifact carries.
var RequiredKeys = []string{"from_stage", "to_stage", "timestamp", "status", "summary", "payload"}

// ValidateJSON rejects a raw artifact that is not a JSON object or is
// missing any of RequiredKeys.
func ValidateJSON(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return &ValidationError{Problems: []string{"not valid JSON"}}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return &ValidationError{Problems: []string{"artifact must be a JSON object"}}
	}

	var problems []string
	for _, key := range RequiredKeys {
		if !root.Get(key).Exists() {
			problems = append(problems, fmt.Sprintf("missing required key %s", key))
		}
	}
	for _, key := range []string{"summary", "payload"} {
		if v := root.Get(key); v.Exists() && !v.IsObject() {
			problems = append(problems, fmt.Sprintf("%s must be an object", key))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Stage: root.Get("to_stage").String(), Problems: problems}
	}
	return nil
}
