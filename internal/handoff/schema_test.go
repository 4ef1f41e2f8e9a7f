package handoff

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

func TestValidateJSON(t *testing.T) {
	valid := `{"from_stage":"a","to_stage":"b","timestamp":"2024-01-01T00:00:00Z","status":"completed","summary":{},"payload":{}}`
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid artifact", valid, false},
		{"not json", `{"from_stage":`, true},
		{"array", `[]`, true},
		{"missing payload", `{"from_stage":"a","to_stage":"b","timestamp":"t","status":"completed","summary":{}}`, true},
		{"missing timestamp", `{"from_stage":"a","to_stage":"b","status":"completed","summary":{},"payload":{}}`, true},
		{"summary not object", `{"from_stage":"a","to_stage":"b","timestamp":"t","status":"completed","summary":3,"payload":{}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJSON([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateJSON error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("expected ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestSchemaRegistry_RejectsUnknownKind(t *testing.T) {
	r := NewSchemaRegistry()
	if err := r.Register("x", Schema{Required: map[string]Kind{"f": "date"}}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if err := r.Register("x", Schema{Required: map[string]Kind{"f": KindObject, "g": KindAny}}); err != nil {
		t.Errorf("Register failed: %v", err)
	}
	if _, ok := r.Lookup("x"); !ok {
		t.Error("Lookup(x) not found")
	}
}

func TestSchemaRegistry_CaseInsensitiveStage(t *testing.T) {
	r := NewSchemaRegistry()
	if err := r.Register("reporting", Schema{Required: map[string]Kind{"score": KindNumber}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Lookup("Reporting"); !ok {
		t.Error("Lookup(Reporting) should match the lowercased registration")
	}
}

func TestSchemaRegistry_NestedPaths(t *testing.T) {
	r := NewSchemaRegistry()
	err := r.Register("remediation", Schema{Required: map[string]Kind{
		"outputs.scan.findings": KindArray,
		"status":                KindString,
	}})
	if err != nil {
		t.Fatal(err)
	}
	art := &models.HandoffArtifact{
		FromStage: "audit",
		ToStage:   "remediation",
		Status:    models.HandoffCompleted,
		Timestamp: time.Now(),
		Summary:   map[string]any{},
		Payload: map[string]any{
			"status":  "completed",
			"outputs": map[string]any{"scan": map[string]any{"findings": []any{"x"}}},
		},
	}
	if err := r.Validate(art); err != nil {
		t.Fatalf("nested path should validate: %v", err)
	}

	art.Payload["outputs"] = map[string]any{"scan": map[string]any{"findings": "none"}}
	err = r.Validate(art)
	if err == nil || !strings.Contains(err.Error(), "payload.outputs.scan.findings must be array") {
		t.Errorf("wrong kind error = %v", err)
	}

	art.Payload["outputs"] = map[string]any{}
	err = r.Validate(art)
	if err == nil || !strings.Contains(err.Error(), "payload.outputs.scan.findings is required") {
		t.Errorf("missing path error = %v", err)
	}
}

func TestKind_Matches(t *testing.T) {
	tests := []struct {
		kind Kind
		v    any
		want bool
	}{
		{KindString, "s", true},
		{KindString, 1.0, false},
		{KindNumber, 1.0, true},
		{KindBool, true, true},
		{KindObject, map[string]any{}, true},
		{KindArray, []any{}, true},
		{KindArray, map[string]any{}, false},
		{KindAny, nil, true},
	}
	for _, tt := range tests {
		if got := tt.kind.matches(tt.v); got != tt.want {
			t.Errorf("%s.matches(%#v) = %v, want %v", tt.kind, tt.v, got, tt.want)
		}
	}
}
