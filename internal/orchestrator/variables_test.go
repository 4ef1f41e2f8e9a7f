package orchestrator

import (
	"reflect"
	"testing"
)

func TestSubstitute(t *testing.T) {
	vars := map[string]string{"host": "example.test", "id": "42", "path": "items.#.price"}
	tests := []struct {
		name        string
		params      map[string]any
		want        map[string]any
		wantMissing []string
	}{
		{
			name:   "braced anywhere",
			params: map[string]any{"url": "https://${host}/items/${id}"},
			want:   map[string]any{"url": "https://example.test/items/42"},
		},
		{
			name:   "bare whole string",
			params: map[string]any{"path": "$path"},
			want:   map[string]any{"path": "items.#.price"},
		},
		{
			name:   "bare inside text is literal",
			params: map[string]any{"price": "costs $id dollars"},
			want:   map[string]any{"price": "costs $id dollars"},
		},
		{
			name:   "nested values",
			params: map[string]any{"headers": map[string]any{"X-Id": "${id}"}, "args": []any{"$host", 7}},
			want:   map[string]any{"headers": map[string]any{"X-Id": "42"}, "args": []any{"example.test", 7}},
		},
		{
			name:   "non strings untouched",
			params: map[string]any{"count": 3, "enabled": true},
			want:   map[string]any{"count": 3, "enabled": true},
		},
		{
			name:        "missing collected",
			params:      map[string]any{"a": "${nope}", "b": "$also", "c": "${host}"},
			want:        map[string]any{"a": "${nope}", "b": "$also", "c": "example.test"},
			wantMissing: []string{"also", "nope"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			missing := make(map[string]bool)
			got := Substitute(tt.params, vars, missing)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Substitute = %v, want %v", got, tt.want)
			}
			if gotMissing := sortedKeys(missing); len(gotMissing) != len(tt.wantMissing) ||
				(len(gotMissing) > 0 && !reflect.DeepEqual(gotMissing, tt.wantMissing)) {
				t.Errorf("missing = %v, want %v", gotMissing, tt.wantMissing)
			}
		})
	}
}

func TestSubstitute_DoesNotMutateInput(t *testing.T) {
	nested := map[string]any{"k": "${id}"}
	params := map[string]any{"nested": nested}
	Substitute(params, map[string]string{"id": "1"}, map[string]bool{})
	if nested["k"] != "${id}" {
		t.Errorf("input mutated: %v", nested)
	}
}

func TestReferences(t *testing.T) {
	params := map[string]any{
		"url":  "${base}/x/${id}",
		"path": "$path",
		"list": []any{"${id}"},
	}
	want := []string{"base", "id", "path"}
	if got := References(params); !reflect.DeepEqual(got, want) {
		t.Errorf("References = %v, want %v", got, want)
	}
}
