// Package definition loads workflow definitions from YAML or JSON files and
// the built-in template catalog.
package definition

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// Duration accepts either a number of milliseconds or a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a number or string", node.Line)
	}
	if node.Tag == "!!int" || node.Tag == "!!float" {
		ms, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
		}
		if ms < 0 {
			return fmt.Errorf("line %d: negative duration %q", node.Line, node.Value)
		}
		*d = Duration(time.Duration(ms * float64(time.Millisecond)))
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: negative duration %q", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// retryFile accepts both the camelCase keys of exported definitions and snake_case.
type retryFile struct {
	MaxRetries        int      `yaml:"maxRetries"`
	MaxRetriesSnake   int      `yaml:"max_retries"`
	BaseDelay         Duration `yaml:"baseDelay"`
	BaseDelaySnake    Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"maxDelay"`
	MaxDelaySnake     Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier"`
	BackoffSnake      float64  `yaml:"backoff_multiplier"`
}

func (r *retryFile) spec() *models.RetrySpec {
	if r == nil {
		return nil
	}
	pick := func(a, b Duration) time.Duration {
		if a != 0 {
			return time.Duration(a)
		}
		return time.Duration(b)
	}
	spec := &models.RetrySpec{
		MaxRetries:        r.MaxRetries,
		BaseDelay:         pick(r.BaseDelay, r.BaseDelaySnake),
		MaxDelay:          pick(r.MaxDelay, r.MaxDelaySnake),
		BackoffMultiplier: r.BackoffMultiplier,
	}
	if spec.MaxRetries == 0 {
		spec.MaxRetries = r.MaxRetriesSnake
	}
	if spec.BackoffMultiplier == 0 {
		spec.BackoffMultiplier = r.BackoffSnake
	}
	return spec
}

type stageFile struct {
	Name       string `yaml:"name"`
	Consume    bool   `yaml:"consume"`
	NextStage  string `yaml:"next_stage"`
	NextAction string `yaml:"next_action"`
}

type taskFile struct {
	Name         string         `yaml:"name"`
	Action       string         `yaml:"action"`
	Parameters   map[string]any `yaml:"parameters"`
	DependsOn    []string       `yaml:"depends_on"`
	After        []string       `yaml:"after"`
	Priority     string         `yaml:"priority"`
	AllowFailure bool           `yaml:"allow_failure"`
	Retry        *retryFile     `yaml:"retry"`
	Timeout      Duration       `yaml:"timeout"`
}

type workflowFile struct {
	ID            string     `yaml:"id"`
	Name          string     `yaml:"name"`
	Description   string     `yaml:"description"`
	OnError       string     `yaml:"on_error"`
	MaxConcurrent int        `yaml:"max_concurrent"`
	Timeout       Duration   `yaml:"timeout"`
	Retry         *retryFile `yaml:"retry"`
	Stage         *stageFile `yaml:"stage"`
	Tasks         []taskFile `yaml:"tasks"`
}

// Parse decodes a workflow definition from YAML or JSON and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*models.WorkflowDefinition, error) {
	var wf workflowFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}

	def := wf.toModel()
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadFile reads and parses the definition at path.
func LoadFile(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func (wf *workflowFile) toModel() *models.WorkflowDefinition {
	def := &models.WorkflowDefinition{
		ID:            wf.ID,
		Name:          wf.Name,
		Description:   wf.Description,
		OnError:       models.OnErrorPolicy(wf.OnError),
		MaxConcurrent: wf.MaxConcurrent,
		Timeout:       time.Duration(wf.Timeout),
		Retry:         wf.Retry.spec(),
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if wf.Stage != nil {
		def.Stage = &models.StageSpec{
			Name:       wf.Stage.Name,
			Consume:    wf.Stage.Consume,
			NextStage:  wf.Stage.NextStage,
			NextAction: wf.Stage.NextAction,
		}
	}
	for _, t := range wf.Tasks {
		def.Tasks = append(def.Tasks, models.TaskSpec{
			Name:         t.Name,
			Action:       t.Action,
			Parameters:   t.Parameters,
			DependsOn:    t.DependsOn,
			After:        t.After,
			Priority:     models.Priority(t.Priority),
			AllowFailure: t.AllowFailure,
			Retry:        t.Retry.spec(),
			Timeout:      time.Duration(t.Timeout),
		})
	}
	return def
}
