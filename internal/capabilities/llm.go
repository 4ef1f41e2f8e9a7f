package capabilities

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// DefaultMaxTokens is the completion budget when neither config nor the task sets one.
const DefaultMaxTokens int64 = 1024

// CompletionRequest is one single-turn prompt.
type CompletionRequest struct {
	Prompt string
	System string
	// Model overrides the client's model when set.
	Model     string
	MaxTokens int64
}

// Completion is the text of a model reply plus its usage.
type Completion struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Completer produces completions. LLMClient is the production implementation.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// LLMConfig configures NewLLMClient.
type LLMConfig struct {
	// Model defaults to Claude Sonnet 4.
	Model anthropic.Model
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey    string
	MaxTokens int64
	// UseBedrock routes requests through AWS Bedrock instead of the direct API.
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
}

// LLMClient wraps the Anthropic SDK client with token tracking.
type LLMClient struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	bedrock   bool
	tracker   *TokenTracker
}

// NewLLMClient creates an Anthropic client, optionally backed by Bedrock.
func NewLLMClient(cfg LLMConfig) (*LLMClient, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, ErrLLMUnavailable
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseBedrock {
		model = translateModelForBedrock(model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &LLMClient{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		bedrock:   cfg.UseBedrock,
		tracker:   NewTokenTracker(),
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock
// cross-region inference profiles: us.anthropic.{model}-v1:0
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:  "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	// Already in Bedrock form, or a custom model.
	return model
}

// Model returns the configured model name.
func (c *LLMClient) Model() anthropic.Model {
	return c.model
}

// Tracker returns the token tracker for this client.
func (c *LLMClient) Tracker() *TokenTracker {
	return c.tracker
}

// resolveModel applies a per-task override, translated for Bedrock if needed.
func (c *LLMClient) resolveModel(override string) anthropic.Model {
	if override == "" {
		return c.model
	}
	if c.bedrock && !strings.HasPrefix(override, "us.anthropic") {
		return translateModelForBedrock(anthropic.Model(override))
	}
	return anthropic.Model(override)
}

// Complete sends one user message and returns the concatenated text blocks.
func (c *LLMClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     c.resolveModel(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, classifyAPIError(err)
	}
	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	return Completion{
		Text:         text.String(),
		Model:        string(resp.Model),
		StopReason:   string(resp.StopReason),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// classifyAPIError leaves rate limits and server errors retryable.
func classifyAPIError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return err
		}
		return retry.MarkFatal(err)
	}
	return err
}

func llmComplete(deps Deps) executor.Handler {
	return func(ctx context.Context, req executor.Request) (any, error) {
		if deps.LLM == nil {
			return nil, retry.MarkFatal(ErrLLMUnavailable)
		}
		prompt := req.String("prompt", "")
		if prompt == "" {
			return nil, &ParamError{Action: "llm.complete", Param: "prompt", Reason: "is required"}
		}
		if req.String("from", "") != "" {
			doc, err := document("llm.complete", req)
			if err != nil {
				return nil, err
			}
			prompt = prompt + "\n\n" + string(doc)
		}

		c, err := deps.LLM.Complete(ctx, CompletionRequest{
			Prompt:    prompt,
			System:    req.String("system", ""),
			Model:     req.String("model", ""),
			MaxTokens: intParam(req, "max_tokens", 0),
		})
		if err != nil {
			return nil, fmt.Errorf("llm.complete: %w", err)
		}
		deps.Logger.Debug("llm.complete finished",
			"task", req.Task,
			"model", c.Model,
			"input_tokens", c.InputTokens,
			"output_tokens", c.OutputTokens,
		)
		return map[string]any{
			"text":          c.Text,
			"model":         c.Model,
			"stop_reason":   c.StopReason,
			"input_tokens":  c.InputTokens,
			"output_tokens": c.OutputTokens,
		}, nil
	}
}

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
