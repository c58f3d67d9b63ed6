package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/internal/agent/toolconv"
	"github.com/parlancehq/parlance/pkg/models"
)

// AnthropicProvider implements agent.Provider for Claude models.
//
// Anthropic specifics handled here:
//   - The system prompt is a separate request field, not a message
//   - Tool results travel as tool_result content blocks inside user messages
//   - MaxTokens is required by the API; a default is applied when unset
//
// Safe for concurrent use across goroutines.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
	logger       *slog.Logger
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key (required)
	APIKey string

	// BaseURL overrides the API endpoint, mainly for proxies (optional)
	BaseURL string

	// DefaultModel is used when the request doesn't name a model (optional)
	DefaultModel string

	// MaxRetries is the maximum retry attempts for transient failures (default: 3)
	MaxRetries int

	// RetryDelay is the base delay between retries (default: 1s)
	RetryDelay time.Duration

	// Logger is optional; nil falls back to slog.Default().
	Logger *slog.Logger
}

// NewAnthropicProvider creates a new Anthropic provider instance.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		logger:       config.Logger,
	}, nil
}

// Name returns the stable lowercase provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models returns the supported Claude models.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-3-7-sonnet-20250219", Name: "Claude 3.7 Sonnet", ContextSize: 200000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// SupportsTools reports tool use support. Always true for Claude models.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete sends one messages request and returns the normalized result.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError("anthropic", model, err).WithKind(KindInvalidRequest)
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		// The messages API rejects requests without max_tokens.
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return nil, NewProviderError("anthropic", model, err).WithKind(KindInvalidRequest)
		}
		params.Tools = tools
	}

	var msg *anthropic.Message
	var lastErr error

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		msg, lastErr = p.client.Messages.New(ctx, params)
		if lastErr == nil {
			break
		}
		if !IsRetryable(lastErr) {
			return nil, NewProviderError("anthropic", model, lastErr)
		}
	}
	if lastErr != nil {
		return nil, NewProviderError("anthropic", model, lastErr)
	}

	return p.convertResult(msg, model)
}

// convertResult normalizes the SDK response into a CompletionResult.
func (p *AnthropicProvider) convertResult(msg *anthropic.Message, model string) (*agent.CompletionResult, error) {
	result := &agent.CompletionResult{
		Usage: models.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	result.Content = text.String()

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		result.FinishReason = agent.FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		result.FinishReason = agent.FinishLength
	case anthropic.StopReasonRefusal:
		result.FinishReason = agent.FinishError
	default:
		result.FinishReason = agent.FinishStop
	}

	result.EstimatedCost = estimateCostLogged(p.logger, "anthropic", model, result.Usage)
	return result, nil
}

// convertMessages converts canonical history into Anthropic message params.
// System messages are skipped here; the caller passes the system prompt via
// params.System. Tool messages become user messages with tool_result blocks.
func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(
				msg.ToolCallID,
				msg.Content,
				msg.IsError,
			))

		case models.RoleAssistant:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, toolCall := range msg.ToolCalls {
				var input map[string]interface{}
				if err := json.Unmarshal(toolCall.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
				content = append(content, anthropic.NewToolUseBlock(
					toolCall.ID,
					input,
					toolCall.Name,
				))
			}

		default:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}
