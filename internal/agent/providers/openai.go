package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/internal/agent/toolconv"
	"github.com/parlancehq/parlance/pkg/models"
)

// OpenAIProvider implements agent.Provider for OpenAI's chat completion API.
//
// Responsibilities:
//   - Converting between the canonical message format and OpenAI's API format
//   - Normalizing responses, tool calls, and usage into CompletionResult
//   - Retry with linear backoff for transient failures
//
// OpenAI specifics: the system prompt is the first message in the messages
// array, and each tool result is a separate message with role "tool".
//
// Safe for concurrent use across goroutines.
type OpenAIProvider struct {
	client *openai.Client
	name   string
	logger *slog.Logger

	// maxRetries applies to retryable errors: rate limits (429), 5xx, timeouts.
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider creates an OpenAI provider. An empty API key is allowed
// for delayed configuration; Complete returns an error until one is set.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	p := &OpenAIProvider{
		name:       "openai",
		logger:     slog.Default(),
		maxRetries: 3,
		retryDelay: time.Second,
	}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

// NewOpenRouterProvider creates a provider backed by OpenRouter's
// OpenAI-compatible API. Model IDs use provider/model format, e.g.
// "anthropic/claude-3.5-sonnet".
func NewOpenRouterProvider(apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openrouter: API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = "https://openrouter.ai/api/v1"
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		name:       "openrouter",
		logger:     slog.Default(),
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

// Name returns the stable lowercase provider identifier.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Models returns the supported GPT models. OpenAI rotates models frequently;
// this list may trail their catalog.
func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385},
	}
}

// SupportsTools reports function calling support. Always true for GPT models.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete sends one chat completion request and returns the normalized result.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResult, error) {
	if p.client == nil {
		return nil, NewProviderError(p.name, req.Model, errors.New("API key not configured")).WithKind(KindAuth)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req.Messages, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	var lastErr error

	// Linear backoff retry loop.
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		resp, lastErr = p.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !IsRetryable(lastErr) {
			return nil, NewProviderError(p.name, req.Model, lastErr)
		}
	}
	if lastErr != nil {
		return nil, NewProviderError(p.name, req.Model, lastErr)
	}

	if len(resp.Choices) == 0 {
		return nil, NewProviderError(p.name, req.Model, errors.New("response contained no choices")).
			WithKind(KindMalformedResponse).
			WithRequestID(resp.ID)
	}

	choice := resp.Choices[0]
	result := &agent.CompletionResult{
		Content:      choice.Message.Content,
		FinishReason: convertOpenAIFinishReason(choice.FinishReason),
		Usage: models.Usage{
			PromptTokens:     clampTokens(resp.Usage.PromptTokens),
			CompletionTokens: clampTokens(resp.Usage.CompletionTokens),
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return nil, NewProviderError(p.name, req.Model,
				fmt.Errorf("tool call %s carried invalid JSON arguments", tc.Function.Name)).
				WithKind(KindMalformedResponse).
				WithRequestID(resp.ID)
		}
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(args),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = agent.FinishToolCalls
	}

	result.EstimatedCost = estimateCostLogged(p.logger, p.name, req.Model, result.Usage)
	return result, nil
}

// convertMessages flattens the canonical history into OpenAI's format. The
// system prompt becomes the leading message.
func (p *OpenAIProvider) convertMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}

	return result
}

func convertOpenAIFinishReason(r openai.FinishReason) agent.FinishReason {
	switch r {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return agent.FinishToolCalls
	case openai.FinishReasonLength:
		return agent.FinishLength
	case openai.FinishReasonContentFilter:
		return agent.FinishError
	case openai.FinishReasonStop:
		return agent.FinishStop
	default:
		return agent.FinishStop
	}
}

func clampTokens(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
