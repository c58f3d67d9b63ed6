package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/internal/agent/toolconv"
	"github.com/parlancehq/parlance/pkg/models"
)

// GoogleProvider implements agent.Provider for Google's Gemini API.
//
// Gemini specifics handled here:
//   - The system prompt travels as SystemInstruction in the generation config
//   - Assistant messages use the "model" role; tool results are
//     FunctionResponse parts inside user-role content
//   - The API does not assign tool call IDs, so the provider generates them
//     and resolves them back to function names when replaying history
//
// Safe for concurrent use across goroutines.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
	logger       *slog.Logger
}

// GoogleConfig holds configuration for the Google provider.
type GoogleConfig struct {
	// APIKey is the Google AI API key (required).
	// Obtain from: https://aistudio.google.com/apikey
	APIKey string

	// DefaultModel is used when the request doesn't name a model (optional).
	DefaultModel string

	// MaxRetries is the maximum retry attempts for transient failures (default: 3)
	MaxRetries int

	// RetryDelay is the base delay between retries; backoff is exponential (default: 1s)
	RetryDelay time.Duration

	// Logger is optional; nil falls back to slog.Default().
	Logger *slog.Logger
}

// NewGoogleProvider creates a new Google provider instance.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		logger:       config.Logger,
	}, nil
}

// Name returns the stable lowercase provider identifier.
func (p *GoogleProvider) Name() string {
	return "google"
}

// Models returns the supported Gemini models.
func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000},
		{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", ContextSize: 1000000},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextSize: 2000000},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextSize: 1000000},
	}
}

// SupportsTools reports function calling support. Always true for Gemini models.
func (p *GoogleProvider) SupportsTools() bool {
	return true
}

// Complete sends one generation request and returns the normalized result.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError("google", model, err).WithKind(KindInvalidRequest)
	}

	config := p.buildConfig(req)

	var resp *genai.GenerateContentResponse
	var lastErr error

	// Exponential backoff retry loop.
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, lastErr = p.client.Models.GenerateContent(ctx, model, contents, config)
		if lastErr == nil {
			break
		}
		if !IsRetryable(lastErr) {
			return nil, NewProviderError("google", model, lastErr)
		}
	}
	if lastErr != nil {
		return nil, NewProviderError("google", model, lastErr)
	}

	return p.convertResult(resp, model)
}

// convertResult normalizes the SDK response into a CompletionResult.
func (p *GoogleProvider) convertResult(resp *genai.GenerateContentResponse, model string) (*agent.CompletionResult, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, NewProviderError("google", model, errors.New("response contained no candidates")).
			WithKind(KindMalformedResponse)
	}

	candidate := resp.Candidates[0]
	result := &agent.CompletionResult{}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			argsJSON, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				argsJSON = []byte("{}")
			}
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:    generateToolCallID(part.FunctionCall.Name),
				Name:  part.FunctionCall.Name,
				Input: argsJSON,
			})
		}
	}
	result.Content = text.String()

	switch {
	case len(result.ToolCalls) > 0:
		result.FinishReason = agent.FinishToolCalls
	case candidate.FinishReason == genai.FinishReasonMaxTokens:
		result.FinishReason = agent.FinishLength
	case candidate.FinishReason == genai.FinishReasonSafety,
		candidate.FinishReason == genai.FinishReasonRecitation,
		candidate.FinishReason == genai.FinishReasonBlocklist,
		candidate.FinishReason == genai.FinishReasonProhibitedContent,
		candidate.FinishReason == genai.FinishReasonSPII:
		result.FinishReason = agent.FinishError
	default:
		result.FinishReason = agent.FinishStop
	}

	if resp.UsageMetadata != nil {
		result.Usage = models.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	result.EstimatedCost = estimateCostLogged(p.logger, "google", model, result.Usage)
	return result, nil
}

// convertMessages converts canonical history into Gemini content. System
// messages are skipped here; the caller passes the system prompt via
// SystemInstruction.
func (p *GoogleProvider) convertMessages(messages []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}

		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			// User and tool roles both map to the user side.
			content.Role = genai.RoleUser
		}

		switch msg.Role {
		case models.RoleTool:
			// Parse result content as JSON if possible, otherwise wrap it.
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{
					"result": msg.Content,
					"error":  msg.IsError,
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameFromID(msg.ToolCallID, messages),
					Response: response,
				},
			})

		default:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{
					Text: msg.Content,
				})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					args = make(map[string]any)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: tc.Name,
						Args: args,
					},
				})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

// buildConfig builds the GenerateContentConfig from a CompletionRequest.
func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: req.System},
			},
		}
	}

	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}

	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}

	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}

	return config
}

// generateToolCallID generates a unique ID for a tool call.
// Gemini doesn't provide tool call IDs, so we generate them.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// toolNameFromID retrieves the tool name from a tool call ID by scanning
// earlier assistant messages.
func toolNameFromID(toolCallID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	// Fall back to extracting from the ID format "call_<name>_<timestamp>"
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
