package providers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/pkg/models"
)

func newStubOpenAIProvider(t *testing.T, body string) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		name:       "openai",
		logger:     slog.Default(),
		maxRetries: 1,
		retryDelay: time.Millisecond,
	}
}

func TestOpenAICompleteParsesToolCalls(t *testing.T) {
	p := newStubOpenAIProvider(t, `{
		"id": "resp-1",
		"choices": [{
			"message": {
				"role": "assistant",
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "lookup", "arguments": "{\"query\":\"weather\"}"}
				}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4}
	}`)

	result, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{models.UserMessage("weather?")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if result.FinishReason != agent.FinishToolCalls {
		t.Errorf("FinishReason = %v, want tool calls", result.FinishReason)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "lookup" {
		t.Fatalf("ToolCalls = %+v, want one lookup call", result.ToolCalls)
	}
	if string(result.ToolCalls[0].Input) != `{"query":"weather"}` {
		t.Errorf("Input = %s, want the raw arguments", result.ToolCalls[0].Input)
	}
}

func TestOpenAICompleteRejectsInvalidToolArguments(t *testing.T) {
	p := newStubOpenAIProvider(t, `{
		"id": "resp-2",
		"choices": [{
			"message": {
				"role": "assistant",
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "lookup", "arguments": "{\"query\": oops"}
				}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4}
	}`)

	_, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{models.UserMessage("weather?")},
	})
	if err == nil {
		t.Fatal("Complete() succeeded with unparseable tool arguments")
	}
	perr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if perr.Kind != KindMalformedResponse {
		t.Errorf("Kind = %v, want %v", perr.Kind, KindMalformedResponse)
	}
}

func TestOpenAICompleteTreatsEmptyToolArgumentsAsEmptyObject(t *testing.T) {
	p := newStubOpenAIProvider(t, `{
		"id": "resp-3",
		"choices": [{
			"message": {
				"role": "assistant",
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "ping", "arguments": ""}
				}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 1}
	}`)

	result, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{models.UserMessage("ping")},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if string(result.ToolCalls[0].Input) != "{}" {
		t.Errorf("Input = %s, want {}", result.ToolCalls[0].Input)
	}
}

func TestConvertOpenAIFinishReason(t *testing.T) {
	tests := []struct {
		in   openai.FinishReason
		want agent.FinishReason
	}{
		{openai.FinishReasonStop, agent.FinishStop},
		{openai.FinishReasonLength, agent.FinishLength},
		{openai.FinishReasonToolCalls, agent.FinishToolCalls},
		{openai.FinishReasonFunctionCall, agent.FinishToolCalls},
		{openai.FinishReasonContentFilter, agent.FinishError},
		{openai.FinishReason("something_new"), agent.FinishStop},
	}
	for _, tt := range tests {
		if got := convertOpenAIFinishReason(tt.in); got != tt.want {
			t.Errorf("convertOpenAIFinishReason(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
