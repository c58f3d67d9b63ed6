package agent

import (
	"context"
	"encoding/json"

	"github.com/parlancehq/parlance/pkg/models"
)

// Provider defines the interface for interchangeable LLM backends.
//
// Implementations handle the specifics of one vendor API while presenting the
// canonical request/result shapes to the orchestrator. Implementations must be
// safe for concurrent use; multiple conversations may call Complete at once.
type Provider interface {
	// Complete sends the conversation snapshot and returns the normalized result.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)

	// Name returns the stable lowercase provider identifier.
	Name() string

	// Models returns the models this provider advertises.
	Models() []Model

	// SupportsTools reports whether the provider can accept tool definitions.
	SupportsTools() bool
}

// CompletionRequest carries everything a provider needs for one model call.
type CompletionRequest struct {
	// Model selects the vendor model; empty means the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages by most APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation snapshot in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools lists the definitions the model may invoke. Empty disables tool use.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// Temperature is the sampling temperature; zero means the provider default.
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens caps the generated response length; zero means the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// FinishReason describes why the model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// CompletionResult is the canonical output of a provider call. Immutable once
// produced; no downstream component ever inspects vendor-specific shapes.
type CompletionResult struct {
	// Content is the generated text; may be empty when the reply only carries
	// tool calls.
	Content string `json:"content"`

	// ToolCalls lists requested tool invocations in the order the model
	// emitted them.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// FinishReason reports why generation stopped.
	FinishReason FinishReason `json:"finish_reason"`

	// Usage records token consumption for this call.
	Usage models.Usage `json:"usage"`

	// EstimatedCost is the advisory USD cost computed from the static price
	// table. Zero for unrecognized models.
	EstimatedCost float64 `json:"estimated_cost"`
}

// Model describes an available model and its capabilities.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// ToolDefinition describes a tool's contract for model function calling and
// for registry-side validation.
type ToolDefinition struct {
	// Name uniquely identifies the tool within the registry.
	Name string `json:"name"`

	// Description tells the model when to use the tool.
	Description string `json:"description"`

	// Schema is the JSON Schema for the tool's parameters.
	Schema json.RawMessage `json:"schema"`

	// Permissions lists capability tags the caller must hold, e.g. "network".
	Permissions []string `json:"permissions,omitempty"`
}

// Tool is an executable binding of a ToolDefinition.
//
// Implementing a Tool:
//
//	type echo struct{}
//
//	func (echo) Definition() agent.ToolDefinition {
//	    return agent.ToolDefinition{
//	        Name:        "echo",
//	        Description: "Echoes its input back.",
//	        Schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
//	    }
//	}
//
//	func (echo) Execute(ctx context.Context, params json.RawMessage) (string, error) {
//	    var in struct{ Text string `json:"text"` }
//	    if err := json.Unmarshal(params, &in); err != nil {
//	        return "", err
//	    }
//	    return in.Text, nil
//	}
type Tool interface {
	// Definition returns the tool contract.
	Definition() ToolDefinition

	// Execute runs the tool with parameters matching Definition().Schema.
	Execute(ctx context.Context, params json.RawMessage) (string, error)
}
