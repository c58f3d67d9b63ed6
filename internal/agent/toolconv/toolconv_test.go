package toolconv

import (
	"encoding/json"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/parlancehq/parlance/internal/agent"
)

var searchDef = agent.ToolDefinition{
	Name:        "web_search",
	Description: "Search the web",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query"},
			"num_results": {"type": "integer"},
			"mode": {"type": "string", "enum": ["fast", "deep"]},
			"filters": {
				"type": "array",
				"items": {"type": "string"}
			}
		},
		"required": ["query"]
	}`),
}

func TestToOpenAITools(t *testing.T) {
	tools := ToOpenAITools([]agent.ToolDefinition{searchDef})
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}

	fn := tools[0].Function
	if fn.Name != "web_search" || fn.Description != "Search the web" {
		t.Errorf("function = %+v", fn)
	}
	params, ok := fn.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("Parameters is %T, want map", fn.Parameters)
	}
	props := params["properties"].(map[string]any)
	if _, ok := props["query"]; !ok {
		t.Error("query property missing")
	}
}

func TestToOpenAIToolsBadSchemaFallsBack(t *testing.T) {
	def := agent.ToolDefinition{Name: "broken", Schema: json.RawMessage(`{not json`)}
	tools := ToOpenAITools([]agent.ToolDefinition{def})
	params, ok := tools[0].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("Parameters is %T, want map", tools[0].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("fallback schema type = %v, want object", params["type"])
	}
}

func TestToGeminiTools(t *testing.T) {
	tools := ToGeminiTools([]agent.ToolDefinition{searchDef})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", tools)
	}

	decl := tools[0].FunctionDeclarations[0]
	if decl.Name != "web_search" {
		t.Errorf("Name = %q", decl.Name)
	}

	schema := decl.Parameters
	if schema.Type != genai.TypeObject {
		t.Errorf("Type = %v, want OBJECT", schema.Type)
	}
	query, ok := schema.Properties["query"]
	if !ok {
		t.Fatal("query property missing")
	}
	if query.Type != genai.TypeString {
		t.Errorf("query type = %v, want STRING", query.Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "query" {
		t.Errorf("Required = %v", schema.Required)
	}

	mode := schema.Properties["mode"]
	if len(mode.Enum) != 2 || mode.Enum[0] != "fast" {
		t.Errorf("Enum = %v", mode.Enum)
	}

	filters := schema.Properties["filters"]
	if filters.Type != genai.TypeArray || filters.Items == nil || filters.Items.Type != genai.TypeString {
		t.Errorf("array schema = %+v", filters)
	}
}

func TestToGeminiToolsSkipsBadSchemas(t *testing.T) {
	defs := []agent.ToolDefinition{
		{Name: "broken", Schema: json.RawMessage(`{not json`)},
	}
	if tools := ToGeminiTools(defs); tools != nil {
		t.Errorf("ToGeminiTools() = %+v, want nil", tools)
	}
	if tools := ToGeminiTools(nil); tools != nil {
		t.Errorf("ToGeminiTools(nil) = %+v, want nil", tools)
	}
}

func TestToAnthropicTools(t *testing.T) {
	tools, err := ToAnthropicTools([]agent.ToolDefinition{searchDef})
	if err != nil {
		t.Fatalf("ToAnthropicTools() error = %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}

	tool := tools[0].OfTool
	if tool == nil {
		t.Fatal("OfTool is nil")
	}
	if tool.Name != "web_search" {
		t.Errorf("Name = %q", tool.Name)
	}
	if tool.Description.Value != "Search the web" {
		t.Errorf("Description = %q", tool.Description.Value)
	}
	encoded, err := json.Marshal(tool.InputSchema)
	if err != nil {
		t.Fatalf("marshal input schema: %v", err)
	}
	if !strings.Contains(string(encoded), `"query"`) {
		t.Errorf("input schema %s missing query property", encoded)
	}
}

func TestToAnthropicToolsRejectsBadSchema(t *testing.T) {
	defs := []agent.ToolDefinition{
		{Name: "broken", Schema: json.RawMessage(`{not json`)},
	}
	if _, err := ToAnthropicTools(defs); err == nil {
		t.Error("ToAnthropicTools() succeeded with bad schema, want error")
	}

	tools, err := ToAnthropicTools(nil)
	if err != nil || tools != nil {
		t.Errorf("ToAnthropicTools(nil) = (%v, %v), want (nil, nil)", tools, err)
	}
}
