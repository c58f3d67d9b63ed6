package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// mockTool implements Tool for registry and executor tests.
type mockTool struct {
	def      ToolDefinition
	execFunc func(ctx context.Context, params json.RawMessage) (string, error)
}

func (m *mockTool) Definition() ToolDefinition { return m.def }

func (m *mockTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	if m.execFunc == nil {
		return "ok", nil
	}
	return m.execFunc(ctx, params)
}

func newMockTool(name string) *mockTool {
	return &mockTool{def: ToolDefinition{
		Name:   name,
		Schema: json.RawMessage(`{"type":"object"}`),
	}}
}

func TestRegisterRejectsInvalidTools(t *testing.T) {
	registry := NewToolRegistry()

	tests := []struct {
		name string
		tool Tool
	}{
		{
			name: "empty name",
			tool: &mockTool{def: ToolDefinition{Name: ""}},
		},
		{
			name: "name too long",
			tool: &mockTool{def: ToolDefinition{Name: strings.Repeat("x", MaxToolNameLength+1)}},
		},
		{
			name: "invalid schema",
			tool: &mockTool{def: ToolDefinition{
				Name:   "bad_schema",
				Schema: json.RawMessage(`{"type": 42}`),
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := registry.Register(tt.tool); err == nil {
				t.Errorf("Register() succeeded, want error")
			}
		})
	}
}

func TestListIsSortedAndStable(t *testing.T) {
	registry := NewToolRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := registry.Register(newMockTool(name)); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	first := registry.List()
	second := registry.List()

	want := []string{"alpha", "mid", "zeta"}
	if len(first) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(first), len(want))
	}
	for i, def := range first {
		if def.Name != want[i] {
			t.Errorf("List()[%d].Name = %q, want %q", i, def.Name, want[i])
		}
		if second[i].Name != def.Name {
			t.Errorf("successive List() calls disagree at %d: %q vs %q", i, def.Name, second[i].Name)
		}
	}
}

func TestExecuteUnknownToolReturnsErrorResult(t *testing.T) {
	registry := NewToolRegistry()

	result, err := registry.Execute(context.Background(), "missing", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil", err)
	}
	if !result.IsError {
		t.Error("result.IsError = false, want true")
	}
	if !strings.Contains(result.Content, "tool not found") {
		t.Errorf("result.Content = %q, want mention of tool not found", result.Content)
	}
}

func TestExecutePermissionGating(t *testing.T) {
	tool := &mockTool{def: ToolDefinition{
		Name:        "fetcher",
		Schema:      json.RawMessage(`{"type":"object"}`),
		Permissions: []string{"network"},
	}}

	t.Run("denied without grant", func(t *testing.T) {
		registry := NewToolRegistry()
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register() failed: %v", err)
		}
		result, err := registry.Execute(context.Background(), "fetcher", nil)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if !result.IsError {
			t.Error("result.IsError = false, want true")
		}
		if !strings.Contains(result.Content, "network") {
			t.Errorf("result.Content = %q, want mention of missing permission", result.Content)
		}
	})

	t.Run("allowed with grant", func(t *testing.T) {
		registry := NewToolRegistry()
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register() failed: %v", err)
		}
		result, err := registry.Execute(context.Background(), "fetcher", nil, "network")
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if result.IsError {
			t.Errorf("result.IsError = true, content = %q", result.Content)
		}
	})
}

func TestExecuteValidatesParams(t *testing.T) {
	registry := NewToolRegistry()
	err := registry.Register(&mockTool{def: ToolDefinition{
		Name: "strict",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"]
		}`),
	}})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	result, err := registry.Execute(context.Background(), "strict", json.RawMessage(`{"other": 1}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("result.IsError = false, want true for missing required field")
	}

	result, err = registry.Execute(context.Background(), "strict", json.RawMessage(`{"query": "hi"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Errorf("result.IsError = true for valid params, content = %q", result.Content)
	}
}

func TestExecuteToolFailureBecomesErrorResult(t *testing.T) {
	registry := NewToolRegistry()
	tool := newMockTool("flaky")
	tool.execFunc = func(ctx context.Context, params json.RawMessage) (string, error) {
		return "", errors.New("connection refused")
	}
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	result, err := registry.Execute(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil", err)
	}
	if !result.IsError {
		t.Error("result.IsError = false, want true")
	}
	if !strings.Contains(result.Content, "connection refused") {
		t.Errorf("result.Content = %q, want underlying message", result.Content)
	}
}

func TestExecuteRejectsOversizedParams(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(newMockTool("echo")); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	big := json.RawMessage(strings.Repeat("a", MaxToolParamsSize+1))
	result, err := registry.Execute(context.Background(), "echo", big)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("result.IsError = false, want true for oversized params")
	}
}

func TestSnapshotIsImmuneToLaterRegistryChanges(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(newMockTool("stable")); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	snap := registry.Snapshot()

	registry.Unregister("stable")
	if err := registry.Register(newMockTool("newcomer")); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	defs := snap.List()
	if len(defs) != 1 || defs[0].Name != "stable" {
		t.Errorf("snapshot List() = %+v, want only stable", defs)
	}

	result, err := snap.Execute(context.Background(), "stable", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Errorf("snapshot Execute(stable) failed: %q", result.Content)
	}

	result, err = snap.Execute(context.Background(), "newcomer", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("snapshot Execute(newcomer) succeeded, want tool not found")
	}
}

func TestSnapshotListFiltersUngrantedTools(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(newMockTool("open")); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	err := registry.Register(&mockTool{def: ToolDefinition{
		Name:        "gated",
		Schema:      json.RawMessage(`{"type":"object"}`),
		Permissions: []string{"network"},
	}})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	defs := registry.Snapshot().List()
	if len(defs) != 1 || defs[0].Name != "open" {
		t.Errorf("ungranted List() = %+v, want only open", defs)
	}

	defs = registry.Snapshot("network").List()
	if len(defs) != 2 {
		t.Errorf("granted List() = %+v, want both tools", defs)
	}
}

func TestUnregisterRemovesTool(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(newMockTool("temp")); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	registry.Unregister("temp")
	if _, ok := registry.Get("temp"); ok {
		t.Error("Get() found tool after Unregister")
	}
}
