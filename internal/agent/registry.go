package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parlancehq/parlance/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRunner executes one named tool call with pre-validated parameters.
// *Snapshot is the canonical implementation.
type ToolRunner interface {
	Execute(ctx context.Context, name string, params json.RawMessage) (*models.ToolResult, error)
}

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Callers take a Snapshot at the start of a turn; the snapshot's view
// of the tool set and of the granted permissions is fixed for the turn, so
// hot plugin loads and unloads never affect an in-flight conversation.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry by its definition name. Registration
// fails when the name is empty or too long, or the schema doesn't compile.
// A tool with the same name is replaced.
func (r *ToolRegistry) Register(tool Tool) error {
	def := tool.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if len(def.Name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	if len(def.Schema) > 0 {
		if _, err := compileSchema(def.Schema); err != nil {
			return fmt.Errorf("tool %s: invalid schema: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = tool
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Snapshot captures the current tool set together with the granted capability
// tags, e.g. "network". The snapshot is immutable; registration changes after
// the call are not visible through it.
func (r *ToolRegistry) Snapshot(granted ...string) *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make(map[string]Tool, len(r.tools))
	for name, tool := range r.tools {
		tools[name] = tool
	}
	grants := make(map[string]bool, len(granted))
	for _, p := range granted {
		grants[p] = true
	}
	return &Snapshot{tools: tools, granted: grants}
}

// List returns the definitions of all registered tools whose required
// permissions are covered by granted, sorted by name. Successive calls
// without intervening registration changes return equal slices.
func (r *ToolRegistry) List(granted ...string) []ToolDefinition {
	return r.Snapshot(granted...).List()
}

// Execute runs a tool by name with the given JSON parameters under the given
// permission grants. Equivalent to executing against a fresh Snapshot.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage, granted ...string) (*models.ToolResult, error) {
	return r.Snapshot(granted...).Execute(ctx, name, params)
}

// Snapshot is a point-in-time view of the registry scoped to one set of
// permission grants. Safe for concurrent use.
type Snapshot struct {
	tools   map[string]Tool
	granted map[string]bool
}

// List returns the definitions of the snapshot's tools whose required
// permissions are all granted, sorted by name.
func (s *Snapshot) List() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(s.tools))
	for _, t := range s.tools {
		def := t.Definition()
		if s.missingPermission(def) != "" {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool by name with the given JSON parameters. Lookup
// failures, permission refusals, and validation failures are returned as
// error-flagged results rather than errors; the conversation continues and
// the model sees what went wrong.
func (s *Snapshot) Execute(ctx context.Context, name string, params json.RawMessage) (*models.ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &models.ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}

	if len(params) > MaxToolParamsSize {
		return &models.ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	tool, ok := s.tools[name]
	if !ok {
		return &models.ToolResult{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}

	def := tool.Definition()

	if missing := s.missingPermission(def); missing != "" {
		return &models.ToolResult{
			Content: fmt.Sprintf("tool %s requires permission %q which is not granted", name, missing),
			IsError: true,
		}, nil
	}

	if err := validateParams(def, params); err != nil {
		return &models.ToolResult{
			Content: fmt.Sprintf("invalid parameters for %s: %v", name, err),
			IsError: true,
		}, nil
	}

	content, err := tool.Execute(ctx, params)
	if err != nil {
		toolErr := NewToolError(name, err)
		return &models.ToolResult{
			Content: toolErr.Error(),
			IsError: true,
		}, nil
	}
	return &models.ToolResult{Content: content}, nil
}

// missingPermission returns the first required permission not granted, or "".
func (s *Snapshot) missingPermission(def ToolDefinition) string {
	for _, p := range def.Permissions {
		if !s.granted[p] {
			return p
		}
	}
	return ""
}

// validateParams checks the params against the tool's JSON schema. Tools
// without a schema accept any object.
func validateParams(def ToolDefinition, params json.RawMessage) error {
	if len(def.Schema) == 0 {
		return nil
	}

	schema, err := compileSchema(def.Schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}

	return schema.Validate(decoded)
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
