// Package plugins loads tool plugins from declarative JSON manifests and
// registers them with the agent tool registry. A manifest describes the tools
// a plugin provides; handlers are either built-in factories or HTTP endpoints,
// so loading a manifest never executes plugin code in-process.
package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ManifestFilename is the file a plugin directory must contain.
const ManifestFilename = "parlance.plugin.json"

// Manifest describes a plugin and the tools it provides.
type Manifest struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version,omitempty"`
	Builtin     bool           `json:"builtin,omitempty"`
	Tools       []ToolManifest `json:"tools"`
}

// ToolManifest describes a single tool entry in a manifest.
type ToolManifest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
	Permissions []string        `json:"permissions,omitempty"`
	Handler     HandlerSpec     `json:"handler"`
}

// HandlerSpec binds a manifest tool to an implementation.
type HandlerSpec struct {
	// Type is "builtin" or "http".
	Type string `json:"type"`

	// Factory names the registered builtin factory. Required for builtin.
	Factory string `json:"factory,omitempty"`

	// URL is the endpoint tool parameters are POSTed to. Required for http.
	URL string `json:"url,omitempty"`

	// TimeoutSeconds bounds each HTTP handler call. Zero means 30.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

const manifestSchema = `{
	"type": "object",
	"required": ["id", "tools"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string"},
		"description": {"type": "string"},
		"version": {"type": "string"},
		"builtin": {"type": "boolean"},
		"tools": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "handler"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"description": {"type": "string"},
					"schema": {"type": "object"},
					"permissions": {"type": "array", "items": {"type": "string"}},
					"handler": {
						"type": "object",
						"required": ["type"],
						"properties": {
							"type": {"enum": ["builtin", "http"]},
							"factory": {"type": "string"},
							"url": {"type": "string"},
							"timeout_seconds": {"type": "integer", "minimum": 1}
						}
					}
				}
			}
		}
	}
}`

var compiledManifestSchema = jsonschema.MustCompileString("plugin.manifest.json", manifestSchema)

// DecodeManifest parses and validates a manifest document.
func DecodeManifest(data []byte) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// DecodeManifestFile reads and decodes a manifest from disk.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Validate checks constraints the JSON schema cannot express.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest id is required")
	}
	seen := make(map[string]bool, len(m.Tools))
	for i := range m.Tools {
		tool := &m.Tools[i]
		if strings.TrimSpace(tool.Name) == "" {
			return fmt.Errorf("plugin %s: tool %d has no name", m.ID, i)
		}
		if seen[tool.Name] {
			return fmt.Errorf("plugin %s: duplicate tool %q", m.ID, tool.Name)
		}
		seen[tool.Name] = true

		switch tool.Handler.Type {
		case "builtin":
			if tool.Handler.Factory == "" {
				return fmt.Errorf("plugin %s: tool %q: builtin handler requires factory", m.ID, tool.Name)
			}
		case "http":
			if tool.Handler.URL == "" {
				return fmt.Errorf("plugin %s: tool %q: http handler requires url", m.ID, tool.Name)
			}
		default:
			return fmt.Errorf("plugin %s: tool %q: unknown handler type %q", m.ID, tool.Name, tool.Handler.Type)
		}
	}
	return nil
}
