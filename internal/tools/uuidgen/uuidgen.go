// Package uuidgen implements a UUID generation tool.
package uuidgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/parlancehq/parlance/internal/agent"
)

const maxCount = 10

// Tool generates UUIDs. Stateless and safe for concurrent use.
type Tool struct{}

// New creates a UUID generation tool.
func New() *Tool {
	return &Tool{}
}

// Definition returns the tool contract advertised to models.
func (t *Tool) Definition() agent.ToolDefinition {
	return agent.ToolDefinition{
		Name:        "generate_uuid",
		Description: "Generate one or more UUIDs. Supports version 1 (time-based) and version 4 (random), in standard, hex, or URN format.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"version": {
					"type": "string",
					"enum": ["uuid1", "uuid4"],
					"description": "UUID version to generate (default: uuid4)"
				},
				"format": {
					"type": "string",
					"enum": ["standard", "hex", "urn"],
					"description": "Output format (default: standard)"
				},
				"count": {
					"type": "integer",
					"description": "Number of UUIDs to generate (default: 1, max: 10)",
					"minimum": 1,
					"maximum": 10
				}
			}
		}`),
	}
}

// Execute generates the requested UUIDs, one per line.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var args struct {
		Version string `json:"version"`
		Format  string `json:"format"`
		Count   int    `json:"count"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return "", fmt.Errorf("invalid parameters: %w", err)
		}
	}

	if args.Version == "" {
		args.Version = "uuid4"
	}
	if args.Format == "" {
		args.Format = "standard"
	}
	if args.Count <= 0 {
		args.Count = 1
	} else if args.Count > maxCount {
		args.Count = maxCount
	}

	lines := make([]string, 0, args.Count)
	for i := 0; i < args.Count; i++ {
		var id uuid.UUID
		var err error
		switch args.Version {
		case "uuid1":
			id, err = uuid.NewUUID()
		case "uuid4":
			id, err = uuid.NewRandom()
		default:
			return "", fmt.Errorf("unknown version %q", args.Version)
		}
		if err != nil {
			return "", fmt.Errorf("failed to generate uuid: %w", err)
		}

		switch args.Format {
		case "standard":
			lines = append(lines, id.String())
		case "hex":
			lines = append(lines, strings.ReplaceAll(id.String(), "-", ""))
		case "urn":
			lines = append(lines, id.URN())
		default:
			return "", fmt.Errorf("unknown format %q", args.Format)
		}
	}

	return strings.Join(lines, "\n"), nil
}
