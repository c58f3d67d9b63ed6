package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parlancehq/parlance/internal/agent"
)

// manifestTool wraps a builtin tool with the manifest's definition.
type manifestTool struct {
	definition agent.ToolDefinition
	impl       agent.Tool
}

func (t *manifestTool) Definition() agent.ToolDefinition { return t.definition }

func (t *manifestTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	return t.impl.Execute(ctx, params)
}

func (t *manifestTool) Close() error {
	if closer, ok := t.impl.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

const httpToolMaxResponse = 1 << 20 // 1 MiB

// httpTool POSTs tool parameters to an endpoint and returns the body. This is
// the out-of-process plugin path; the endpoint owns the tool's semantics.
type httpTool struct {
	definition agent.ToolDefinition
	url        string
	client     *http.Client
}

func newHTTPTool(tm *ToolManifest) *httpTool {
	timeout := time.Duration(tm.Handler.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	schema := tm.Schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return &httpTool{
		definition: agent.ToolDefinition{
			Name:        tm.Name,
			Description: tm.Description,
			Schema:      schema,
			Permissions: tm.Permissions,
		},
		url:    tm.Handler.URL,
		client: &http.Client{Timeout: timeout},
	}
}

func (t *httpTool) Definition() agent.ToolDefinition { return t.definition }

func (t *httpTool) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(params))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("handler request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpToolMaxResponse))
	if err != nil {
		return "", fmt.Errorf("failed to read handler response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("handler returned status %d: %s", resp.StatusCode, string(body))
	}
	return string(body), nil
}
