package providers

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/parlancehq/parlance/pkg/models"
)

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name      string
		provider  string
		model     string
		usage     models.Usage
		wantCost  float64
		wantKnown bool
	}{
		{
			name:      "anthropic sonnet",
			provider:  "anthropic",
			model:     "claude-3-5-sonnet-20241022",
			usage:     models.Usage{PromptTokens: 1000, CompletionTokens: 1000},
			wantCost:  0.018,
			wantKnown: true,
		},
		{
			name:      "openai mini fractional",
			provider:  "openai",
			model:     "gpt-4o-mini",
			usage:     models.Usage{PromptTokens: 500, CompletionTokens: 200},
			wantCost:  0.000195,
			wantKnown: true,
		},
		{
			name:      "ollama is free",
			provider:  "ollama",
			model:     "llama3.2",
			usage:     models.Usage{PromptTokens: 10000, CompletionTokens: 10000},
			wantCost:  0,
			wantKnown: true,
		},
		{
			name:      "unknown model",
			provider:  "anthropic",
			model:     "claude-experimental",
			usage:     models.Usage{PromptTokens: 100, CompletionTokens: 100},
			wantCost:  0,
			wantKnown: false,
		},
		{
			name:      "unknown provider",
			provider:  "cohere",
			model:     "command-r",
			usage:     models.Usage{PromptTokens: 100, CompletionTokens: 100},
			wantCost:  0,
			wantKnown: false,
		},
		{
			name:      "zero usage",
			provider:  "openai",
			model:     "gpt-4o",
			usage:     models.Usage{},
			wantCost:  0,
			wantKnown: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, known := EstimateCost(tt.provider, tt.model, tt.usage)
			if known != tt.wantKnown {
				t.Errorf("known = %v, want %v", known, tt.wantKnown)
			}
			if math.Abs(cost-tt.wantCost) > 1e-9 {
				t.Errorf("cost = %v, want %v", cost, tt.wantCost)
			}
		})
	}
}

func TestEstimateCostLoggedWarnsOnUnknownModel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	usage := models.Usage{PromptTokens: 100, CompletionTokens: 100}
	cost := estimateCostLogged(logger, "anthropic", "claude-experimental", usage)
	if cost != 0 {
		t.Errorf("cost = %v, want 0 for an unpriced model", cost)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("log output = %q, want a warning", out)
	}
	if !strings.Contains(out, "claude-experimental") {
		t.Errorf("log output = %q, want the model named", out)
	}

	buf.Reset()
	cost = estimateCostLogged(logger, "anthropic", "claude-3-5-sonnet-20241022", usage)
	if cost == 0 {
		t.Error("cost = 0 for a priced model")
	}
	if buf.Len() != 0 {
		t.Errorf("priced model logged %q, want silence", buf.String())
	}
}
