package providers

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/parlancehq/parlance/internal/agent"
)

// Options carries the provider-agnostic settings used to construct a backend.
type Options struct {
	// APIKey authenticates against the vendor API. Unused by ollama.
	APIKey string

	// BaseURL overrides the API endpoint where the backend supports it.
	BaseURL string

	// DefaultModel is used when a request doesn't name a model.
	DefaultModel string

	// Timeout bounds each HTTP request for backends with a raw client.
	Timeout time.Duration

	// Logger is optional; nil falls back to slog.Default().
	Logger *slog.Logger
}

// New constructs the named provider backend. Supported names: "anthropic",
// "openai", "openrouter", "google", "ollama".
func New(name string, opts Options) (agent.Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       opts.APIKey,
			BaseURL:      opts.BaseURL,
			DefaultModel: opts.DefaultModel,
			Logger:       opts.Logger,
		})
	case "openai":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openai: API key is required")
		}
		p := NewOpenAIProvider(opts.APIKey)
		if opts.Logger != nil {
			p.logger = opts.Logger
		}
		return p, nil
	case "openrouter":
		p, err := NewOpenRouterProvider(opts.APIKey)
		if err != nil {
			return nil, err
		}
		if opts.Logger != nil {
			p.logger = opts.Logger
		}
		return p, nil
	case "google":
		return NewGoogleProvider(GoogleConfig{
			APIKey:       opts.APIKey,
			DefaultModel: opts.DefaultModel,
			Logger:       opts.Logger,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:      opts.BaseURL,
			DefaultModel: opts.DefaultModel,
			Timeout:      opts.Timeout,
			Logger:       opts.Logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
