package providers

import (
	"testing"
)

func TestNewConstructsKnownBackends(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		opts     Options
		wantName string
	}{
		{"anthropic", "anthropic", Options{APIKey: "sk-ant-test"}, "anthropic"},
		{"openai", "openai", Options{APIKey: "sk-test"}, "openai"},
		{"openrouter", "openrouter", Options{APIKey: "sk-or-test"}, "openrouter"},
		{"google", "google", Options{APIKey: "AIza-test"}, "google"},
		{"ollama no key needed", "ollama", Options{DefaultModel: "llama3.2"}, "ollama"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.provider, tt.opts)
			if err != nil {
				t.Fatalf("New(%q) error = %v", tt.provider, err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestNewRequiresAPIKeys(t *testing.T) {
	for _, provider := range []string{"anthropic", "openai", "openrouter", "google"} {
		if _, err := New(provider, Options{}); err == nil {
			t.Errorf("New(%q) succeeded without API key, want error", provider)
		}
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New("cohere", Options{APIKey: "x"}); err == nil {
		t.Error("New() succeeded for unknown provider, want error")
	}
}
