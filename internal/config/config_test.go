package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.MaxToolRounds != 5 {
		t.Errorf("MaxToolRounds = %d, want 5", cfg.Agent.MaxToolRounds)
	}
	if cfg.Agent.ToolTimeout != 30*time.Second {
		t.Errorf("ToolTimeout = %v, want 30s", cfg.Agent.ToolTimeout)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("DefaultProvider = %q, want anthropic", cfg.LLM.DefaultProvider)
	}
	if cfg.Conversation.IdleTTL != 24*time.Hour {
		t.Errorf("IdleTTL = %v, want 24h", cfg.Conversation.IdleTTL)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if len(cfg.Tools.Permissions) != 1 || cfg.Tools.Permissions[0] != "network" {
		t.Errorf("Tools.Permissions = %v, want [network]", cfg.Tools.Permissions)
	}
}

func TestParseFullDocument(t *testing.T) {
	doc := `
agent:
  system_prompt: "Be terse."
  max_tool_rounds: 3
  tool_timeout: 10s
llm:
  default_provider: openai
  providers:
    openai:
      api_key: sk-test
      default_model: gpt-4o
conversation:
  max_messages: 50
screening:
  enabled: true
  policy: "No secrets."
  fail_closed: true
  action: replace
  substitute: "Let me put that another way."
channels:
  discord:
    enabled: true
    bot_token: token-123
    require_mention: true
storage:
  path: /tmp/parlance.db
logging:
  level: debug
  format: text
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Agent.MaxToolRounds != 3 {
		t.Errorf("MaxToolRounds = %d, want 3", cfg.Agent.MaxToolRounds)
	}
	if cfg.Agent.ToolTimeout != 10*time.Second {
		t.Errorf("ToolTimeout = %v, want 10s", cfg.Agent.ToolTimeout)
	}
	if cfg.LLM.Providers["openai"].DefaultModel != "gpt-4o" {
		t.Errorf("provider model = %q, want gpt-4o", cfg.LLM.Providers["openai"].DefaultModel)
	}
	if !cfg.Screening.FailClosed {
		t.Error("Screening.FailClosed = false, want true")
	}
	// Enabled screening without an explicit provider inherits the default.
	if cfg.Screening.Provider != "openai" {
		t.Errorf("Screening.Provider = %q, want openai", cfg.Screening.Provider)
	}
	if cfg.Screening.Action != "replace" {
		t.Errorf("Screening.Action = %q, want replace", cfg.Screening.Action)
	}
	if cfg.Screening.Substitute != "Let me put that another way." {
		t.Errorf("Screening.Substitute = %q", cfg.Screening.Substitute)
	}
	if !cfg.Channels.Discord.RequireMention {
		t.Error("Discord.RequireMention = false, want true")
	}
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("PARLANCE_TEST_KEY", "sk-from-env")

	doc := `
llm:
  default_provider: anthropic
  providers:
    anthropic:
      api_key: ${PARLANCE_TEST_KEY}
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "sk-from-env" {
		t.Errorf("APIKey = %q, want sk-from-env", got)
	}
}

func TestParseValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "negative tool rounds",
			doc:     "agent:\n  max_tool_rounds: -1\n",
			wantErr: "max_tool_rounds",
		},
		{
			name:    "negative concurrency",
			doc:     "agent:\n  tool_concurrency: -2\n",
			wantErr: "tool_concurrency",
		},
		{
			name: "default provider without entry",
			doc: `
llm:
  default_provider: anthropic
  providers:
    openai:
      api_key: sk-x
`,
			wantErr: "default_provider",
		},
		{
			name:    "bad screening action",
			doc:     "screening:\n  action: redact\n",
			wantErr: "screening.action",
		},
		{
			name:    "bad logging format",
			doc:     "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "not yaml",
			doc:     "agent: [",
			wantErr: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parlance.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() succeeded for missing file, want error")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
	if cfg.Agent.SystemPrompt == "" {
		t.Error("Default() has empty system prompt")
	}
}
