// Package config defines the YAML configuration and its loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Parlance.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	LLM          LLMConfig          `yaml:"llm"`
	Conversation ConversationConfig `yaml:"conversation"`
	Screening    ScreeningConfig    `yaml:"screening"`
	Tools        ToolsConfig        `yaml:"tools"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Storage      StorageConfig      `yaml:"storage"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// AgentConfig controls the orchestration loop.
type AgentConfig struct {
	SystemPrompt    string        `yaml:"system_prompt"`
	MaxToolRounds   int           `yaml:"max_tool_rounds"`
	MaxTokens       int           `yaml:"max_tokens"`
	Temperature     float64       `yaml:"temperature"`
	ToolConcurrency int           `yaml:"tool_concurrency"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	DefaultModel    string                       `yaml:"default_model"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// ConversationConfig bounds per-conversation history.
type ConversationConfig struct {
	MaxMessages int           `yaml:"max_messages"`
	MaxTokens   int           `yaml:"max_tokens"`
	IdleTTL     time.Duration `yaml:"idle_ttl"`
	SweepEvery  time.Duration `yaml:"sweep_every"`
}

// ScreeningConfig controls the reply gate applied before delivery.
type ScreeningConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Policy     string `yaml:"policy"`
	FailClosed bool   `yaml:"fail_closed"`

	// Action forces this action for every flagged reply; empty defers to
	// the classifier. One of "block", "replace", "escalate".
	Action string `yaml:"action"`

	// Substitute is the text delivered in place of a replaced reply.
	Substitute string `yaml:"substitute"`

	// ReviewChannel receives escalated replies, e.g. a Discord channel ID.
	ReviewChannel string `yaml:"review_channel"`
}

type ToolsConfig struct {
	// Permissions grants capability tags to the registry, e.g. "network".
	Permissions []string `yaml:"permissions"`

	// PluginDirs are scanned for plugin manifests at startup.
	PluginDirs []string `yaml:"plugin_dirs"`

	// DisableBuiltins skips automatic registration of the built-in tools.
	DisableBuiltins bool `yaml:"disable_builtins"`

	WebSearch WebSearchConfig `yaml:"websearch"`
}

type WebSearchConfig struct {
	CacheTTL    int    `yaml:"cache_ttl"`
	ResultCount int    `yaml:"result_count"`
	BaseURL     string `yaml:"base_url"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `yaml:"discord"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`

	// AllowChannels restricts the bot to listed channel IDs. Empty means all.
	AllowChannels []string `yaml:"allow_channels"`

	// RequireMention makes the bot respond only when mentioned in guilds.
	RequireMention bool `yaml:"require_mention"`
}

type StorageConfig struct {
	// Path is the SQLite database file. Empty disables persistence.
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes, expanding ${VAR} environment references.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.SystemPrompt == "" {
		cfg.Agent.SystemPrompt = "You are a helpful assistant. Use the available tools when they help you answer accurately."
	}
	if cfg.Agent.MaxToolRounds == 0 {
		cfg.Agent.MaxToolRounds = 5
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.ToolConcurrency == 0 {
		cfg.Agent.ToolConcurrency = 4
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 30 * time.Second
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Conversation.MaxMessages == 0 {
		cfg.Conversation.MaxMessages = 200
	}
	if cfg.Conversation.MaxTokens == 0 {
		cfg.Conversation.MaxTokens = 100000
	}
	if cfg.Conversation.IdleTTL == 0 {
		cfg.Conversation.IdleTTL = 24 * time.Hour
	}
	if cfg.Conversation.SweepEvery == 0 {
		cfg.Conversation.SweepEvery = 10 * time.Minute
	}
	if cfg.Screening.Model == "" {
		cfg.Screening.Model = "claude-3-5-haiku-20241022"
	}
	if len(cfg.Tools.Permissions) == 0 {
		cfg.Tools.Permissions = []string{"network"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (cfg *Config) Validate() error {
	if cfg.Agent.MaxToolRounds < 1 {
		return fmt.Errorf("agent.max_tool_rounds must be at least 1")
	}
	if cfg.Agent.ToolConcurrency < 1 {
		return fmt.Errorf("agent.tool_concurrency must be at least 1")
	}
	if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok && len(cfg.LLM.Providers) > 0 {
		return fmt.Errorf("llm.default_provider %q has no entry under llm.providers", cfg.LLM.DefaultProvider)
	}
	if cfg.Screening.Enabled && cfg.Screening.Provider == "" {
		cfg.Screening.Provider = cfg.LLM.DefaultProvider
	}
	switch cfg.Screening.Action {
	case "", "block", "replace", "escalate":
	default:
		return fmt.Errorf("screening.action must be block, replace, or escalate, got %q", cfg.Screening.Action)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	return nil
}
