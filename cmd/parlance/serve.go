package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/internal/agent/providers"
	"github.com/parlancehq/parlance/internal/channels/discord"
	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/conversation"
	"github.com/parlancehq/parlance/internal/observability"
	"github.com/parlancehq/parlance/internal/plugins"
	"github.com/parlancehq/parlance/internal/screening"
	"github.com/parlancehq/parlance/internal/storage"
	"github.com/parlancehq/parlance/internal/tools/websearch"
	"github.com/parlancehq/parlance/pkg/models"
)

// buildServeCmd creates the "serve" command that starts the agent.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "parlance.yaml", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slogger := logger.Slog()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	// Primary provider.
	provider, err := buildProvider(cfg, cfg.LLM.DefaultProvider, slogger)
	if err != nil {
		return err
	}

	// Tool registry with built-ins and manifest plugins.
	registry := agent.NewToolRegistry()
	searchConfig := websearch.Config{
		CacheTTL:           cfg.Tools.WebSearch.CacheTTL,
		DefaultResultCount: cfg.Tools.WebSearch.ResultCount,
		BaseURL:            cfg.Tools.WebSearch.BaseURL,
	}
	if !cfg.Tools.DisableBuiltins {
		if err := plugins.LoadBuiltins(registry, searchConfig); err != nil {
			return fmt.Errorf("register builtin tools: %w", err)
		}
	}
	loader := plugins.NewLoader(registry, slogger)
	plugins.RegisterBuiltinFactories(loader, searchConfig)
	for _, dir := range cfg.Tools.PluginDirs {
		n, err := loader.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("load plugins from %s: %w", dir, err)
		}
		if n > 0 {
			slogger.Info("plugins loaded", "dir", dir, "count", n)
		}
	}

	// Conversation store.
	manager := conversation.NewManager(conversation.Options{
		MaxMessages: cfg.Conversation.MaxMessages,
		MaxTokens:   cfg.Conversation.MaxTokens,
	})

	// Orchestrator.
	orch := agent.NewOrchestrator(provider, registry, manager, agent.OrchestratorConfig{
		Model:         cfg.LLM.DefaultModel,
		System:        cfg.Agent.SystemPrompt,
		MaxToolRounds: cfg.Agent.MaxToolRounds,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
		Permissions:   cfg.Tools.Permissions,
		ExecutorConfig: agent.ToolExecConfig{
			Concurrency:    cfg.Agent.ToolConcurrency,
			PerToolTimeout: cfg.Agent.ToolTimeout,
		},
	}, slogger)

	// Usage accounting: SQLite audit log plus Prometheus, both optional.
	sink := &usageSink{metrics: metrics}
	if cfg.Storage.Path != "" {
		store, err := storage.Open(cfg.Storage.Path, slogger)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()
		sink.store = store
	}
	orch.SetUsageSink(sink)

	// Screening.
	var escalator *reviewEscalator
	if cfg.Screening.Enabled {
		screenProvider, err := buildProvider(cfg, cfg.Screening.Provider, slogger)
		if err != nil {
			return fmt.Errorf("screening provider: %w", err)
		}
		screener := screening.New(screenProvider, screening.Config{
			Model:      cfg.Screening.Model,
			System:     cfg.Screening.Policy,
			Action:     cfg.Screening.Action,
			Substitute: cfg.Screening.Substitute,
			FailClosed: cfg.Screening.FailClosed,
		}, slogger)
		if cfg.Screening.ReviewChannel != "" {
			escalator = &reviewEscalator{channelID: cfg.Screening.ReviewChannel, logger: logger}
			screener.SetEscalator(escalator)
		}
		orch.SetScreener(screener)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Idle conversation sweep.
	go func() {
		ticker := time.NewTicker(cfg.Conversation.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := manager.EvictIdle(cfg.Conversation.IdleTTL); n > 0 {
					slogger.Info("evicted idle conversations", "count", n)
				}
				if metrics != nil {
					metrics.ActiveConversations.Set(float64(manager.Len()))
				}
			}
		}
	}()

	// Metrics endpoint.
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slogger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Discord channel.
	var adapter *discord.Adapter
	if cfg.Channels.Discord.Enabled {
		adapter, err = discord.NewAdapter(discord.Config{
			Token:          cfg.Channels.Discord.BotToken,
			AllowChannels:  cfg.Channels.Discord.AllowChannels,
			RequireMention: cfg.Channels.Discord.RequireMention,
			Logger:         slogger,
			Metrics:        metrics,
		}, orch)
		if err != nil {
			return fmt.Errorf("discord adapter: %w", err)
		}
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("start discord adapter: %w", err)
		}
		if escalator != nil {
			escalator.announcer = adapter
		}
	}

	slogger.Info("parlance started",
		"provider", provider.Name(),
		"tools", len(registry.List(cfg.Tools.Permissions...)),
		"screening", cfg.Screening.Enabled,
		"discord", cfg.Channels.Discord.Enabled)

	<-ctx.Done()
	slogger.Info("shutting down")

	if adapter != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := adapter.Stop(stopCtx); err != nil {
			slogger.Warn("discord adapter stop failed", "error", err)
		}
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildProvider(cfg *config.Config, name string, logger *slog.Logger) (agent.Provider, error) {
	pc := cfg.LLM.Providers[name]
	return providers.New(name, providers.Options{
		APIKey:       pc.APIKey,
		BaseURL:      pc.BaseURL,
		DefaultModel: pc.DefaultModel,
		Logger:       logger,
	})
}

// usageSink fans accounting records out to storage and metrics.
type usageSink struct {
	store   *storage.Store
	metrics *observability.Metrics
}

func (s *usageSink) RecordCompletion(ctx context.Context, conversationID, provider, model string, usage models.Usage, cost float64) {
	if s.store != nil {
		s.store.RecordCompletion(ctx, conversationID, provider, model, usage, cost)
	}
	if s.metrics != nil {
		s.metrics.LLMRequestCounter.WithLabelValues(provider, model, "success").Inc()
		s.metrics.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(usage.PromptTokens))
		s.metrics.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(usage.CompletionTokens))
	}
}

func (s *usageSink) RecordToolCall(ctx context.Context, conversationID, toolName string, duration time.Duration, isError bool) {
	if s.store != nil {
		s.store.RecordToolCall(ctx, conversationID, toolName, duration, isError)
	}
	if s.metrics != nil {
		status := "success"
		if isError {
			status = "error"
		}
		s.metrics.RecordToolExecution(toolName, status, duration.Seconds())
	}
}

// reviewEscalator forwards withheld replies to a review channel.
type reviewEscalator struct {
	announcer interface {
		Announce(channelID, content string) error
	}
	channelID string
	logger    *observability.Logger
}

func (e *reviewEscalator) Escalate(ctx context.Context, esc screening.Escalation) {
	e.logger.Warn(ctx, "reply escalated for review",
		"conversation", esc.ConversationID, "reason", esc.Reason)
	if e.announcer == nil {
		return
	}
	notice := fmt.Sprintf("Reply withheld in %s (%s)\nQuestion:\n%s\n\nFlagged reply:\n%s",
		esc.ConversationID, esc.Reason, esc.Question, esc.Reply)
	if err := e.announcer.Announce(e.channelID, notice); err != nil {
		e.logger.Error(ctx, "failed to post review notice", "error", err)
	}
}
