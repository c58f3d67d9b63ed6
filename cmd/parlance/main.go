// Package main provides the CLI entry point for Parlance.
//
// Parlance is a conversation orchestration engine that connects chat
// platforms to LLM providers with tool execution.
//
// Start the server:
//
//	parlance serve --config parlance.yaml
//
// Configuration can also come from environment variables referenced in the
// config file, e.g. ${ANTHROPIC_API_KEY}.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parlance",
		Short: "Parlance - conversation orchestration for chat assistants",
		Long: `Parlance connects chat platforms to LLM providers with tool execution.

Supported providers: Anthropic (Claude), OpenAI (GPT), OpenRouter, Google (Gemini), Ollama
Built-in tools: calculate, web_search, generate_uuid`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parlance %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
