// Package storage persists usage accounting and per-server settings in
// SQLite. The agent pipeline itself is memory-only; this is the audit and
// configuration sidecar.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/parlancehq/parlance/pkg/models"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store is a SQLite-backed usage sink and settings store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at path and migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode for concurrent readers alongside the writer.
	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS usage_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		estimated_cost REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_stats(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_stats(created_at);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		is_error INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id);

	CREATE TABLE IF NOT EXISTS server_settings (
		server_id TEXT PRIMARY KEY,
		system_prompt TEXT,
		model TEXT,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordCompletion logs one provider call. Failures are logged, not returned;
// accounting must never fail a turn.
func (s *Store) RecordCompletion(ctx context.Context, conversationID, provider, model string, usage models.Usage, cost float64) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_stats
			(conversation_id, provider, model, prompt_tokens, completion_tokens, estimated_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID, provider, model,
		usage.PromptTokens, usage.CompletionTokens, cost,
		time.Now().Unix(),
	)
	if err != nil {
		s.logger.Warn("failed to record completion", "conversation", conversationID, "error", err)
	}
}

// RecordToolCall logs one tool invocation.
func (s *Store) RecordToolCall(ctx context.Context, conversationID, toolName string, duration time.Duration, isError bool) {
	errFlag := 0
	if isError {
		errFlag = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (conversation_id, tool_name, duration_ms, is_error, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID, toolName, duration.Milliseconds(), errFlag, time.Now().Unix(),
	)
	if err != nil {
		s.logger.Warn("failed to record tool call", "tool", toolName, "error", err)
	}
}

// UsageSummary aggregates usage rows for one conversation.
type UsageSummary struct {
	Completions      int
	PromptTokens     int
	CompletionTokens int
	EstimatedCost    float64
}

// ConversationUsage returns the usage totals for a conversation.
func (s *Store) ConversationUsage(ctx context.Context, conversationID string) (*UsageSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(estimated_cost), 0)
		FROM usage_stats WHERE conversation_id = ?`, conversationID)

	var summary UsageSummary
	if err := row.Scan(&summary.Completions, &summary.PromptTokens,
		&summary.CompletionTokens, &summary.EstimatedCost); err != nil {
		return nil, fmt.Errorf("scan usage summary: %w", err)
	}
	return &summary, nil
}

// ServerSettings holds per-server overrides for the agent defaults.
type ServerSettings struct {
	ServerID     string
	SystemPrompt string
	Model        string
	UpdatedAt    time.Time
}

// GetServerSettings returns the settings for a server, or nil when none exist.
func (s *Store) GetServerSettings(ctx context.Context, serverID string) (*ServerSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, COALESCE(system_prompt, ''), COALESCE(model, ''), updated_at
		FROM server_settings WHERE server_id = ?`, serverID)

	var settings ServerSettings
	var updatedAt int64
	err := row.Scan(&settings.ServerID, &settings.SystemPrompt, &settings.Model, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan server settings: %w", err)
	}
	settings.UpdatedAt = time.Unix(updatedAt, 0)
	return &settings, nil
}

// PutServerSettings inserts or replaces the settings for a server.
func (s *Store) PutServerSettings(ctx context.Context, settings *ServerSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_settings (server_id, system_prompt, model, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			system_prompt = excluded.system_prompt,
			model = excluded.model,
			updated_at = excluded.updated_at`,
		settings.ServerID, settings.SystemPrompt, settings.Model, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("put server settings: %w", err)
	}
	return nil
}
