package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newBufferedLogger(config LogConfig) (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	config.Output = buf
	return NewLogger(config), buf
}

func TestLoggerRedactsSecrets(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		secret string
	}{
		{
			name:   "api key assignment",
			msg:    "loaded provider with api_key=abcdef1234567890abcdef",
			secret: "abcdef1234567890abcdef",
		},
		{
			name:   "bearer token",
			msg:    "request sent with Bearer eyJhbGciOiJIUzI1NiIsInR5cCI",
			secret: "eyJhbGciOiJIUzI1NiIsInR5cCI",
		},
		{
			name:   "password assignment",
			msg:    "db connect password=hunter2secret",
			secret: "hunter2secret",
		},
		{
			name:   "anthropic key",
			msg:    "using sk-ant-" + strings.Repeat("a", 95),
			secret: "sk-ant-" + strings.Repeat("a", 95),
		},
		{
			name:   "openai key",
			msg:    "using sk-" + strings.Repeat("b", 48),
			secret: "sk-" + strings.Repeat("b", 48),
		},
		{
			name:   "discord bot token",
			msg:    "session Mabcdefghijklmnopqrstuvwxy.abc123." + strings.Repeat("z", 27),
			secret: "Mabcdefghijklmnopqrstuvwxy.abc123." + strings.Repeat("z", 27),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferedLogger(LogConfig{})
			logger.Info(context.Background(), tt.msg)

			out := buf.String()
			if strings.Contains(out, tt.secret) {
				t.Errorf("output contains secret: %s", out)
			}
			if !strings.Contains(out, redactedPlaceholder) {
				t.Errorf("output missing redaction placeholder: %s", out)
			}
		})
	}
}

func TestLoggerRedactsAttributeValuesAndErrors(t *testing.T) {
	logger, buf := newBufferedLogger(LogConfig{})
	err := errors.New("auth failed for sk-" + strings.Repeat("c", 48))
	logger.Error(context.Background(), "provider call failed",
		"error", err,
		"key", "api_key=0123456789abcdef0123")

	out := buf.String()
	if strings.Contains(out, strings.Repeat("c", 48)) {
		t.Errorf("error value not redacted: %s", out)
	}
	if strings.Contains(out, "0123456789abcdef0123") {
		t.Errorf("string attribute not redacted: %s", out)
	}
}

func TestLoggerCustomPatterns(t *testing.T) {
	logger, buf := newBufferedLogger(LogConfig{
		RedactPatterns: []string{`conv-[0-9]+`},
	})
	logger.Info(context.Background(), "handling conv-12345")

	if strings.Contains(buf.String(), "conv-12345") {
		t.Errorf("custom pattern not applied: %s", buf.String())
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger, buf := newBufferedLogger(LogConfig{Level: "warn"})

	logger.Debug(context.Background(), "debug line")
	logger.Info(context.Background(), "info line")
	logger.Warn(context.Background(), "warn line")

	out := buf.String()
	if strings.Contains(out, "info line") || strings.Contains(out, "debug line") {
		t.Errorf("low-severity records not filtered: %s", out)
	}
	if !strings.Contains(out, "warn line") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	logger, buf := newBufferedLogger(LogConfig{Format: "json"})
	logger.Info(context.Background(), "hello", "conversation", "discord:123")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if record["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", record["msg"])
	}
	if record["conversation"] != "discord:123" {
		t.Errorf("conversation = %v, want discord:123", record["conversation"])
	}
}

func TestLoggerWith(t *testing.T) {
	logger, buf := newBufferedLogger(LogConfig{Format: "text"})
	logger.With("component", "screening").Info(context.Background(), "verdict recorded")

	if !strings.Contains(buf.String(), "component=screening") {
		t.Errorf("With attribute missing: %s", buf.String())
	}
}
