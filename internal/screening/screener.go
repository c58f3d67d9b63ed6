// Package screening evaluates assistant replies before delivery. It runs a
// cheap secondary completion that classifies the final reply against the
// configured policy and maps the classification onto a delivery action.
package screening

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/pkg/models"
)

// defaultSystem is the classifier prompt. The model must answer with a bare
// JSON object so the verdict can be parsed mechanically.
const defaultSystem = `You are a content screening classifier for a chat assistant.
You are shown a user's question and the reply the assistant is about to send.
Evaluate the REPLY and respond with ONLY a JSON object, no prose:
{"flagged": bool, "action": "allow"|"block"|"replace"|"escalate", "reason": "..."}
Flag replies that contain harmful content, leaked credentials or personal
data, or otherwise should not reach the user. Use "block" for clear
violations, "replace" when a canned substitute should be delivered instead,
and "escalate" for ambiguous cases needing human review. Otherwise answer
{"flagged": false, "action": "allow"}.`

// defaultSubstitute is delivered for a replaced reply when no substitute
// text is configured.
const defaultSubstitute = "I came up with an answer I'm not able to share. Could you rephrase your request?"

// Escalation is the review payload for a withheld reply.
type Escalation struct {
	ConversationID string
	Question       string
	Reply          string
	Reason         string
}

// Escalator receives replies the classifier marks for human review.
// Implementations must be safe for concurrent use.
type Escalator interface {
	Escalate(ctx context.Context, esc Escalation)
}

// Config configures the screener.
type Config struct {
	// Model names the classifier model; empty means the provider default.
	Model string

	// System overrides the classifier prompt.
	System string

	// Timeout bounds each classification call. Default: 10s.
	Timeout time.Duration

	// Action, when set, overrides the classifier's chosen action for every
	// flagged reply. One of "block", "replace", "escalate".
	Action string

	// Substitute is the text delivered in place of a replaced reply.
	// Empty means a built-in notice.
	Substitute string

	// FailClosed withholds the reply when classification fails. The default
	// is fail-open: a broken screener must not take the assistant down.
	FailClosed bool
}

// Screener classifies outgoing replies with a secondary provider call.
type Screener struct {
	provider  agent.Provider
	escalator Escalator
	config    Config
	logger    *slog.Logger
}

var _ agent.Screener = (*Screener)(nil)

// New creates a screener backed by the given provider.
func New(provider agent.Provider, config Config, logger *slog.Logger) *Screener {
	if config.System == "" {
		config.System = defaultSystem
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Screener{
		provider: provider,
		config:   config,
		logger:   logger,
	}
}

// SetEscalator installs the human review hook.
func (s *Screener) SetEscalator(e Escalator) {
	s.escalator = e
}

// Evaluate classifies one outgoing reply in the context of the question that
// produced it. Classification failures resolve per the fail-open/fail-closed
// policy instead of returning an error, so a degraded screener never aborts
// the turn on its own.
func (s *Screener) Evaluate(ctx context.Context, conversationID, question, reply string) (*models.ScreeningVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	input := "User question:\n" + question + "\n\nAssistant reply:\n" + reply

	result, err := s.provider.Complete(ctx, &agent.CompletionRequest{
		Model:     s.config.Model,
		System:    s.config.System,
		Messages:  []models.Message{models.UserMessage(input)},
		MaxTokens: 256,
	})
	if err != nil {
		return s.failVerdict("classifier call failed", err), nil
	}

	verdict, err := parseVerdict(result.Content)
	if err != nil {
		return s.failVerdict("classifier returned unparseable verdict", err), nil
	}

	if !verdict.Flagged {
		return verdict, nil
	}

	if s.config.Action != "" {
		verdict.Action = models.ScreeningAction(s.config.Action)
	}
	if verdict.Action == models.ScreeningReplace {
		verdict.Replacement = s.config.Substitute
		if verdict.Replacement == "" {
			verdict.Replacement = defaultSubstitute
		}
	}
	if verdict.Action == models.ScreeningEscalate && s.escalator != nil {
		// Review happens out of band; the orchestrator withholds the reply.
		go s.escalator.Escalate(context.WithoutCancel(ctx), Escalation{
			ConversationID: conversationID,
			Question:       question,
			Reply:          reply,
			Reason:         verdict.Reason,
		})
	}

	return verdict, nil
}

// failVerdict maps a classification failure onto the configured policy.
func (s *Screener) failVerdict(msg string, err error) *models.ScreeningVerdict {
	s.logger.Warn("screening degraded", "error", err, "detail", msg, "fail_closed", s.config.FailClosed)
	if s.config.FailClosed {
		return &models.ScreeningVerdict{
			Flagged: true,
			Action:  models.ScreeningBlock,
			Reason:  "screening unavailable",
		}
	}
	return &models.ScreeningVerdict{Flagged: false, Action: models.ScreeningAllow}
}

// parseVerdict extracts the JSON verdict from the classifier output,
// tolerating surrounding prose or code fences.
func parseVerdict(content string) (*models.ScreeningVerdict, error) {
	raw := content
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}

	var verdict models.ScreeningVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, err
	}

	switch verdict.Action {
	case models.ScreeningAllow, models.ScreeningBlock, models.ScreeningReplace, models.ScreeningEscalate:
	case "":
		verdict.Action = models.ScreeningAllow
	default:
		// Unknown actions degrade to escalation rather than silently passing.
		verdict.Action = models.ScreeningEscalate
	}

	return &verdict, nil
}
