package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parlancehq/parlance/internal/conversation"
	"github.com/parlancehq/parlance/pkg/models"
)

// OrchestratorConfig configures the conversation loop.
type OrchestratorConfig struct {
	// Model names the provider model; empty means the provider default.
	Model string

	// System is the system prompt prepended to every completion.
	System string

	// MaxToolRounds limits model/tool round trips per user turn.
	// Default: 5.
	MaxToolRounds int

	// MaxTokens caps each model response. Default: 4096.
	MaxTokens int

	// Temperature is the sampling temperature; zero means provider default.
	Temperature float64

	// Permissions are the capability tags granted to tool executions when a
	// request doesn't carry its own, e.g. "network".
	Permissions []string

	// ExecutorConfig configures the parallel tool executor.
	ExecutorConfig ToolExecConfig
}

// DefaultOrchestratorConfig returns the default loop configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxToolRounds:  5,
		MaxTokens:      4096,
		ExecutorConfig: DefaultToolExecConfig(),
	}
}

// ConversationStore persists conversation history across turns.
// Implementations must keep assistant tool calls and their tool results
// adjacent and in order.
type ConversationStore interface {
	// Append adds messages to the conversation, creating it if needed.
	Append(ctx context.Context, conversationID string, msgs ...models.Message) error

	// Snapshot returns a copy of the conversation history in order.
	Snapshot(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Screener evaluates the final reply of a turn before it is delivered.
type Screener interface {
	Evaluate(ctx context.Context, conversationID, question, reply string) (*models.ScreeningVerdict, error)
}

// UsageSink receives per-turn accounting records. Implementations must not
// block; failures are logged and never fail the turn.
type UsageSink interface {
	RecordCompletion(ctx context.Context, conversationID, provider, model string, usage models.Usage, cost float64)
	RecordToolCall(ctx context.Context, conversationID, toolName string, duration time.Duration, isError bool)
}

// Request is one inbound user turn.
type Request struct {
	// ConversationID selects the conversation the turn belongs to.
	ConversationID string

	// UserText is the user's message.
	UserText string

	// Granted lists the capability tags available to tool executions for
	// this turn. Nil falls back to the orchestrator's configured set.
	Granted []string
}

// Reply is the outcome of one user turn.
type Reply struct {
	// Content is the text to deliver to the user. Empty when Suppressed.
	Content string

	// Rounds is the number of model calls made for this turn.
	Rounds int

	// Usage is the summed token consumption across all rounds.
	Usage models.Usage

	// EstimatedCost is the summed advisory cost in USD.
	EstimatedCost float64

	// Degraded is set when the round cap was reached and the reply was
	// assembled from tool results instead of a final model response.
	Degraded bool

	// Screened is set when the screening layer altered or withheld the reply.
	Screened bool

	// Suppressed is set when screening escalated the reply to human review;
	// nothing should be delivered to the user.
	Suppressed bool
}

// BlockedReplyContent is delivered when screening blocks the reply outright.
const BlockedReplyContent = "I can't help with that request."

// Orchestrator drives the conversation loop for one provider: call the model,
// execute requested tools, feed results back, repeat until the model produces
// a final reply or the round cap is reached, then screen the reply before it
// is delivered.
//
// Turns for the same conversation are serialized; turns for different
// conversations run concurrently.
type Orchestrator struct {
	provider Provider
	registry *ToolRegistry
	executor *ToolExecutor
	store    ConversationStore
	screener Screener
	usage    UsageSink
	config   OrchestratorConfig
	logger   *slog.Logger

	convLocksMu sync.Mutex
	convLocks   map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewOrchestrator creates an orchestrator. The provider and store are
// required; screener and usage sink are optional.
func NewOrchestrator(provider Provider, registry *ToolRegistry, store ConversationStore, config OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if registry == nil {
		registry = NewToolRegistry()
	}
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = 5
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		provider:  provider,
		registry:  registry,
		executor:  NewToolExecutor(config.ExecutorConfig, logger),
		store:     store,
		config:    config,
		logger:    logger,
		convLocks: make(map[string]*convLock),
	}
}

// SetScreener installs the reply screening layer.
func (o *Orchestrator) SetScreener(s Screener) {
	o.screener = s
}

// SetUsageSink installs the accounting sink.
func (o *Orchestrator) SetUsageSink(s UsageSink) {
	o.usage = s
}

// Registry returns the orchestrator's tool registry.
func (o *Orchestrator) Registry() *ToolRegistry {
	return o.registry
}

// Respond processes one user turn and returns the assistant's reply.
//
// Concurrent calls for the same conversation are serialized so the stored
// history never interleaves turns. The tool set and permission grants are
// snapshotted when the turn starts; plugin loads and unloads during the turn
// don't affect it.
func (o *Orchestrator) Respond(ctx context.Context, req *Request) (*Reply, error) {
	if o.provider == nil {
		return nil, ErrNoProvider
	}
	if o.store == nil {
		return nil, errors.New("no conversation store configured")
	}

	unlock := o.lockConversation(req.ConversationID)
	defer unlock()

	granted := req.Granted
	if granted == nil {
		granted = o.config.Permissions
	}
	tools := o.registry.Snapshot(granted...)
	toolDefs := tools.List()

	reply := &Reply{}

	if err := o.appendHistory(ctx, req.ConversationID, models.UserMessage(req.UserText)); err != nil {
		return nil, &OrchestrationError{Phase: PhaseComplete, Cause: err}
	}

	var lastResults []ToolExecResult

	for round := 1; round <= o.config.MaxToolRounds; round++ {
		select {
		case <-ctx.Done():
			return nil, &OrchestrationError{Phase: PhaseComplete, Round: round, Cause: ctx.Err()}
		default:
		}

		snapshot, err := o.store.Snapshot(ctx, req.ConversationID)
		if err != nil {
			return nil, &OrchestrationError{Phase: PhaseComplete, Round: round, Cause: err}
		}

		creq := &CompletionRequest{
			Model:       o.config.Model,
			System:      o.config.System,
			Messages:    snapshot,
			MaxTokens:   o.config.MaxTokens,
			Temperature: o.config.Temperature,
		}
		if o.provider.SupportsTools() {
			creq.Tools = toolDefs
		}

		result, err := o.provider.Complete(ctx, creq)
		if err != nil {
			return nil, &OrchestrationError{Phase: PhaseComplete, Round: round, Cause: err}
		}

		reply.Rounds = round
		reply.Usage.PromptTokens += result.Usage.PromptTokens
		reply.Usage.CompletionTokens += result.Usage.CompletionTokens
		reply.EstimatedCost += result.EstimatedCost

		if o.usage != nil {
			o.usage.RecordCompletion(ctx, req.ConversationID, o.provider.Name(), o.config.Model, result.Usage, result.EstimatedCost)
		}

		assistant := models.AssistantMessage(result.Content, result.ToolCalls)
		if err := o.appendHistory(ctx, req.ConversationID, assistant); err != nil {
			return nil, &OrchestrationError{Phase: PhaseComplete, Round: round, Cause: err}
		}

		// Final reply: no tools requested.
		if len(result.ToolCalls) == 0 {
			reply.Content = o.finalContent(result.Content, lastResults)
			if err := o.screenReply(ctx, req, reply); err != nil {
				return nil, err
			}
			return reply, nil
		}

		// Tool round: execute everything the model asked for, then append
		// one tool message per call in request order.
		results := o.executor.ExecuteConcurrently(ctx, tools, result.ToolCalls)
		lastResults = results

		toolMsgs := make([]models.Message, len(results))
		for i, r := range results {
			if r.Result.IsError {
				toolMsgs[i] = models.ToolErrorMessage(r.ToolCall.ID, r.Result.Content)
			} else {
				toolMsgs[i] = models.ToolMessage(r.ToolCall.ID, r.Result.Content)
			}
			if o.usage != nil {
				o.usage.RecordToolCall(ctx, req.ConversationID, r.ToolCall.Name, r.EndTime.Sub(r.StartTime), r.Result.IsError)
			}
		}
		if err := o.appendHistory(ctx, req.ConversationID, toolMsgs...); err != nil {
			return nil, &OrchestrationError{Phase: PhaseExecuteTools, Round: round, Cause: err}
		}
	}

	// Round cap reached: the model kept requesting tools. Assemble a
	// degraded reply from the last round's tool results so the user still
	// gets an answer.
	o.logger.Warn("tool round cap reached, returning degraded reply",
		"conversation_id", req.ConversationID,
		"rounds", o.config.MaxToolRounds,
	)
	reply.Degraded = true
	reply.Content = summarizeToolResults(lastResults)
	if reply.Content == "" {
		reply.Content = fmt.Sprintf("I wasn't able to finish after %d tool rounds.", o.config.MaxToolRounds)
	}
	if err := o.appendHistory(ctx, req.ConversationID, models.AssistantMessage(reply.Content, nil)); err != nil {
		return nil, &OrchestrationError{Phase: PhaseFinalize, Round: o.config.MaxToolRounds, Cause: err}
	}
	if err := o.screenReply(ctx, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// screenReply classifies the outgoing reply and applies the verdict to what
// the user sees. Runs once per turn, on the final reply only; the stored
// history keeps the original assistant message.
func (o *Orchestrator) screenReply(ctx context.Context, req *Request, reply *Reply) error {
	if o.screener == nil || reply.Content == "" {
		return nil
	}

	verdict, err := o.screener.Evaluate(ctx, req.ConversationID, req.UserText, reply.Content)
	if err != nil {
		return &OrchestrationError{Phase: PhaseScreen, Cause: err}
	}
	if verdict == nil || !verdict.Flagged {
		return nil
	}

	reply.Screened = true
	switch verdict.Action {
	case models.ScreeningBlock:
		o.logger.Info("reply blocked by screening",
			"conversation_id", req.ConversationID,
			"reason", verdict.Reason,
		)
		reply.Content = BlockedReplyContent
	case models.ScreeningReplace:
		reply.Content = verdict.Replacement
	case models.ScreeningEscalate:
		o.logger.Info("reply withheld pending review",
			"conversation_id", req.ConversationID,
			"reason", verdict.Reason,
		)
		reply.Content = ""
		reply.Suppressed = true
	default:
		reply.Screened = false
	}
	return nil
}

// appendHistory appends to the store. A corrupt history (orphan tool result)
// gets reset so the next turn starts clean; the error still fails this turn.
func (o *Orchestrator) appendHistory(ctx context.Context, conversationID string, msgs ...models.Message) error {
	err := o.store.Append(ctx, conversationID, msgs...)
	if err != nil && errors.Is(err, conversation.ErrOrphanToolResult) {
		o.logger.Warn("conversation history corrupt, resetting",
			"conversation_id", conversationID,
			"error", err,
		)
		if r, ok := o.store.(interface{ Reset(conversationID string) }); ok {
			r.Reset(conversationID)
		}
	}
	return err
}

// finalContent returns the model's text, falling back to a tool result
// summary when the model produced an empty final message after tool use.
func (o *Orchestrator) finalContent(content string, lastResults []ToolExecResult) string {
	if strings.TrimSpace(content) != "" {
		return content
	}
	if summary := summarizeToolResults(lastResults); summary != "" {
		return summary
	}
	return content
}

// summarizeToolResults renders tool outcomes as "name: result" lines.
func summarizeToolResults(results []ToolExecResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(r.ToolCall.Name)
		b.WriteString(": ")
		b.WriteString(r.Result.Content)
	}
	return b.String()
}

// lockConversation serializes turns per conversation. The lock entry is
// removed once the last holder releases it.
func (o *Orchestrator) lockConversation(conversationID string) func() {
	if strings.TrimSpace(conversationID) == "" {
		return func() {}
	}

	o.convLocksMu.Lock()
	lock := o.convLocks[conversationID]
	if lock == nil {
		lock = &convLock{}
		o.convLocks[conversationID] = lock
	}
	lock.refs++
	o.convLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		o.convLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(o.convLocks, conversationID)
		}
		o.convLocksMu.Unlock()
	}
}
