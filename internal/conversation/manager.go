// Package conversation provides the in-memory store for per-conversation
// message history with bounded growth and idle eviction.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parlancehq/parlance/pkg/models"
)

// ErrOrphanToolResult indicates a tool message whose ToolCallID does not
// match a tool call from the immediately preceding assistant message.
var ErrOrphanToolResult = errors.New("tool result does not match a pending tool call")

// Options bound the size of each conversation.
type Options struct {
	// MaxMessages caps the number of stored messages per conversation.
	// Default: 200.
	MaxMessages int

	// MaxTokens caps the estimated token footprint per conversation.
	// Default: 100000.
	MaxTokens int
}

// DefaultOptions returns the default conversation limits.
func DefaultOptions() Options {
	return Options{
		MaxMessages: 200,
		MaxTokens:   100000,
	}
}

type conversation struct {
	mu        sync.Mutex
	messages  []models.Message
	createdAt time.Time
	updatedAt time.Time
}

// Manager is an in-memory conversation store. Snapshots are deep copies, so
// callers can read history while another turn appends.
//
// Locking is striped per conversation: the map lock covers entry lookup and
// creation only, and each conversation carries its own mutex. Operations on
// one id never block operations on another.
//
/// Pruning preserves pair integrity: an assistant message carrying tool calls
// and the tool messages answering it are evicted as one unit, and leading
// system messages are never evicted.
type Manager struct {
	mu    sync.Mutex
	convs map[string]*conversation
	opts  Options
}

// NewManager creates a conversation manager. Zero option fields get defaults.
func NewManager(opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = defaults.MaxMessages
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaults.MaxTokens
	}
	return &Manager{
		convs: make(map[string]*conversation),
		opts:  opts,
	}
}

// lookup returns the conversation for id, creating it when create is set.
func (m *Manager) lookup(id string, create bool) *conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.convs[id]
	if conv == nil && create {
		now := time.Now()
		conv = &conversation{createdAt: now, updatedAt: now}
		m.convs[id] = conv
	}
	return conv
}

// Append adds messages to a conversation, creating it on first use. Tool
// messages are validated against the preceding assistant message's tool
// calls; an unmatched result returns ErrOrphanToolResult and nothing is
// appended.
func (m *Manager) Append(ctx context.Context, conversationID string, msgs ...models.Message) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	if len(msgs) == 0 {
		return nil
	}

	conv := m.lookup(conversationID, true)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	// Validate before mutating so a bad batch leaves the history untouched.
	combined := make([]models.Message, 0, len(conv.messages)+len(msgs))
	combined = append(combined, conv.messages...)
	for _, msg := range msgs {
		if msg.Role == models.RoleTool {
			if !matchesPendingCall(combined, msg.ToolCallID) {
				return fmt.Errorf("%w: %s", ErrOrphanToolResult, msg.ToolCallID)
			}
		}
		combined = append(combined, msg)
	}

	conv.messages = prune(combined, m.opts)
	conv.updatedAt = time.Now()
	return nil
}

// Snapshot returns a deep copy of the conversation history in order.
// Unknown conversations return an empty slice.
func (m *Manager) Snapshot(ctx context.Context, conversationID string) ([]models.Message, error) {
	conv := m.lookup(conversationID, false)
	if conv == nil {
		return nil, nil
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return cloneMessages(conv.messages), nil
}

// Reset clears a conversation's history but keeps the conversation entry.
func (m *Manager) Reset(conversationID string) {
	conv := m.lookup(conversationID, false)
	if conv == nil {
		return
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.messages = nil
	conv.updatedAt = time.Now()
}

// Delete removes a conversation entirely.
func (m *Manager) Delete(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, conversationID)
}

// EvictIdle removes conversations whose last activity is older than maxIdle
// and returns how many were removed.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, conv := range m.convs {
		conv.mu.Lock()
		idle := conv.updatedAt.Before(cutoff)
		conv.mu.Unlock()
		if idle {
			delete(m.convs, id)
			evicted++
		}
	}
	return evicted
}

// Stats describes one conversation's footprint.
type Stats struct {
	Messages        int
	EstimatedTokens int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Stats returns footprint information for a conversation.
func (m *Manager) Stats(conversationID string) (Stats, bool) {
	conv := m.lookup(conversationID, false)
	if conv == nil {
		return Stats{}, false
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return Stats{
		Messages:        len(conv.messages),
		EstimatedTokens: estimateTokens(conv.messages),
		CreatedAt:       conv.createdAt,
		UpdatedAt:       conv.updatedAt,
	}, true
}

// Len returns the number of tracked conversations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

// matchesPendingCall reports whether toolCallID answers a tool call from the
// nearest preceding assistant message that is not already answered.
func matchesPendingCall(history []models.Message, toolCallID string) bool {
	if toolCallID == "" {
		return false
	}

	// Walk back over any tool messages to find the owning assistant message.
	i := len(history) - 1
	answered := map[string]bool{}
	for i >= 0 && history[i].Role == models.RoleTool {
		answered[history[i].ToolCallID] = true
		i--
	}
	if i < 0 || history[i].Role != models.RoleAssistant {
		return false
	}
	for _, tc := range history[i].ToolCalls {
		if tc.ID == toolCallID && !answered[toolCallID] {
			return true
		}
	}
	return false
}

// prune trims the history to the configured limits. Leading system messages
// always survive; everything else is evicted oldest-first in units that keep
// assistant tool calls and their results together.
func prune(messages []models.Message, opts Options) []models.Message {
	if len(messages) <= opts.MaxMessages && estimateTokens(messages) <= opts.MaxTokens {
		return messages
	}

	// Split off the system prefix.
	sys := 0
	for sys < len(messages) && messages[sys].Role == models.RoleSystem {
		sys++
	}
	head := messages[:sys]
	tail := messages[sys:]
	headTokens := estimateTokens(head)

	for len(head)+len(tail) > opts.MaxMessages || headTokens+estimateTokens(tail) > opts.MaxTokens {
		if len(tail) == 0 {
			break
		}
		unit := 1
		if tail[0].Role == models.RoleAssistant && len(tail[0].ToolCalls) > 0 {
			for unit < len(tail) && tail[unit].Role == models.RoleTool {
				unit++
			}
		} else if tail[0].Role == models.RoleTool {
			// A leading tool run lost its assistant message; drop the run.
			for unit < len(tail) && tail[unit].Role == models.RoleTool {
				unit++
			}
		}
		tail = tail[unit:]
	}

	out := make([]models.Message, 0, len(head)+len(tail))
	out = append(out, head...)
	out = append(out, tail...)
	return out
}

// estimateTokens approximates token usage at four bytes per token. Cheap and
// close enough for pruning decisions.
func estimateTokens(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content) / 4
		for _, tc := range msg.ToolCalls {
			total += (len(tc.Name) + len(tc.Input)) / 4
		}
	}
	return total
}

func cloneMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if len(messages[i].ToolCalls) > 0 {
			out[i].ToolCalls = make([]models.ToolCall, len(messages[i].ToolCalls))
			copy(out[i].ToolCalls, messages[i].ToolCalls)
		}
	}
	return out
}
