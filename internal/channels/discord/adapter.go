// Package discord connects the agent to Discord. Inbound messages are mapped
// to conversation IDs and handed to the responder; replies are split to fit
// Discord's message length limit.
package discord

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/internal/observability"
)

// maxMessageLength is Discord's hard limit per message.
const maxMessageLength = 2000

// Responder produces a reply for one inbound user turn.
type Responder interface {
	Respond(ctx context.Context, req *agent.Request) (*agent.Reply, error)
}

// discordSession is the slice of discordgo.Session the adapter uses,
// extracted so tests can substitute a fake.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// Config holds configuration for the Discord adapter.
type Config struct {
	// Token is the bot token from the Discord Developer Portal. Required.
	Token string

	// AllowChannels restricts the bot to listed channel IDs. Empty means all.
	AllowChannels []string

	// RequireMention makes the bot respond only when mentioned in guild
	// channels. Direct messages are always answered.
	RequireMention bool

	// TurnTimeout bounds one full orchestration turn. Zero means 5 minutes.
	TurnTimeout time.Duration

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger

	// Metrics is optional; when set, message counters are recorded.
	Metrics *observability.Metrics
}

// Adapter bridges Discord events to the responder.
type Adapter struct {
	config    Config
	responder Responder
	session   discordSession
	logger    *slog.Logger
	metrics   *observability.Metrics

	allow map[string]bool
	botID string

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewAdapter creates a Discord adapter.
func NewAdapter(config Config, responder Responder) (*Adapter, error) {
	if config.Token == "" {
		return nil, errConfig("token is required")
	}
	if config.TurnTimeout == 0 {
		config.TurnTimeout = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	allow := make(map[string]bool, len(config.AllowChannels))
	for _, id := range config.AllowChannels {
		allow[id] = true
	}

	return &Adapter{
		config:    config,
		responder: responder,
		logger:    config.Logger.With("adapter", "discord"),
		metrics:   config.Metrics,
		allow:     allow,
	}, nil
}

// Start opens the gateway connection and begins handling messages.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errConfig("adapter already started")
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.config.Token)
		if err != nil {
			return errConnection("failed to create session", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)

	if err := a.session.Open(); err != nil {
		return errConnection("failed to connect", err)
	}

	a.started = true
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection and waits for in-flight turns.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("stop timeout, closing anyway")
	}
	return a.session.Close()
}

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botID = r.User.ID
	a.mu.Unlock()
	a.logger.Info("discord gateway ready", "user", r.User.Username)
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot {
		return
	}
	if len(a.allow) > 0 && !a.allow[m.ChannelID] {
		return
	}

	isDM := m.GuildID == ""
	content := strings.TrimSpace(m.Content)

	if !isDM && a.config.RequireMention {
		mentioned, stripped := a.stripMention(m)
		if !mentioned {
			return
		}
		content = stripped
	}
	if content == "" {
		return
	}

	if a.metrics != nil {
		a.metrics.MessageReceived("discord")
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.respond(m.ChannelID, conversationID(m), content)
	}()
}

// stripMention reports whether the bot was mentioned and returns the content
// with the mention removed.
func (a *Adapter) stripMention(m *discordgo.MessageCreate) (bool, string) {
	a.mu.Lock()
	botID := a.botID
	a.mu.Unlock()
	if botID == "" {
		return false, ""
	}

	mentioned := false
	for _, user := range m.Mentions {
		if user.ID == botID {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return false, ""
	}

	content := m.Content
	for _, ref := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		content = strings.ReplaceAll(content, ref, "")
	}
	return true, strings.TrimSpace(content)
}

func (a *Adapter) respond(channelID, convID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.TurnTimeout)
	defer cancel()

	// Typing indicator while the turn runs. Failures don't matter.
	_ = a.session.ChannelTyping(channelID)

	reply, err := a.responder.Respond(ctx, &agent.Request{
		ConversationID: convID,
		UserText:       content,
	})
	if err != nil {
		a.logger.Error("turn failed", "conversation", convID, "error", err)
		if a.metrics != nil {
			a.metrics.RecordError("channel", "turn_failed")
		}
		_, _ = a.session.ChannelMessageSend(channelID, "Sorry, something went wrong handling that message.")
		return
	}
	if reply.Suppressed || reply.Content == "" {
		// A withheld reply goes to the review channel, not the user.
		return
	}

	for _, chunk := range splitMessage(reply.Content, maxMessageLength) {
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			a.logger.Error("failed to send reply", "channel_id", channelID, "error", err)
			if a.metrics != nil {
				a.metrics.RecordError("channel", "send_failed")
			}
			return
		}
		if a.metrics != nil {
			a.metrics.MessageSent("discord")
		}
	}
}

// Announce sends content to a channel outside any conversation turn, e.g.
// screening review notifications.
func (a *Adapter) Announce(channelID, content string) error {
	for _, chunk := range splitMessage(content, maxMessageLength) {
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// conversationID maps a Discord message to a conversation key. Guild channels
// share one conversation; DMs are per-user.
func conversationID(m *discordgo.MessageCreate) string {
	if m.GuildID == "" {
		return "discord:dm:" + m.Author.ID
	}
	return "discord:" + m.ChannelID
}

// splitMessage breaks content into chunks of at most limit bytes, preferring
// newline boundaries, then spaces, and never splitting inside a rune.
func splitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}

	var chunks []string
	for len(content) > limit {
		cut := limit
		if idx := strings.LastIndex(content[:limit], "\n"); idx > limit/2 {
			cut = idx
		} else if idx := strings.LastIndex(content[:limit], " "); idx > limit/2 {
			cut = idx
		} else {
			// Back off to a rune boundary.
			for cut > 0 && !isRuneStart(content[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, strings.TrimRight(content[:cut], "\n "))
		content = strings.TrimLeft(content[cut:], "\n ")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
