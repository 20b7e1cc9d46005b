// Package discord implements chat.Adapter for Discord using the Gateway
// WebSocket. Direct messages, mentions of the bot, and messages in the
// configured channel are routed; everything else is ignored.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/chat"
	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
)

// Platform is the name reported by the adapter.
const Platform = "discord"

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial wait after a rate limit.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the rate-limit backoff.
	maxBackoff = 30 * time.Second
	// maxMessageLen is Discord's content limit per message.
	maxMessageLen = 2000
	imageFileName = "resultado.png"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements chat.Adapter for Discord.
type Adapter struct {
	sess        session
	botToken    string
	channelID   string // optional channel whose messages are all routed
	log         *log.Logger
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu        sync.Mutex
	botUserID string
	connected bool
	closed    bool
	events    chan chat.Event
	removers  []func()
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string // Discord bot token
	ChannelID string // optional channel to listen on besides DMs and mentions
	Logger    *log.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("discord")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		channelID:   opts.ChannelID,
		log:         logger,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		events:      make(chan chat.Event, 100),
	}, nil
}

// Connect opens the Gateway connection. Connected is reported once the
// Ready event arrives.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.mu.Lock()
			a.botUserID = r.User.ID
			a.mu.Unlock()
			a.log.Info("connected", "user", r.User.Username, "id", r.User.ID)
			a.emit(chat.Event{Kind: chat.EventConnected})
		}),
		// discordgo reconnects the gateway on its own; these are informational.
		a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			a.log.Warn("gateway disconnected, discordgo will auto-reconnect")
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
			a.log.Info("gateway session resumed")
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
	)

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Events returns the adapter's event stream.
func (a *Adapter) Events() <-chan chat.Event { return a.events }

// Platform returns "discord".
func (a *Adapter) Platform() string { return Platform }

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// Send delivers text to a channel. Messages longer than Discord's limit are
// split on line boundaries.
func (a *Adapter) Send(ctx context.Context, msg chat.OutboundMessage) error {
	if err := a.ready(); err != nil {
		return err
	}
	channelID := msg.ChatID
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}
	for _, part := range split(toMarkdown(msg.Text), maxMessageLen) {
		data := &discordgo.MessageSend{Content: part}
		err := a.retryOnRateLimit(ctx, func() error {
			_, sendErr := a.sess.ChannelMessageSendComplex(channelID, data)
			return sendErr
		})
		if err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// SendImage uploads a PNG attachment with the caption as message content.
func (a *Adapter) SendImage(ctx context.Context, img chat.OutboundImage) error {
	if err := a.ready(); err != nil {
		return err
	}
	channelID := img.ChatID
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}
	err := a.retryOnRateLimit(ctx, func() error {
		// Retries need a fresh reader.
		data := &discordgo.MessageSend{
			Content: toMarkdown(img.Caption),
			Files: []*discordgo.File{{
				Name:        imageFileName,
				ContentType: "image/png",
				Reader:      bytes.NewReader(img.PNG),
			}},
		}
		_, sendErr := a.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send image: %w", err)
	}
	return nil
}

// SendPresence triggers the typing indicator. Discord has no explicit
// paused state; the indicator expires on its own.
func (a *Adapter) SendPresence(ctx context.Context, chatID string, p chat.Presence) error {
	if p != chat.PresenceComposing {
		return nil
	}
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.retryOnRateLimit(ctx, func() error { return a.sess.ChannelTyping(chatID) }); err != nil {
		return fmt.Errorf("discord: typing: %w", err)
	}
	return nil
}

// Logout closes the gateway. Bot tokens cannot be unlinked from here.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.Close()
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	a.removers = nil
	close(a.events)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// emit delivers ev unless the adapter has been closed.
func (a *Adapter) emit(ev chat.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.log.Warn("event buffer full, dropping event", "kind", ev.Kind)
	}
}

// handleMessage converts a Discord message event to an inbound chat message.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()

	direct := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && botID != "" && u.ID == botID {
			mentioned = true
			break
		}
	}
	if !direct && !mentioned && (a.channelID == "" || m.ChannelID != a.channelID) {
		return
	}

	text := m.Content
	if botID != "" {
		text = strings.NewReplacer("<@"+botID+">", "", "<@!"+botID+">", "").Replace(text)
	}
	ts, _ := discordgo.SnowflakeTimestamp(m.ID)

	msg := chat.InboundMessage{
		Platform:  Platform,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		FromMe:    m.Author.ID == botID,
		Text:      strings.TrimSpace(text),
		Timestamp: ts,
	}
	a.emit(chat.Event{Kind: chat.EventMessage, Message: &msg})
}

// toMarkdown converts WhatsApp-style *bold* to Discord's **bold**.
func toMarkdown(text string) string {
	var b strings.Builder
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if strings.Count(line, "*")%2 == 0 && !strings.Contains(line, "**") {
			line = strings.ReplaceAll(line, "*", "**")
		}
		b.WriteString(line)
	}
	return b.String()
}

// split breaks text into chunks of at most max runes, preferring newlines.
func split(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}
	var parts []string
	for len(runes) > max {
		cut := max
		for i := max; i > max/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		a.log.Warn("rate limited", "attempt", attempt+1, "max", maxRetries, "retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
