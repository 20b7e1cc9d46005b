// Package slack implements chat.Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/chat"
	"github.com/charmbracelet/log"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// Platform is the name reported by the adapter.
const Platform = "slack"

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realSocketClient) EventsChan() chan socketmode.Event    { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements chat.Adapter for Slack Socket Mode. Direct messages,
// app mentions, and messages in the configured channel are routed.
type Adapter struct {
	client    slackClient
	socket    socketClient
	appToken  string
	botToken  string
	channelID string
	log       *log.Logger

	mu        sync.Mutex
	botUserID string
	connected bool
	closed    bool
	events    chan chat.Event
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	names     map[string]string
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... Slack app-level token for Socket Mode
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // optional channel to listen on besides DMs and mentions
	Logger    *log.Logger
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("slack")
	}
	return &Adapter{
		client:    opts.Client,
		socket:    opts.Socket,
		appToken:  opts.AppToken,
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
		log:       logger,
		events:    make(chan chat.Event, 100),
		names:     make(map[string]string),
	}, nil
}

// Connect authenticates and starts the Socket Mode connection in the
// background. Connected is reported when Slack acknowledges the socket.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.connected = true

	a.wg.Add(2)
	go a.run(runCtx)
	go a.pumpEvents(runCtx)
	return nil
}

// run drives the socket until it fails or the adapter is closed. A failure
// ends this adapter; the supervisor reconnects with a fresh one.
func (a *Adapter) run(ctx context.Context) {
	defer a.wg.Done()
	err := a.socket.RunContext(ctx)
	if ctx.Err() != nil {
		return
	}
	reason := "connection closed"
	if err != nil {
		reason = err.Error()
	}
	a.emit(chat.Event{Kind: chat.EventDisconnected, Reason: reason})
}

// pumpEvents reads Socket Mode events and converts them to chat events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	defer a.wg.Done()
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		a.log.Info("connecting to socket mode")

	case socketmode.EventTypeConnected:
		a.log.Info("connected to socket mode")
		a.emit(chat.Event{Kind: chat.EventConnected})

	case socketmode.EventTypeConnectionError:
		a.log.Warn("connection error", "err", evt.Data)

	case socketmode.EventTypeDisconnect:
		a.log.Warn("server requested disconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Filter bot messages and message subtypes (edits, deletes, etc.).
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		if ev.ChannelType != "im" && (a.channelID == "" || ev.Channel != a.channelID) {
			return
		}
		a.deliver(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.ClientMsgID)
	case *slackevents.AppMentionEvent:
		a.deliver(ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.TimeStamp)
	}
}

func (a *Adapter) deliver(channel, user, text, ts, id string) {
	botID := a.BotUserID()
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
	}
	msg := chat.InboundMessage{
		Platform:  Platform,
		ChatID:    channel,
		MessageID: id,
		UserID:    user,
		UserName:  a.resolveUserName(user),
		FromMe:    botID != "" && user == botID,
		Text:      strings.TrimSpace(text),
		Timestamp: parseSlackTimestamp(ts),
	}
	a.emit(chat.Event{Kind: chat.EventMessage, Message: &msg})
}

// resolveUserName looks up a user's display name, cached per adapter.
// Falls back to the user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	a.mu.Lock()
	name, ok := a.names[userID]
	a.mu.Unlock()
	if ok {
		return name
	}
	name = userID
	if user, err := a.client.GetUserInfo(userID); err == nil {
		name = user.RealName
		if user.Profile.DisplayName != "" {
			name = user.Profile.DisplayName
		}
	}
	a.mu.Lock()
	a.names[userID] = name
	a.mu.Unlock()
	return name
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

// Events returns the adapter's event stream.
func (a *Adapter) Events() <-chan chat.Event { return a.events }

// Platform returns "slack".
func (a *Adapter) Platform() string { return Platform }

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// Send posts text to a channel. Slack mrkdwn shares *bold* and _italic_
// with WhatsApp, so text is sent as is.
func (a *Adapter) Send(ctx context.Context, msg chat.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("slack: not connected")
	}
	channelID := msg.ChatID
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessageContext(ctx, channelID, slackapi.MsgOptionText(msg.Text, false))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// SendPresence is a no-op: bots cannot show a typing indicator over the
// Web API.
func (a *Adapter) SendPresence(context.Context, string, chat.Presence) error { return nil }

// Logout closes the socket. Bot installations are not revoked from here.
func (a *Adapter) Logout(context.Context) error { return a.Close() }

// Close stops the socket and closes the event stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	close(a.events)
	return nil
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
