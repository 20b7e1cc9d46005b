// Package bridge implements chat.Adapter against a WhatsApp bridge sidecar.
//
// The sidecar owns the WhatsApp multi-device session and its credentials.
// onco talks to it over a websocket carrying JSON-RPC 2.0: the sidecar
// pushes connection.update, messages.upsert, and creds.update
// notifications, and onco calls message.send, presence.update, and
// session.logout.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/chat"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
)

// Platform is the name reported by the adapter.
const Platform = "whatsapp"

// RPC method names.
const (
	MethodConnectionUpdate = "connection.update"
	MethodMessagesUpsert   = "messages.upsert"
	MethodCredsUpdate      = "creds.update"
	MethodMessageSend      = "message.send"
	MethodPresenceUpdate   = "presence.update"
	MethodSessionLogout    = "session.logout"
)

const (
	eventBuffer        = 64
	defaultDialTimeout = 10 * time.Second
)

// ConnectionUpdate is the payload of a connection.update notification.
type ConnectionUpdate struct {
	Connection string `json:"connection,omitempty"` // connecting, open, close
	QR         string `json:"qr,omitempty"`
	Reason     string `json:"reason,omitempty"`
	LoggedOut  bool   `json:"loggedOut,omitempty"`
	Me         string `json:"me,omitempty"`
}

// Upsert is the payload of a messages.upsert notification.
type Upsert struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chatId"`
	Sender    string     `json:"sender,omitempty"`
	PushName  string     `json:"pushName,omitempty"`
	FromMe    bool       `json:"fromMe"`
	Text      string     `json:"text,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"` // unix seconds
	Audio     *AudioPart `json:"audio,omitempty"`
}

// AudioPart is a voice note attached to an upsert. Data is base64 on the wire.
type AudioPart struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// SendParams are the params of message.send. A message carries either
// Text or an Image (base64 PNG on the wire) with an optional Caption.
type SendParams struct {
	ChatID  string `json:"chatId"`
	Text    string `json:"text,omitempty"`
	Image   []byte `json:"image,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// PresenceParams are the params of presence.update.
type PresenceParams struct {
	ChatID   string `json:"chatId"`
	Presence string `json:"presence"`
}

// Opts holds parameters for creating an Adapter.
type Opts struct {
	URL         string
	AuthToken   string // sent as a bearer token on the websocket handshake
	DialTimeout time.Duration
	Dialer      *websocket.Dialer
	Logger      *log.Logger
}

// Adapter is a single connection to the bridge sidecar.
type Adapter struct {
	opts   Opts
	dialer *websocket.Dialer
	log    *log.Logger
	events chan chat.Event

	mu      sync.Mutex
	conn    *jsonrpc2.Conn
	me      string
	closing bool

	// emitMu orders handler sends against the final close of events.
	emitMu       sync.RWMutex
	eventsClosed bool
	done         chan struct{}
	stopOnce     sync.Once
}

// New creates an Adapter. It does not dial until Connect.
func New(opts Opts) (*Adapter, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("bridge: url is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("bridge")
	}
	return &Adapter{
		opts:   opts,
		dialer: dialer,
		log:    logger,
		events: make(chan chat.Event, eventBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Connect dials the sidecar and starts consuming notifications.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return fmt.Errorf("bridge: already connected")
	}
	a.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, a.opts.DialTimeout)
	defer cancel()

	header := http.Header{}
	if a.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+a.opts.AuthToken)
	}
	ws, resp, err := a.dialer.DialContext(dialCtx, a.opts.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("bridge: dial %s: %w (status %d)", a.opts.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("bridge: dial %s: %w", a.opts.URL, err)
	}

	// Notifications are handled synchronously on the read loop so that
	// events keep the order the sidecar sent them in.
	conn := jsonrpc2.NewConn(context.Background(), wsstream.NewObjectStream(ws), jsonrpc2.HandlerWithError(a.handle))

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	go a.watch(conn)
	a.log.Info("bridge connected", "url", a.opts.URL)
	return nil
}

// watch reports the end of the socket and closes the event stream.
// DisconnectNotify can fire while the read loop is still inside a handler,
// so the close goes through closeEvents.
func (a *Adapter) watch(conn *jsonrpc2.Conn) {
	<-conn.DisconnectNotify()

	a.mu.Lock()
	closing := a.closing
	a.mu.Unlock()
	if !closing {
		a.emit(chat.Event{Kind: chat.EventDisconnected, Reason: "connection closed"})
	}
	a.closeEvents()
}

func (a *Adapter) stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

// closeEvents unblocks pending emits, waits for them to return, then
// closes the stream. Later emits are dropped.
func (a *Adapter) closeEvents() {
	a.stop()
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if !a.eventsClosed {
		a.eventsClosed = true
		close(a.events)
	}
}

func (a *Adapter) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case MethodConnectionUpdate:
		var u ConnectionUpdate
		if err := decode(req, &u); err != nil {
			return nil, err
		}
		a.connectionUpdate(u)
	case MethodMessagesUpsert:
		var u Upsert
		if err := decode(req, &u); err != nil {
			return nil, err
		}
		msg := a.toInbound(u)
		a.emit(chat.Event{Kind: chat.EventMessage, Message: &msg})
	case MethodCredsUpdate:
		a.emit(chat.Event{Kind: chat.EventCredsUpdate})
	default:
		if !req.Notif {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
		}
		a.log.Debug("ignoring notification", "method", req.Method)
	}
	return nil, nil
}

func (a *Adapter) connectionUpdate(u ConnectionUpdate) {
	if u.Me != "" {
		a.mu.Lock()
		a.me = u.Me
		a.mu.Unlock()
	}
	if u.QR != "" {
		a.emit(chat.Event{Kind: chat.EventQR, QR: u.QR})
	}
	switch u.Connection {
	case "open":
		a.emit(chat.Event{Kind: chat.EventConnected})
	case "close":
		reason := u.Reason
		if reason == "" {
			reason = "connection closed"
		}
		a.emit(chat.Event{Kind: chat.EventDisconnected, Reason: reason, LoggedOut: u.LoggedOut})
	}
}

func (a *Adapter) toInbound(u Upsert) chat.InboundMessage {
	sender := u.Sender
	if sender == "" {
		sender = u.ChatID
	}
	ts := time.Now()
	if u.Timestamp > 0 {
		ts = time.Unix(u.Timestamp, 0)
	}
	msg := chat.InboundMessage{
		Platform:  Platform,
		ChatID:    u.ChatID,
		MessageID: u.ID,
		UserID:    sender,
		UserName:  u.PushName,
		FromMe:    u.FromMe,
		Text:      u.Text,
		Timestamp: ts,
	}
	if u.Audio != nil && len(u.Audio.Data) > 0 {
		msg.Audio = &chat.Audio{MimeType: u.Audio.MimeType, Data: u.Audio.Data}
	}
	return msg
}

// emit delivers ev unless the adapter is being closed.
func (a *Adapter) emit(ev chat.Event) {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	if a.eventsClosed {
		return
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func decode(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

// Events returns the adapter's event stream.
func (a *Adapter) Events() <-chan chat.Event { return a.events }

// Platform returns "whatsapp".
func (a *Adapter) Platform() string { return Platform }

// BotUserID returns the account id reported by the sidecar once open.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.me
}

// Send calls message.send.
func (a *Adapter) Send(ctx context.Context, msg chat.OutboundMessage) error {
	return a.call(ctx, MethodMessageSend, SendParams{ChatID: msg.ChatID, Text: msg.Text})
}

// SendImage calls message.send with an image payload.
func (a *Adapter) SendImage(ctx context.Context, img chat.OutboundImage) error {
	return a.call(ctx, MethodMessageSend, SendParams{ChatID: img.ChatID, Image: img.PNG, Caption: img.Caption})
}

// SendPresence calls presence.update.
func (a *Adapter) SendPresence(ctx context.Context, chatID string, p chat.Presence) error {
	return a.call(ctx, MethodPresenceUpdate, PresenceParams{ChatID: chatID, Presence: string(p)})
}

// Logout calls session.logout. The sidecar discards its credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.call(ctx, MethodSessionLogout, struct{}{})
}

func (a *Adapter) call(ctx context.Context, method string, params any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge: %s: not connected", method)
	}
	var ack json.RawMessage
	if err := conn.Call(ctx, method, params, &ack); err != nil {
		return fmt.Errorf("bridge: %s: %w", method, err)
	}
	return nil
}

// Close closes the socket without logging out.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	conn := a.conn
	a.mu.Unlock()
	a.stop()

	if conn == nil {
		a.closeEvents()
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		return fmt.Errorf("bridge: close: %w", err)
	}
	return nil
}
