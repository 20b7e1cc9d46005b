// Package chat owns the chat-channel connection: the transport adapter
// boundary, the connection supervisor, per-identity dispatch, and the
// message router that drives the assistant.
package chat

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific transports must satisfy.
// An adapter represents one connection attempt; the supervisor creates a
// fresh adapter for every reconnect.
type Adapter interface {
	// Connect starts the connection. Progress (pairing, connected,
	// disconnected) is reported through Events.
	Connect(ctx context.Context) error

	// Events returns the adapter's event stream. The channel is closed when
	// the adapter is closed or its connection ends.
	Events() <-chan Event

	// Send delivers a text message to a chat identity.
	Send(ctx context.Context, msg OutboundMessage) error

	// SendPresence updates the typing indicator for a chat identity.
	SendPresence(ctx context.Context, chatID string, p Presence) error

	// Logout unlinks the account from the platform. Stored credentials
	// become invalid.
	Logout(ctx context.Context) error

	// Close shuts down the connection without logging out.
	Close() error

	// Platform names the transport, e.g. "whatsapp", "discord", "slack".
	Platform() string
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering on
// platforms that do not flag echoes.
type BotUserIDer interface {
	BotUserID() string
}

// ImageSender is an optional interface for adapters that can deliver
// images.
type ImageSender interface {
	SendImage(ctx context.Context, img OutboundImage) error
}

// EventKind identifies the kind of adapter event.
type EventKind string

// Event kinds.
const (
	EventQR           EventKind = "qr"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
	EventCredsUpdate  EventKind = "creds_update"
)

// Event is a single notification from the transport.
type Event struct {
	Kind      EventKind
	QR        string          // EventQR: pairing payload
	Reason    string          // EventDisconnected: human-readable cause
	LoggedOut bool            // EventDisconnected: account was unlinked
	Message   *InboundMessage // EventMessage
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string    // e.g. "whatsapp", "discord"
	ChatID    string    // chat identity; replies go here
	MessageID string    // platform message id
	UserID    string    // sender id (equals ChatID in direct chats)
	UserName  string    // human-readable sender name
	FromMe    bool      // echo of a message this account sent
	Text      string    // extracted text, empty for pure media
	Audio     *Audio    // voice note, if any
	Timestamp time.Time // when the message was sent
}

// Audio is an inbound voice note.
type Audio struct {
	MimeType string
	Data     []byte
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChatID string
	Text   string // platform-native formatting (*bold*, _italic_)
}

// OutboundImage is a PNG with an optional caption.
type OutboundImage struct {
	ChatID  string
	PNG     []byte
	Caption string // platform-native formatting
}

// Presence is a typing indicator state.
type Presence string

// Presence states.
const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)
