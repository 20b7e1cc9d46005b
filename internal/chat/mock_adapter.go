package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. It records sent messages and
// presence updates and lets tests drive the event stream.
type MockAdapter struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	loggedOut  bool
	connectErr error
	sendErr    error
	events     chan Event
	sent       []OutboundMessage
	images     []OutboundImage
	presences  []PresenceUpdate
	botUserID  string
	platform   string
}

// PresenceUpdate is a recorded SendPresence call.
type PresenceUpdate struct {
	ChatID   string
	Presence Presence
}

// NewMockAdapter creates a MockAdapter with a buffered event channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		events:   make(chan Event, 100),
		platform: "mock",
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// FailConnect makes the next Connect calls return err.
func (m *MockAdapter) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// FailSend makes Send and SendPresence return err until cleared with nil.
func (m *MockAdapter) FailSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

// Events returns the event channel.
func (m *MockAdapter) Events() <-chan Event {
	return m.events
}

// Send records the outbound message.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

// SendImage records the outbound image.
func (m *MockAdapter) SendImage(ctx context.Context, img OutboundImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.images = append(m.images, img)
	return nil
}

// SendPresence records the presence update.
func (m *MockAdapter) SendPresence(ctx context.Context, chatID string, p Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.presences = append(m.presences, PresenceUpdate{ChatID: chatID, Presence: p})
	return nil
}

// Logout marks the adapter as logged out.
func (m *MockAdapter) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedOut = true
	return nil
}

// Close shuts down the mock adapter and closes the event channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.events)
	return nil
}

// Platform returns "mock".
func (m *MockAdapter) Platform() string { return m.platform }

// --- Test helpers ---

// emit pushes an event unless the adapter is closed.
func (m *MockAdapter) emit(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- e
}

// SimulateQR emits a pairing challenge.
func (m *MockAdapter) SimulateQR(payload string) {
	m.emit(Event{Kind: EventQR, QR: payload})
}

// SimulateConnected emits a connected event.
func (m *MockAdapter) SimulateConnected() {
	m.emit(Event{Kind: EventConnected})
}

// SimulateDisconnected emits a disconnected event.
func (m *MockAdapter) SimulateDisconnected(reason string, loggedOut bool) {
	m.emit(Event{Kind: EventDisconnected, Reason: reason, LoggedOut: loggedOut})
}

// SimulateCredsUpdate emits a credentials update.
func (m *MockAdapter) SimulateCredsUpdate() {
	m.emit(Event{Kind: EventCredsUpdate})
}

// SimulateInbound emits a message as if it came from the chat platform.
// Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Platform == "" {
		msg.Platform = m.platform
	}
	m.emit(Event{Kind: EventMessage, Message: &msg})
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Presences returns a copy of all recorded presence updates.
func (m *MockAdapter) Presences() []PresenceUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PresenceUpdate, len(m.presences))
	copy(out, m.presences)
	return out
}

// IsClosed reports whether Close was called.
func (m *MockAdapter) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// IsLoggedOut reports whether Logout was called.
func (m *MockAdapter) IsLoggedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedOut
}

// Images returns the images sent so far.
func (m *MockAdapter) Images() []OutboundImage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundImage(nil), m.images...)
}
