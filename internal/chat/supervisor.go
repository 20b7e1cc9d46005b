package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Defaults for a Supervisor.
const (
	DefaultReconnectBackoff = 3 * time.Second
	defaultShutdownTimeout  = 5 * time.Second
)

var (
	// ErrReconnectExhausted is returned by Run when the connection could
	// not be re-established within the configured number of attempts.
	ErrReconnectExhausted = errors.New("chat: reconnect attempts exhausted")

	// ErrNotConnected is returned by Send while no connection is live.
	ErrNotConnected = errors.New("chat: not connected")

	// ErrImagesUnsupported is returned by SendImage when the live transport
	// cannot carry images.
	ErrImagesUnsupported = errors.New("chat: transport cannot send images")
)

// State is the connection state.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StatePairing      State = "pairing"
	StateConnected    State = "connected"
)

// Snapshot is an immutable view of the connection state.
type Snapshot struct {
	State     State
	QR        string // pairing payload while State is pairing
	Platform  string
	Since     time.Time
	LastError string
	Attempts  int
	LoggedOut bool
}

// SupervisorOpts holds parameters for creating a Supervisor.
type SupervisorOpts struct {
	// NewAdapter creates a fresh transport for every connection attempt.
	NewAdapter func() (Adapter, error)
	// OnMessage receives every inbound message not sent by this account.
	OnMessage func(ctx context.Context, msg InboundMessage)

	Backoff          time.Duration // defaults to DefaultReconnectBackoff
	MaxAttempts      int           // consecutive failures before giving up; <= 0 is unlimited
	LogoutOnShutdown bool
	Logger           *log.Logger
	QROut            io.Writer // optional terminal rendering of pairing codes
	Now              func() time.Time
}

// Supervisor owns the chat connection. It drives the adapter through
// disconnected, pairing, and connected, reconnects after transport loss,
// and stays down after an explicit logout.
type Supervisor struct {
	newAdapter       func() (Adapter, error)
	onMessage        func(ctx context.Context, msg InboundMessage)
	backoff          time.Duration
	maxAttempts      int
	logoutOnShutdown bool
	log              *log.Logger
	qrOut            io.Writer
	now              func() time.Time

	mu      sync.RWMutex
	adapter Adapter
	botID   string
	snap    Snapshot
}

// NewSupervisor creates a Supervisor in the disconnected state.
func NewSupervisor(opts SupervisorOpts) (*Supervisor, error) {
	if opts.NewAdapter == nil {
		return nil, fmt.Errorf("chat: supervisor: adapter factory is required")
	}
	if opts.OnMessage == nil {
		return nil, fmt.Errorf("chat: supervisor: message handler is required")
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultReconnectBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("chat")
	}
	return &Supervisor{
		newAdapter:       opts.NewAdapter,
		onMessage:        opts.OnMessage,
		backoff:          opts.Backoff,
		maxAttempts:      opts.MaxAttempts,
		logoutOnShutdown: opts.LogoutOnShutdown,
		log:              logger,
		qrOut:            opts.QROut,
		now:              opts.Now,
		snap:             Snapshot{State: StateDisconnected, Since: opts.Now()},
	}, nil
}

// Status returns the current connection snapshot.
func (s *Supervisor) Status() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Send delivers text to chatID over the live connection.
func (s *Supervisor) Send(ctx context.Context, chatID, text string) error {
	ad, err := s.live()
	if err != nil {
		return err
	}
	if err := ad.Send(ctx, OutboundMessage{ChatID: chatID, Text: text}); err != nil {
		return fmt.Errorf("chat: send: %w", err)
	}
	return nil
}

// SendImage delivers a PNG to chatID over the live connection.
func (s *Supervisor) SendImage(ctx context.Context, chatID string, png []byte, caption string) error {
	ad, err := s.live()
	if err != nil {
		return err
	}
	is, ok := ad.(ImageSender)
	if !ok {
		return ErrImagesUnsupported
	}
	if err := is.SendImage(ctx, OutboundImage{ChatID: chatID, PNG: png, Caption: caption}); err != nil {
		return fmt.Errorf("chat: send image: %w", err)
	}
	return nil
}

// SendPresence updates the typing indicator for chatID.
func (s *Supervisor) SendPresence(ctx context.Context, chatID string, p Presence) error {
	ad, err := s.live()
	if err != nil {
		return err
	}
	if err := ad.SendPresence(ctx, chatID, p); err != nil {
		return fmt.Errorf("chat: presence: %w", err)
	}
	return nil
}

func (s *Supervisor) live() (Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.adapter == nil || s.snap.State != StateConnected {
		return nil, ErrNotConnected
	}
	return s.adapter, nil
}

// Run connects and supervises the connection until ctx is cancelled. It
// returns nil on cancellation, including after a logout, and
// ErrReconnectExhausted when reconnecting keeps failing.
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		ad, err := s.connect(ctx)
		if err == nil {
			var outcome sessionOutcome
			outcome, err = s.serve(ctx, ad)
			switch {
			case outcome.shutdown:
				return nil
			case outcome.loggedOut:
				s.log.Warn("logged out; pair again to reconnect")
				<-ctx.Done()
				return nil
			case outcome.reachedConnected:
				failures = 0
			}
		}

		failures++
		s.setDisconnected(err.Error(), failures, false)
		if s.maxAttempts > 0 && failures >= s.maxAttempts {
			s.log.Error("giving up on reconnect", "attempts", failures, "err", err)
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, failures, err)
		}
		s.log.Warn("connection lost, reconnecting", "err", err, "attempt", failures, "backoff", s.backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.backoff):
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) (Adapter, error) {
	ad, err := s.newAdapter()
	if err != nil {
		return nil, fmt.Errorf("chat: create adapter: %w", err)
	}
	if err := ad.Connect(ctx); err != nil {
		ad.Close()
		return nil, fmt.Errorf("chat: connect: %w", err)
	}

	var botID string
	if b, ok := ad.(BotUserIDer); ok {
		botID = b.BotUserID()
	}
	s.mu.Lock()
	s.adapter = ad
	s.botID = botID
	s.snap.Platform = ad.Platform()
	s.mu.Unlock()
	s.log.Info("transport started", "platform", ad.Platform())
	return ad, nil
}

type sessionOutcome struct {
	shutdown         bool
	loggedOut        bool
	reachedConnected bool
}

// serve consumes adapter events until the connection ends. The returned
// error describes why the connection ended when it should be retried.
func (s *Supervisor) serve(ctx context.Context, ad Adapter) (out sessionOutcome, err error) {
	defer func() {
		s.mu.Lock()
		s.adapter = nil
		s.mu.Unlock()
	}()

	events := ad.Events()
	for {
		select {
		case <-ctx.Done():
			s.shutdown(ad)
			out.shutdown = true
			return out, nil

		case ev, ok := <-events:
			if !ok {
				ad.Close()
				return out, errors.New("chat: event stream closed")
			}
			switch ev.Kind {
			case EventQR:
				s.setPairing(ev.QR)
			case EventConnected:
				out.reachedConnected = true
				s.setConnected()
			case EventDisconnected:
				ad.Close()
				reason := ev.Reason
				if reason == "" {
					reason = "connection closed"
				}
				if ev.LoggedOut {
					s.setDisconnected("logged out", 0, true)
					out.loggedOut = true
					return out, nil
				}
				return out, fmt.Errorf("chat: disconnected: %s", reason)
			case EventCredsUpdate:
				s.log.Debug("credentials updated")
			case EventMessage:
				s.handleMessage(ctx, ev.Message)
			}
		}
	}
}

func (s *Supervisor) handleMessage(ctx context.Context, msg *InboundMessage) {
	if msg == nil {
		return
	}
	s.mu.RLock()
	botID := s.botID
	s.mu.RUnlock()
	if msg.FromMe || (botID != "" && msg.UserID == botID) {
		return
	}
	s.onMessage(ctx, *msg)
}

// shutdown releases the transport, logging out first when configured.
func (s *Supervisor) shutdown(ad Adapter) {
	if s.logoutOnShutdown {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		if err := ad.Logout(ctx); err != nil {
			s.log.Warn("logout on shutdown failed", "err", err)
		}
		cancel()
	}
	if err := ad.Close(); err != nil {
		s.log.Warn("close transport", "err", err)
	}
	s.mu.Lock()
	s.adapter = nil
	s.snap = Snapshot{State: StateDisconnected, Platform: s.snap.Platform, Since: s.now(), LastError: "shutdown"}
	s.mu.Unlock()
	s.log.Info("transport closed")
}

func (s *Supervisor) setPairing(qr string) {
	s.mu.Lock()
	s.snap.State = StatePairing
	s.snap.QR = qr
	s.snap.Since = s.now()
	s.mu.Unlock()

	s.log.Info("pairing code received; scan it from the linked-devices screen")
	if s.qrOut == nil {
		return
	}
	if art, err := QRTerminal(qr); err != nil {
		s.log.Warn("render pairing code", "err", err)
	} else {
		fmt.Fprintln(s.qrOut, art)
	}
}

func (s *Supervisor) setConnected() {
	s.mu.Lock()
	s.snap = Snapshot{State: StateConnected, Platform: s.snap.Platform, Since: s.now()}
	s.mu.Unlock()
	s.log.Info("connected")
}

func (s *Supervisor) setDisconnected(reason string, attempts int, loggedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{
		State:     StateDisconnected,
		Platform:  s.snap.Platform,
		Since:     s.now(),
		LastError: reason,
		Attempts:  attempts,
		LoggedOut: loggedOut,
	}
}
