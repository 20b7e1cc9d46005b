package chat

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/logging"
)

// mockFactory hands out a fresh MockAdapter per connection attempt.
type mockFactory struct {
	mu      sync.Mutex
	mocks   []*MockAdapter
	prepare func(*MockAdapter)
}

func (f *mockFactory) New() (Adapter, error) {
	m := NewMockAdapter()
	if f.prepare != nil {
		f.prepare(m)
	}
	f.mu.Lock()
	f.mocks = append(f.mocks, m)
	f.mu.Unlock()
	return m, nil
}

func (f *mockFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mocks)
}

func (f *mockFactory) get(i int) *MockAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mocks[i]
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

type inbox struct {
	mu   sync.Mutex
	msgs []InboundMessage
}

func (i *inbox) handle(_ context.Context, msg InboundMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// runSupervisor starts Run in the background and returns a stop func that
// cancels it and returns Run's error.
func runSupervisor(t *testing.T, opts SupervisorOpts) (*Supervisor, func() error) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Backoff == 0 {
		opts.Backoff = 10 * time.Millisecond
	}
	s, err := NewSupervisor(opts)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(3 * time.Second):
				t.Error("Run did not return after cancel")
			}
		})
		return runErr
	}
	t.Cleanup(func() { stop() })
	return s, stop
}

func TestNewSupervisor_Validation(t *testing.T) {
	f := &mockFactory{}
	if _, err := NewSupervisor(SupervisorOpts{OnMessage: func(context.Context, InboundMessage) {}}); err == nil {
		t.Error("expected error without factory")
	}
	if _, err := NewSupervisor(SupervisorOpts{NewAdapter: f.New}); err == nil {
		t.Error("expected error without handler")
	}
}

func TestSupervisor_InitialState(t *testing.T) {
	s, err := NewSupervisor(SupervisorOpts{
		NewAdapter: (&mockFactory{}).New,
		OnMessage:  func(context.Context, InboundMessage) {},
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if st := s.Status(); st.State != StateDisconnected {
		t.Errorf("state = %s, want disconnected", st.State)
	}
	if err := s.Send(context.Background(), "x", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send err = %v, want ErrNotConnected", err)
	}
}

func TestSupervisor_PairingThenConnected(t *testing.T) {
	f := &mockFactory{}
	qrOut := &syncBuffer{}
	s, _ := runSupervisor(t, SupervisorOpts{NewAdapter: f.New, OnMessage: (&inbox{}).handle, QROut: qrOut})

	waitFor(t, "adapter", func() bool { return f.count() == 1 })
	m := f.get(0)

	m.SimulateQR("2@pairing-payload")
	waitFor(t, "pairing", func() bool { return s.Status().State == StatePairing })
	if st := s.Status(); st.QR != "2@pairing-payload" || st.Platform != "mock" {
		t.Errorf("snapshot = %+v", st)
	}
	waitFor(t, "terminal qr", func() bool { return qrOut.Len() > 0 })

	if err := s.Send(context.Background(), "5511@s.whatsapp.net", "oi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send while pairing err = %v, want ErrNotConnected", err)
	}

	m.SimulateConnected()
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })
	if s.Status().QR != "" {
		t.Error("QR should be cleared once connected")
	}

	if err := s.Send(context.Background(), "5511@s.whatsapp.net", "oi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.SendPresence(context.Background(), "5511@s.whatsapp.net", PresenceComposing); err != nil {
		t.Fatalf("SendPresence: %v", err)
	}
	if got, _ := m.LastSent(); got.ChatID != "5511@s.whatsapp.net" || got.Text != "oi" {
		t.Errorf("sent = %+v", got)
	}
}

func TestSupervisor_ReconnectsAfterTransportLoss(t *testing.T) {
	f := &mockFactory{}
	s, _ := runSupervisor(t, SupervisorOpts{NewAdapter: f.New, OnMessage: (&inbox{}).handle})

	waitFor(t, "first adapter", func() bool { return f.count() == 1 })
	first := f.get(0)
	first.SimulateConnected()
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	first.SimulateDisconnected("stream errored", false)
	waitFor(t, "second adapter", func() bool { return f.count() == 2 })
	if !first.IsClosed() {
		t.Error("dropped adapter not closed")
	}

	second := f.get(1)
	second.SimulateConnected()
	waitFor(t, "reconnected", func() bool { return s.Status().State == StateConnected })
}

func TestSupervisor_LogoutStaysDisconnected(t *testing.T) {
	f := &mockFactory{}
	s, stop := runSupervisor(t, SupervisorOpts{NewAdapter: f.New, OnMessage: (&inbox{}).handle})

	waitFor(t, "adapter", func() bool { return f.count() == 1 })
	m := f.get(0)
	m.SimulateConnected()
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	m.SimulateDisconnected("logged out", true)
	waitFor(t, "logged out", func() bool { return s.Status().LoggedOut })

	time.Sleep(100 * time.Millisecond) // ten backoff periods
	if f.count() != 1 {
		t.Errorf("adapters = %d after logout, want 1 (no auto-retry)", f.count())
	}
	st := s.Status()
	if st.State != StateDisconnected || st.LastError != "logged out" {
		t.Errorf("snapshot = %+v", st)
	}
	if err := stop(); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestSupervisor_ReconnectExhausted(t *testing.T) {
	f := &mockFactory{prepare: func(m *MockAdapter) { m.FailConnect(errors.New("dial refused")) }}
	s, err := NewSupervisor(SupervisorOpts{
		NewAdapter:  f.New,
		OnMessage:   (&inbox{}).handle,
		Backoff:     time.Millisecond,
		MaxAttempts: 3,
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Run(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run = %v, want ErrReconnectExhausted", err)
	}
	if f.count() != 3 {
		t.Errorf("attempts = %d, want 3", f.count())
	}
	if st := s.Status(); st.Attempts != 3 || st.LastError == "" {
		t.Errorf("snapshot = %+v", st)
	}
}

func TestSupervisor_ConnectedResetsAttempts(t *testing.T) {
	f := &mockFactory{}
	s, _ := runSupervisor(t, SupervisorOpts{NewAdapter: f.New, OnMessage: (&inbox{}).handle, MaxAttempts: 2})

	for i := 0; i < 4; i++ {
		waitFor(t, "adapter", func() bool { return f.count() == i+1 })
		m := f.get(i)
		m.SimulateConnected()
		waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })
		m.SimulateDisconnected("restart required", false)
	}
	waitFor(t, "fifth adapter", func() bool { return f.count() == 5 })
}

func TestSupervisor_FiltersSelfMessages(t *testing.T) {
	f := &mockFactory{prepare: func(m *MockAdapter) { m.SetBotUserID("bot-1") }}
	in := &inbox{}
	s, _ := runSupervisor(t, SupervisorOpts{NewAdapter: f.New, OnMessage: in.handle})

	waitFor(t, "adapter", func() bool { return f.count() == 1 })
	m := f.get(0)
	m.SimulateConnected()
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	m.SimulateInbound(InboundMessage{ChatID: "a", Text: "echo", FromMe: true})
	m.SimulateInbound(InboundMessage{ChatID: "a", UserID: "bot-1", Text: "bot"})
	m.SimulateInbound(InboundMessage{ChatID: "a", UserID: "a", Text: "oi"})

	waitFor(t, "message", func() bool { return in.len() == 1 })
	time.Sleep(20 * time.Millisecond)
	if in.len() != 1 {
		t.Errorf("handled = %d, want 1", in.len())
	}
	if in.msgs[0].Text != "oi" || in.msgs[0].Platform != "mock" {
		t.Errorf("msg = %+v", in.msgs[0])
	}
}

func TestSupervisor_ShutdownLogout(t *testing.T) {
	f := &mockFactory{}
	s, stop := runSupervisor(t, SupervisorOpts{NewAdapter: f.New, OnMessage: (&inbox{}).handle, LogoutOnShutdown: true})

	waitFor(t, "adapter", func() bool { return f.count() == 1 })
	m := f.get(0)
	m.SimulateConnected()
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	if err := stop(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if !m.IsLoggedOut() || !m.IsClosed() {
		t.Errorf("loggedOut=%v closed=%v, want both", m.IsLoggedOut(), m.IsClosed())
	}
	if s.Status().State != StateDisconnected {
		t.Errorf("state = %s after shutdown", s.Status().State)
	}
}

func TestSupervisor_ShutdownKeepsPairing(t *testing.T) {
	f := &mockFactory{}
	s, stop := runSupervisor(t, SupervisorOpts{NewAdapter: f.New, OnMessage: (&inbox{}).handle})

	waitFor(t, "adapter", func() bool { return f.count() == 1 })
	m := f.get(0)
	m.SimulateConnected()
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	stop()
	if m.IsLoggedOut() {
		t.Error("logout without logout_on_shutdown")
	}
	if !m.IsClosed() {
		t.Error("adapter not closed")
	}
}

func TestSupervisor_EventStreamClosedReconnects(t *testing.T) {
	f := &mockFactory{}
	_, _ = runSupervisor(t, SupervisorOpts{NewAdapter: f.New, OnMessage: (&inbox{}).handle})

	waitFor(t, "adapter", func() bool { return f.count() == 1 })
	f.get(0).Close()
	waitFor(t, "second adapter", func() bool { return f.count() == 2 })
}

// textOnly hides the mock's image support.
type textOnly struct{ Adapter }

func TestSupervisor_SendImage(t *testing.T) {
	f := &mockFactory{}
	s, _ := runSupervisor(t, SupervisorOpts{NewAdapter: f.New, OnMessage: (&inbox{}).handle})
	waitFor(t, "adapter", func() bool { return f.count() == 1 })
	m := f.get(0)

	if err := s.SendImage(context.Background(), "5511@s.whatsapp.net", []byte("png"), "cap"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendImage before connect err = %v, want ErrNotConnected", err)
	}
	m.SimulateConnected()
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	if err := s.SendImage(context.Background(), "5511@s.whatsapp.net", []byte("png"), "cap"); err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	imgs := m.Images()
	if len(imgs) != 1 || imgs[0].ChatID != "5511@s.whatsapp.net" || string(imgs[0].PNG) != "png" || imgs[0].Caption != "cap" {
		t.Errorf("images = %+v", imgs)
	}
}

func TestSupervisor_SendImageUnsupported(t *testing.T) {
	var mu sync.Mutex
	var mock *MockAdapter
	factory := func() (Adapter, error) {
		m := NewMockAdapter()
		mu.Lock()
		mock = m
		mu.Unlock()
		return textOnly{m}, nil
	}
	s, _ := runSupervisor(t, SupervisorOpts{NewAdapter: factory, OnMessage: (&inbox{}).handle})
	waitFor(t, "adapter", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return mock != nil
	})
	mu.Lock()
	m := mock
	mu.Unlock()
	m.SimulateConnected()
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	if err := s.SendImage(context.Background(), "x", []byte("png"), ""); !errors.Is(err, ErrImagesUnsupported) {
		t.Errorf("SendImage err = %v, want ErrImagesUnsupported", err)
	}
}
