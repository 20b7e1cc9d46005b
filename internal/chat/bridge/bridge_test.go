package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/chat"
	"github.com/bellujrb/hackathon-onco/internal/logging"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
)

type recordedCall struct {
	Method string
	Params json.RawMessage
}

// fakeSidecar is a websocket JSON-RPC peer standing in for the bridge.
type fakeSidecar struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	calls    []recordedCall
	auth     string
	conn     *jsonrpc2.Conn
	failSend bool
	ready    chan struct{}
}

func newFakeSidecar(t *testing.T) *fakeSidecar {
	t.Helper()
	s := &fakeSidecar{t: t, ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn := jsonrpc2.NewConn(context.Background(), wsstream.NewObjectStream(ws), jsonrpc2.HandlerWithError(s.handle))
		s.mu.Lock()
		s.auth = r.Header.Get("Authorization")
		s.conn = conn
		s.mu.Unlock()
		close(s.ready)
		<-conn.DisconnectNotify()
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakeSidecar) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	s.calls = append(s.calls, recordedCall{Method: req.Method, Params: params})
	if req.Method == MethodMessageSend && s.failSend {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "not on whatsapp"}
	}
	return map[string]bool{"ok": true}, nil
}

func (s *fakeSidecar) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *fakeSidecar) peer() *jsonrpc2.Conn {
	s.t.Helper()
	select {
	case <-s.ready:
	case <-time.After(3 * time.Second):
		s.t.Fatal("sidecar never accepted a connection")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *fakeSidecar) notify(method string, params any) {
	s.t.Helper()
	if err := s.peer().Notify(context.Background(), method, params); err != nil {
		s.t.Fatalf("notify %s: %v", method, err)
	}
}

func (s *fakeSidecar) recorded() []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedCall(nil), s.calls...)
}

func connect(t *testing.T, s *fakeSidecar) *Adapter {
	t.Helper()
	a, err := New(Opts{URL: s.url(), AuthToken: "secret", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func nextEvent(t *testing.T, a *Adapter) chat.Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return chat.Event{}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestAdapter_DialFailure(t *testing.T) {
	a, err := New(Opts{URL: "ws://127.0.0.1:1/ws", DialTimeout: time.Second, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestAdapter_SendsBearerToken(t *testing.T) {
	s := newFakeSidecar(t)
	connect(t, s)
	s.peer()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth != "Bearer secret" {
		t.Errorf("Authorization = %q", s.auth)
	}
}

func TestAdapter_ConnectionLifecycle(t *testing.T) {
	s := newFakeSidecar(t)
	a := connect(t, s)

	s.notify(MethodConnectionUpdate, ConnectionUpdate{Connection: "connecting", QR: "2@abc"})
	if ev := nextEvent(t, a); ev.Kind != chat.EventQR || ev.QR != "2@abc" {
		t.Errorf("event = %+v", ev)
	}

	s.notify(MethodConnectionUpdate, ConnectionUpdate{Connection: "open", Me: "5511000@s.whatsapp.net"})
	if ev := nextEvent(t, a); ev.Kind != chat.EventConnected {
		t.Errorf("event = %+v", ev)
	}
	if a.BotUserID() != "5511000@s.whatsapp.net" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}

	s.notify(MethodCredsUpdate, map[string]any{})
	if ev := nextEvent(t, a); ev.Kind != chat.EventCredsUpdate {
		t.Errorf("event = %+v", ev)
	}

	s.notify(MethodConnectionUpdate, ConnectionUpdate{Connection: "close", Reason: "logged out", LoggedOut: true})
	ev := nextEvent(t, a)
	if ev.Kind != chat.EventDisconnected || !ev.LoggedOut || ev.Reason != "logged out" {
		t.Errorf("event = %+v", ev)
	}
}

func TestAdapter_MessagesUpsert(t *testing.T) {
	s := newFakeSidecar(t)
	a := connect(t, s)

	s.notify(MethodMessagesUpsert, Upsert{
		ID:        "M1",
		ChatID:    "5511999@s.whatsapp.net",
		PushName:  "Ana",
		Text:      "oi",
		Timestamp: 1700000000,
		Audio:     &AudioPart{MimeType: "audio/ogg; codecs=opus", Data: []byte("OggS")},
	})
	ev := nextEvent(t, a)
	if ev.Kind != chat.EventMessage || ev.Message == nil {
		t.Fatalf("event = %+v", ev)
	}
	m := ev.Message
	if m.ChatID != "5511999@s.whatsapp.net" || m.UserID != m.ChatID || m.UserName != "Ana" || m.Text != "oi" {
		t.Errorf("message = %+v", m)
	}
	if m.Platform != Platform || m.MessageID != "M1" || !m.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("message = %+v", m)
	}
	if m.Audio == nil || string(m.Audio.Data) != "OggS" || m.Audio.MimeType != "audio/ogg; codecs=opus" {
		t.Errorf("audio = %+v", m.Audio)
	}
}

func TestAdapter_Calls(t *testing.T) {
	s := newFakeSidecar(t)
	a := connect(t, s)
	ctx := context.Background()

	if err := a.Send(ctx, chat.OutboundMessage{ChatID: "5511@s.whatsapp.net", Text: "*oi*"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.SendPresence(ctx, "5511@s.whatsapp.net", chat.PresenceComposing); err != nil {
		t.Fatalf("SendPresence: %v", err)
	}
	if err := a.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	calls := s.recorded()
	if len(calls) != 3 {
		t.Fatalf("calls = %+v", calls)
	}
	var send SendParams
	if err := json.Unmarshal(calls[0].Params, &send); err != nil {
		t.Fatal(err)
	}
	if calls[0].Method != MethodMessageSend || send.ChatID != "5511@s.whatsapp.net" || send.Text != "*oi*" {
		t.Errorf("send call = %+v", calls[0])
	}
	var pres PresenceParams
	if err := json.Unmarshal(calls[1].Params, &pres); err != nil {
		t.Fatal(err)
	}
	if calls[1].Method != MethodPresenceUpdate || pres.Presence != "composing" {
		t.Errorf("presence call = %+v", calls[1])
	}
	if calls[2].Method != MethodSessionLogout {
		t.Errorf("logout call = %+v", calls[2])
	}
}

func TestAdapter_SendError(t *testing.T) {
	s := newFakeSidecar(t)
	s.failSend = true
	a := connect(t, s)
	err := a.Send(context.Background(), chat.OutboundMessage{ChatID: "x", Text: "y"})
	if err == nil || !strings.Contains(err.Error(), "not on whatsapp") {
		t.Errorf("Send err = %v", err)
	}
}

func TestAdapter_SocketDrop(t *testing.T) {
	s := newFakeSidecar(t)
	a := connect(t, s)

	s.peer().Close()
	ev := nextEvent(t, a)
	if ev.Kind != chat.EventDisconnected || ev.Reason != "connection closed" || ev.LoggedOut {
		t.Errorf("event = %+v", ev)
	}
	select {
	case _, ok := <-a.Events():
		if ok {
			t.Error("expected event stream to close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event stream not closed")
	}
}

func TestAdapter_CloseIsQuiet(t *testing.T) {
	s := newFakeSidecar(t)
	a := connect(t, s)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for ev := range a.Events() {
		if ev.Kind == chat.EventDisconnected {
			t.Errorf("unexpected disconnect event after Close: %+v", ev)
		}
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := a.Send(context.Background(), chat.OutboundMessage{ChatID: "x", Text: "y"}); err == nil {
		t.Error("Send after Close should fail")
	}
}

func TestAdapter_CloseDuringNotificationFlood(t *testing.T) {
	for i := 0; i < 100; i++ {
		s := newFakeSidecar(t)
		a := connect(t, s)
		peer := s.peer()

		stop := make(chan struct{})
		flooding := make(chan struct{})
		go func() {
			defer close(flooding)
			for {
				select {
				case <-stop:
					return
				default:
				}
				if err := peer.Notify(context.Background(), MethodCredsUpdate, map[string]any{}); err != nil {
					return
				}
			}
		}()

		// Let a few notifications reach the handler before closing.
		time.Sleep(time.Millisecond)
		if err := a.Close(); err != nil {
			t.Fatalf("iteration %d: Close: %v", i, err)
		}

		drained := make(chan struct{})
		go func() {
			for range a.Events() {
			}
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(3 * time.Second):
			t.Fatalf("iteration %d: event stream not closed", i)
		}
		close(stop)
		<-flooding
	}
}

func TestAdapter_SendImage(t *testing.T) {
	s := newFakeSidecar(t)
	a := connect(t, s)

	png := []byte{0x89, 'P', 'N', 'G'}
	if err := a.SendImage(context.Background(), chat.OutboundImage{ChatID: "5511@s.whatsapp.net", PNG: png, Caption: "*cap*"}); err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	calls := s.recorded()
	if len(calls) != 1 || calls[0].Method != MethodMessageSend {
		t.Fatalf("calls = %+v", calls)
	}
	if strings.Contains(string(calls[0].Params), `"text"`) {
		t.Errorf("image send carries a text field: %s", calls[0].Params)
	}
	var got SendParams
	if err := json.Unmarshal(calls[0].Params, &got); err != nil {
		t.Fatal(err)
	}
	if got.ChatID != "5511@s.whatsapp.net" || string(got.Image) != string(png) || got.Caption != "*cap*" {
		t.Errorf("params = %+v", got)
	}
}
