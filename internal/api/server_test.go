package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/chat"
	"github.com/bellujrb/hackathon-onco/internal/delivery"
	"github.com/bellujrb/hackathon-onco/internal/logging"
	"github.com/bellujrb/hackathon-onco/internal/models"
	"github.com/bellujrb/hackathon-onco/internal/session"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticStatus struct{ snap chat.Snapshot }

func (s staticStatus) Status() chat.Snapshot { return s.snap }

type fakeDeliverer struct {
	mu      sync.Mutex
	outcome delivery.Outcome
	err     error
	calls   []string
	results []models.AnalysisResult
}

func (f *fakeDeliverer) Deliver(_ context.Context, token string, r models.AnalysisResult) (delivery.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, token)
	f.results = append(f.results, r)
	return f.outcome, f.err
}

func setupServer(t *testing.T, snap chat.Snapshot, d *fakeDeliverer, secret string) (*httptest.Server, *session.Store) {
	t.Helper()
	store, err := session.NewStore(session.StoreOpts{Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(ServerOpts{
		WebhookSecret: secret,
		AllowOrigin:   "http://localhost:3000",
		Status:        staticStatus{snap},
		Deliverer:     d,
		Sessions:      store,
		Logger:        logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postWebhook(t *testing.T, baseURL, body string, header map[string]string) WebhookResponse {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/webhook/result", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out WebhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

const validBody = `{"sessionId":"tok-1","result":{"success":true,"riskAssessment":{"riskLevel":"BAIXO","color":"green","riskScore":0.1}}}`

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(ServerOpts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestEmbeddedTemplates(t *testing.T) {
	data, err := templatesFS.ReadFile("templates/qrcode.html")
	if err != nil {
		t.Fatalf("qrcode.html not embedded: %v", err)
	}
	if !strings.Contains(string(data), "QR Code ainda não disponível") {
		t.Error("qrcode.html missing placeholder text")
	}
}

func TestHealth(t *testing.T) {
	ts, _ := setupServer(t, chat.Snapshot{}, &fakeDeliverer{}, "")
	code, body := getBody(t, ts.URL+"/health")
	if code != http.StatusOK || !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("health = %d %s", code, body)
	}
}

func TestWebhook_Delivered(t *testing.T) {
	d := &fakeDeliverer{outcome: delivery.Delivered}
	ts, _ := setupServer(t, chat.Snapshot{}, d, "")
	out := postWebhook(t, ts.URL, validBody, nil)
	if !out.Success || out.Message != "Resultado enviado com sucesso" {
		t.Errorf("response = %+v", out)
	}
	if len(d.calls) != 1 || d.calls[0] != "tok-1" || d.results[0].RiskAssessment.RiskLevel != "BAIXO" {
		t.Errorf("deliverer calls = %v %+v", d.calls, d.results)
	}
}

func TestWebhook_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		outcome delivery.Outcome
		want    string
	}{
		{"not found", delivery.SessionNotFound, "Sessão não encontrada ou expirada"},
		{"in flight", delivery.InFlight, "Resultado já está sendo processado"},
		{"failed", delivery.Failed, "Erro ao enviar resultado"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := setupServer(t, chat.Snapshot{}, &fakeDeliverer{outcome: tt.outcome}, "")
			out := postWebhook(t, ts.URL, validBody, nil)
			if out.Success || out.Message != tt.want {
				t.Errorf("response = %+v, want message %q", out, tt.want)
			}
		})
	}
}

func TestWebhook_BadBodies(t *testing.T) {
	d := &fakeDeliverer{outcome: delivery.Delivered}
	ts, _ := setupServer(t, chat.Snapshot{}, d, "")
	for _, body := range []string{`not json`, `{}`, `{"sessionId":"  "}`, `{"sessionId":"x"}`} {
		out := postWebhook(t, ts.URL, body, nil)
		if out.Success {
			t.Errorf("body %q: success = true", body)
		}
	}
	if len(d.calls) != 0 {
		t.Errorf("deliverer called %d times for bad bodies", len(d.calls))
	}
}

func TestWebhook_Secret(t *testing.T) {
	d := &fakeDeliverer{outcome: delivery.Delivered}
	ts, _ := setupServer(t, chat.Snapshot{}, d, "s3cret")

	out := postWebhook(t, ts.URL, validBody, map[string]string{"X-Webhook-Secret": "wrong"})
	if out.Success || out.Message != "unauthorized" {
		t.Errorf("response = %+v", out)
	}
	out = postWebhook(t, ts.URL, validBody, map[string]string{"X-Webhook-Secret": "s3cret"})
	if !out.Success {
		t.Errorf("response = %+v", out)
	}
	if len(d.calls) != 1 {
		t.Errorf("calls = %d", len(d.calls))
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name      string
		snap      chat.Snapshot
		connected bool
		hasQR     bool
		message   string
	}{
		{"connected", chat.Snapshot{State: chat.StateConnected, Platform: "whatsapp"}, true, false, "WhatsApp conectado"},
		{"pairing", chat.Snapshot{State: chat.StatePairing, QR: "2@x"}, false, true, "Aguardando leitura do QR Code"},
		{"logged out", chat.Snapshot{State: chat.StateDisconnected, LoggedOut: true}, false, false, "Sessão encerrada; é preciso parear novamente"},
		{"starting", chat.Snapshot{State: chat.StateDisconnected}, false, false, "Conectando..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, store := setupServer(t, tt.snap, &fakeDeliverer{}, "")
			store.Create("owner")
			_, body := getBody(t, ts.URL+"/api/status")
			var got StatusResponse
			if err := json.Unmarshal([]byte(body), &got); err != nil {
				t.Fatal(err)
			}
			if got.Connected != tt.connected || got.HasQRCode != tt.hasQR || got.Message != tt.message {
				t.Errorf("status = %+v", got)
			}
			if tt.hasQR && got.QR != tt.snap.QR {
				t.Errorf("qr = %q, want %q", got.QR, tt.snap.QR)
			}
			if got.State != string(tt.snap.State) || got.Sessions != 1 {
				t.Errorf("status = %+v", got)
			}
		})
	}
}

func TestQRCodePage(t *testing.T) {
	t.Run("pairing", func(t *testing.T) {
		ts, _ := setupServer(t, chat.Snapshot{State: chat.StatePairing, QR: "2@pairing"}, &fakeDeliverer{}, "")
		code, body := getBody(t, ts.URL+"/api/qrcode")
		if code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if !strings.Contains(body, `src="data:image/png;base64,`) {
			t.Error("missing QR image")
		}
		if !strings.Contains(body, `http-equiv="refresh" content="5"`) {
			t.Error("missing auto refresh")
		}
	})
	t.Run("connected", func(t *testing.T) {
		ts, _ := setupServer(t, chat.Snapshot{State: chat.StateConnected}, &fakeDeliverer{}, "")
		_, body := getBody(t, ts.URL+"/api/qrcode")
		if !strings.Contains(body, "WhatsApp conectado") || strings.Contains(body, "http-equiv") {
			t.Errorf("body = %s", body)
		}
	})
	t.Run("waiting", func(t *testing.T) {
		ts, _ := setupServer(t, chat.Snapshot{State: chat.StateDisconnected}, &fakeDeliverer{}, "")
		_, body := getBody(t, ts.URL+"/api/qrcode")
		if !strings.Contains(body, "QR Code ainda não disponível") || !strings.Contains(body, "http-equiv") {
			t.Errorf("body = %s", body)
		}
	})
}

func TestSessionLookup(t *testing.T) {
	ts, store := setupServer(t, chat.Snapshot{}, &fakeDeliverer{}, "")
	sess, _ := store.Create("5511@s.whatsapp.net")

	_, body := getBody(t, ts.URL+"/api/session/"+sess.ID)
	var got SessionResponse
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Valid || got.ExpiresAt == nil || !got.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Errorf("session = %+v", got)
	}
	if strings.Contains(body, "5511") {
		t.Error("response leaks the owner id")
	}

	_, body = getBody(t, ts.URL+"/api/session/unknown")
	if !strings.Contains(body, `"valid":false`) {
		t.Errorf("body = %s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := setupServer(t, chat.Snapshot{}, &fakeDeliverer{}, "")
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/session/x", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	srv, err := NewServer(ServerOpts{
		Addr:      "127.0.0.1:0",
		Status:    staticStatus{},
		Deliverer: &fakeDeliverer{},
		Sessions:  mustStore(t),
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return")
	}
}

func mustStore(t *testing.T) *session.Store {
	t.Helper()
	s, err := session.NewStore(session.StoreOpts{Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type staticStats struct {
	active, owners int
	jobs           map[string]time.Time
}

func (s staticStats) Active() int { return s.active }
func (s staticStats) Owners() int { return s.owners }
func (s staticStats) Jobs() map[string]time.Time { return s.jobs }

func TestStatus_RuntimeCounters(t *testing.T) {
	next := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	stats := staticStats{active: 3, owners: 12, jobs: map[string]time.Time{"session-flush": next}}
	srv, err := NewServer(ServerOpts{
		Status:        staticStatus{chat.Snapshot{State: chat.StateConnected}},
		Deliverer:     &fakeDeliverer{},
		Sessions:      mustStore(t),
		Queues:        stats,
		Conversations: stats,
		Jobs:          stats,
		Logger:        logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, body := getBody(t, ts.URL+"/api/status")
	var got StatusResponse
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	if got.Queues != 3 || got.Conversations != 12 {
		t.Errorf("counters = queues %d conversations %d", got.Queues, got.Conversations)
	}
	if !got.Jobs["session-flush"].Equal(next) {
		t.Errorf("jobs = %v", got.Jobs)
	}
}
