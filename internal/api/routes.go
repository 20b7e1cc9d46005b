package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/chat"
	"github.com/bellujrb/hackathon-onco/internal/delivery"
	"github.com/bellujrb/hackathon-onco/internal/models"
	"github.com/bellujrb/hackathon-onco/internal/session"
	"github.com/gin-gonic/gin"
)

// Webhook response messages.
const (
	msgDelivered       = "Resultado enviado com sucesso"
	msgSessionNotFound = "Sessão não encontrada ou expirada"
	msgInFlight        = "Resultado já está sendo processado"
	msgFailed          = "Erro ao enviar resultado"
	msgBadRequest      = "sessionId e result são obrigatórios"
	msgUnauthorized    = "unauthorized"
)

// WebhookRequest is the body the scoring service posts.
type WebhookRequest struct {
	SessionID string                 `json:"sessionId"`
	Result    *models.AnalysisResult `json:"result"`
}

// WebhookResponse is always returned with HTTP 200.
type WebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusResponse describes the chat connection.
type StatusResponse struct {
	Connected bool      `json:"connected"`
	HasQRCode bool      `json:"hasQrCode"`
	QR        string    `json:"qr,omitempty"` // raw pairing payload, for terminal rendering
	Message   string    `json:"message"`
	State     string    `json:"state"`
	Platform  string    `json:"platform,omitempty"`
	Since     time.Time `json:"since"`
	LastError string    `json:"lastError,omitempty"`
	LoggedOut bool      `json:"loggedOut,omitempty"`
	Sessions  int       `json:"sessions"`

	Queues        int                  `json:"queues"`
	Conversations int                  `json:"conversations"`
	Jobs          map[string]time.Time `json:"jobs,omitempty"` // next run per job
}

// SessionResponse tells the recording page whether a link is still usable.
type SessionResponse struct {
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// registerRoutes sets up all API routes on the Gin router.
func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/status", s.handleStatus)
	s.router.GET("/api/qrcode", s.handleQRCode)
	s.router.GET("/api/session/:id", s.handleSession)
	s.router.POST("/api/webhook/result", s.handleWebhook)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.opts.Status.Status()
	pairing := snap.State == chat.StatePairing && snap.QR != ""
	resp := StatusResponse{
		Connected: snap.State == chat.StateConnected,
		HasQRCode: pairing,
		Message:   statusMessage(snap),
		State:     string(snap.State),
		Platform:  snap.Platform,
		Since:     snap.Since,
		LastError: snap.LastError,
		LoggedOut: snap.LoggedOut,
		Sessions:  s.opts.Sessions.Len(),
	}
	if pairing {
		resp.QR = snap.QR
	}
	if s.opts.Queues != nil {
		resp.Queues = s.opts.Queues.Active()
	}
	if s.opts.Conversations != nil {
		resp.Conversations = s.opts.Conversations.Owners()
	}
	if s.opts.Jobs != nil {
		resp.Jobs = s.opts.Jobs.Jobs()
	}
	c.JSON(http.StatusOK, resp)
}

func statusMessage(snap chat.Snapshot) string {
	switch {
	case snap.State == chat.StateConnected:
		return "WhatsApp conectado"
	case snap.State == chat.StatePairing && snap.QR != "":
		return "Aguardando leitura do QR Code"
	case snap.LoggedOut:
		return "Sessão encerrada; é preciso parear novamente"
	default:
		return "Conectando..."
	}
}

func (s *Server) handleQRCode(c *gin.Context) {
	snap := s.opts.Status.Status()
	data := gin.H{
		"State":     string(snap.State),
		"Platform":  snap.Platform,
		"LastError": snap.LastError,
		"LoggedOut": snap.LoggedOut,
		"Refresh":   qrRefreshSeconds,
	}
	if snap.State == chat.StateConnected {
		data["Refresh"] = 0
	}
	if snap.State == chat.StatePairing && snap.QR != "" {
		uri, err := chat.QRDataURI(snap.QR, qrSize)
		if err != nil {
			s.log.Error("render pairing code", "err", err)
		} else {
			// data: URIs are rejected by html/template unless marked safe.
			data["QRImage"] = template.URL(uri)
		}
	}
	c.Header("Cache-Control", "no-store")
	c.HTML(http.StatusOK, "qrcode.html", data)
}

func (s *Server) handleSession(c *gin.Context) {
	sess, err := s.opts.Sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, SessionResponse{Valid: false})
		return
	}
	expires := sess.ExpiresAt
	c.JSON(http.StatusOK, SessionResponse{Valid: true, ExpiresAt: &expires})
}

func (s *Server) handleWebhook(c *gin.Context) {
	if s.opts.WebhookSecret != "" {
		got := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.WebhookSecret)) != 1 {
			s.log.Warn("webhook rejected: bad secret", "remote", c.ClientIP())
			c.JSON(http.StatusOK, WebhookResponse{Success: false, Message: msgUnauthorized})
			return
		}
	}

	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.log.Warn("webhook: malformed body", "err", err)
		c.JSON(http.StatusOK, WebhookResponse{Success: false, Message: msgBadRequest})
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" || req.Result == nil {
		c.JSON(http.StatusOK, WebhookResponse{Success: false, Message: msgBadRequest})
		return
	}

	// The pacing delays outlive an impatient caller; finish the delivery
	// even if the scorer hangs up.
	ctx := context.WithoutCancel(c.Request.Context())
	outcome, err := s.opts.Deliverer.Deliver(ctx, req.SessionID, *req.Result)
	switch outcome {
	case delivery.Delivered:
		c.JSON(http.StatusOK, WebhookResponse{Success: true, Message: msgDelivered})
	case delivery.SessionNotFound:
		c.JSON(http.StatusOK, WebhookResponse{Success: false, Message: msgSessionNotFound})
	case delivery.InFlight:
		c.JSON(http.StatusOK, WebhookResponse{Success: false, Message: msgInFlight})
	default:
		msg := msgFailed
		if err != nil && errors.Is(err, session.ErrNotFound) {
			msg = msgSessionNotFound
		}
		c.JSON(http.StatusOK, WebhookResponse{Success: false, Message: msg})
	}
}
