// Package api serves onco's HTTP surface: the result webhook called by the
// scoring service, the pairing QR page, connection status, and session
// validity checks for the recording page.
package api

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/chat"
	"github.com/bellujrb/hackathon-onco/internal/delivery"
	"github.com/bellujrb/hackathon-onco/internal/models"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

//go:embed templates/*.html
var templatesFS embed.FS

const (
	defaultAddr     = ":3001"
	shutdownTimeout = 5 * time.Second
	// qrRefreshSeconds is how often the pairing page reloads itself.
	qrRefreshSeconds = 5
	// qrSize is the PNG edge length of the pairing code in pixels.
	qrSize = 300
)

// StatusSource reports the chat connection state.
type StatusSource interface {
	Status() chat.Snapshot
}

// Deliverer hands a scored result to the delivery pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, token string, result models.AnalysisResult) (delivery.Outcome, error)
}

// SessionLookup resolves session tokens.
type SessionLookup interface {
	Get(token string) (models.Session, error)
	Len() int
}

// QueueStats reports how many chat identities have queued work.
type QueueStats interface {
	Active() int
}

// ConversationStats reports how many transcripts are held in memory.
type ConversationStats interface {
	Owners() int
}

// JobLister reports housekeeping jobs and their next run.
type JobLister interface {
	Jobs() map[string]time.Time
}

// ServerOpts holds configuration for the API server.
type ServerOpts struct {
	Addr          string // defaults to :3001
	WebhookSecret string // optional shared secret for the result webhook
	AllowOrigin   string // optional CORS origin for the recording page
	Status        StatusSource
	Deliverer     Deliverer
	Sessions      SessionLookup
	Queues        QueueStats        // optional
	Conversations ConversationStats // optional
	Jobs          JobLister         // optional
	Logger        *log.Logger
}

// Server is the onco HTTP server.
type Server struct {
	opts   ServerOpts
	log    *log.Logger
	router *gin.Engine
}

// NewServer builds the router. It does not listen until Run.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Status == nil {
		return nil, fmt.Errorf("api: status source is required")
	}
	if opts.Deliverer == nil {
		return nil, fmt.Errorf("api: deliverer is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("api: session lookup is required")
	}
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("api")
	}

	tmpl, err := parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}

	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	if opts.AllowOrigin != "" {
		router.Use(cors(opts.AllowOrigin))
	}
	router.SetHTMLTemplate(tmpl)

	s := &Server{opts: opts, log: logger, router: router}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

// parseTemplates loads the embedded HTML templates.
func parseTemplates() (*template.Template, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return tmpl, nil
}

// requestLogger logs one line per request at debug level, warn for 5xx.
func requestLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		kv := []any{"method", c.Request.Method, "path", c.FullPath(), "status", status, "took", time.Since(start)}
		if status >= http.StatusInternalServerError {
			logger.Warn("request", kv...)
			return
		}
		logger.Debug("request", kv...)
	}
}

func cors(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Webhook-Secret")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
