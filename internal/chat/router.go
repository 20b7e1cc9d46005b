package chat

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bellujrb/hackathon-onco/internal/assistant"
	"github.com/bellujrb/hackathon-onco/internal/history"
	"github.com/bellujrb/hackathon-onco/internal/models"
	"github.com/charmbracelet/log"
)

// Generator is the part of the assistant the router needs.
type Generator interface {
	Classify(ctx context.Context, message string, hist []history.Entry) assistant.Intent
	Reply(ctx context.Context, message string, hist []history.Entry) string
	LinkMessage(ctx context.Context, url string) string
}

// SessionCreator issues test-link sessions.
type SessionCreator interface {
	Create(ownerID string) (models.Session, error)
}

// Messenger sends text and typing indicators to a chat identity.
type Messenger interface {
	Send(ctx context.Context, chatID, text string) error
	PresenceSender
}

// Transcriber turns voice notes into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Router handles one inbound message end to end: history, intent,
// session issue, reply generation, pacing, and send. Every failure ends in
// a single apology to the user.
type Router struct {
	gen         Generator
	sessions    SessionCreator
	history     *history.Store
	messenger   Messenger
	pacer       *Pacer
	transcriber Transcriber
	frontendURL string
	log         *log.Logger
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Generator   Generator
	Sessions    SessionCreator
	History     *history.Store
	Messenger   Messenger
	Pacer       *Pacer      // defaults to a Pacer on Messenger
	Transcriber Transcriber // optional; voice notes are ignored without it
	FrontendURL string
	Logger      *log.Logger
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("chat: router: generator is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("chat: router: session store is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("chat: router: history store is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("chat: router: messenger is required")
	}
	if opts.FrontendURL == "" {
		return nil, fmt.Errorf("chat: router: frontend url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("router")
	}
	pacer := opts.Pacer
	if pacer == nil {
		pacer = NewPacer(opts.Messenger, 0, logger)
	}
	return &Router{
		gen:         opts.Generator,
		sessions:    opts.Sessions,
		history:     opts.History,
		messenger:   opts.Messenger,
		pacer:       pacer,
		transcriber: opts.Transcriber,
		frontendURL: strings.TrimRight(opts.FrontendURL, "/"),
		log:         logger,
	}, nil
}

// TestLink builds the recording page URL for a session token.
func TestLink(frontendURL, token string) string {
	return strings.TrimRight(frontendURL, "/") + "/teste?session=" + url.QueryEscape(token)
}

// Handle routes a single inbound message. It never panics.
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("message handling panicked", "chat", msg.ChatID, "panic", rec)
			r.apologize(ctx, msg.ChatID)
		}
	}()

	if msg.FromMe {
		return
	}
	text, ok := r.extractText(ctx, msg)
	if !ok {
		return
	}
	owner := msg.ChatID
	r.log.Debug("recv", "chat", owner, "user", msg.UserName, "text", truncate(text, 80))

	prior := r.history.Read(owner)
	r.history.Append(owner, history.User, text)

	var reply string
	switch intent := r.gen.Classify(ctx, text, prior); intent {
	case assistant.IntentSendTestLink:
		sess, err := r.sessions.Create(owner)
		if err != nil {
			r.log.Error("create session", "chat", owner, "err", err)
			reply = assistant.LinkErrorText
			break
		}
		r.log.Info("test link issued", "chat", owner, "session", sess.ID, "expires", sess.ExpiresAt)
		reply = r.gen.LinkMessage(ctx, TestLink(r.frontendURL, sess.ID))
	default:
		reply = r.gen.Reply(ctx, text, prior)
	}

	r.pacer.Typing(ctx, owner)
	if err := r.messenger.Send(ctx, owner, reply); err != nil {
		r.log.Error("send reply", "chat", owner, "err", err)
		r.apologize(ctx, owner)
		return
	}
	r.history.Append(owner, history.Assistant, reply)
}

// extractText returns the message text, transcribing voice notes when a
// transcriber is configured. ok is false when there is nothing to route.
func (r *Router) extractText(ctx context.Context, msg InboundMessage) (string, bool) {
	if text := strings.TrimSpace(msg.Text); text != "" {
		return text, true
	}
	if msg.Audio == nil || len(msg.Audio.Data) == 0 || r.transcriber == nil {
		return "", false
	}
	text, err := r.transcriber.Transcribe(ctx, msg.Audio.Data, msg.Audio.MimeType)
	if err != nil {
		r.log.Warn("transcription failed", "chat", msg.ChatID, "err", err)
		if err := r.messenger.Send(ctx, msg.ChatID, assistant.AudioFailureText); err != nil {
			r.log.Error("send transcription notice", "chat", msg.ChatID, "err", err)
		}
		return "", false
	}
	r.log.Info("voice note transcribed", "chat", msg.ChatID, "chars", len(text))
	return text, true
}

func (r *Router) apologize(ctx context.Context, chatID string) {
	if err := r.messenger.Send(ctx, chatID, assistant.ApologyText); err != nil {
		r.log.Error("send apology", "chat", chatID, "err", err)
	}
}

// truncate shortens s to n runes for logging.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
