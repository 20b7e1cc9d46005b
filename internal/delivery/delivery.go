// Package delivery turns an analysis result posted by the scoring service
// into chat messages for the person who recorded it.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/assistant"
	"github.com/bellujrb/hackathon-onco/internal/card"
	"github.com/bellujrb/hackathon-onco/internal/chat"
	"github.com/bellujrb/hackathon-onco/internal/history"
	"github.com/bellujrb/hackathon-onco/internal/models"
	"github.com/bellujrb/hackathon-onco/internal/session"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Pacing defaults.
const (
	DefaultSettleDelay  = 2 * time.Second
	DefaultExplainDelay = 1500 * time.Millisecond
)

// Outcome is the result of one Deliver call.
type Outcome string

// Outcomes.
const (
	Delivered       Outcome = "delivered"
	SessionNotFound Outcome = "session_not_found"
	InFlight        Outcome = "in_flight"
	Failed          Outcome = "failed"
)

// ErrDraining is returned for results that arrive after Drain started.
var ErrDraining = errors.New("delivery: shutting down")

// Explainer produces the messages sent around a result.
type Explainer interface {
	Processing(ctx context.Context) string
	Explain(ctx context.Context, result models.AnalysisResult) string
}

// ImageMessenger is implemented by messengers that can deliver the
// result card.
type ImageMessenger interface {
	SendImage(ctx context.Context, chatID string, png []byte, caption string) error
}

// CardRenderer draws the result card as PNG.
type CardRenderer func(models.RiskAssessment) ([]byte, error)

// Sessions resolves and consumes session tokens.
type Sessions interface {
	Get(token string) (models.Session, error)
	Delete(token string)
}

// Opts holds parameters for creating a Pipeline.
type Opts struct {
	Explainer    Explainer
	Sessions     Sessions
	Messenger    chat.Messenger
	History      *history.Store // optional; sent texts are appended when set
	Card         CardRenderer   // optional; needs a Messenger that implements ImageMessenger
	Recorder     Recorder       // optional audit trail
	TypingDelay  time.Duration  // zero selects chat.DefaultTypingDelay
	SettleDelay  time.Duration  // zero selects DefaultSettleDelay; negative disables
	ExplainDelay time.Duration  // zero selects DefaultExplainDelay; negative disables
	Logger       *log.Logger
}

// Pipeline delivers results at most once per session token.
type Pipeline struct {
	explainer    Explainer
	sessions     Sessions
	messenger    chat.Messenger
	history      *history.Store
	recorder     Recorder
	card         CardRenderer
	pacer        *chat.Pacer
	settleDelay  time.Duration
	explainDelay time.Duration
	log          *log.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	draining bool
	wg       sync.WaitGroup
}

// New creates a Pipeline.
func New(opts Opts) (*Pipeline, error) {
	if opts.Explainer == nil {
		return nil, fmt.Errorf("delivery: explainer is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("delivery: session store is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("delivery: messenger is required")
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.ExplainDelay == 0 {
		opts.ExplainDelay = DefaultExplainDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("delivery")
	}
	return &Pipeline{
		explainer:    opts.Explainer,
		sessions:     opts.Sessions,
		messenger:    opts.Messenger,
		history:      opts.History,
		recorder:     opts.Recorder,
		card:         opts.Card,
		pacer:        chat.NewPacer(opts.Messenger, opts.TypingDelay, logger),
		settleDelay:  opts.SettleDelay,
		explainDelay: opts.ExplainDelay,
		log:          logger,
		inFlight:     make(map[string]struct{}),
	}, nil
}

// Deliver sends the processing notice, the result card and the explanation
// of result to the owner of token, then consumes the session. Unknown or
// expired tokens have no side effects. A failed delivery leaves the session
// intact so the scorer can retry.
func (p *Pipeline) Deliver(ctx context.Context, token string, result models.AnalysisResult) (Outcome, error) {
	ok, err := p.acquire(token)
	if err != nil {
		p.log.Warn("result refused during shutdown", "session", token)
		return Failed, err
	}
	if !ok {
		p.log.Warn("duplicate result while delivery in progress", "session", token)
		return InFlight, nil
	}
	defer p.release(token)

	sess, err := p.sessions.Get(token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			p.log.Warn("result for unknown or expired session", "session", token)
			p.record(ctx, models.Delivery{SessionID: token, Status: models.DeliverySkipped})
			return SessionNotFound, nil
		}
		return p.fail(ctx, token, "", result, err)
	}

	explanation, fallback, err := p.send(ctx, sess.OwnerID, result)
	if err != nil {
		return p.fail(ctx, token, sess.OwnerID, result, err)
	}

	if p.history != nil {
		p.history.Append(sess.OwnerID, history.Assistant, explanation)
	}
	p.sessions.Delete(token)
	p.log.Info("result delivered", "session", token, "chat", sess.OwnerID,
		"risk", result.RiskAssessment.RiskLevel, "fallback", fallback)
	p.record(ctx, models.Delivery{
		SessionID: token,
		OwnerID:   sess.OwnerID,
		RiskLevel: result.RiskAssessment.RiskLevel,
		Status:    models.DeliveryDelivered,
		Fallback:  fallback,
	})
	return Delivered, nil
}

// send runs the paced message sequence. Panics are converted to errors.
func (p *Pipeline) send(ctx context.Context, owner string, result models.AnalysisResult) (text string, fallback bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery: panic: %v", r)
		}
	}()

	p.pacer.Typing(ctx, owner)
	processing := p.explainer.Processing(ctx)
	if err := p.messenger.Send(ctx, owner, processing); err != nil {
		return "", false, fmt.Errorf("delivery: send processing notice: %w", err)
	}
	if p.history != nil {
		p.history.Append(owner, history.Assistant, processing)
	}
	if !chat.Sleep(ctx, p.settleDelay) {
		return "", false, fmt.Errorf("delivery: %w", ctx.Err())
	}
	p.pacer.TypingFor(ctx, owner, p.explainDelay)
	if result.Success {
		p.sendCard(ctx, owner, result.RiskAssessment)
	}

	text = p.explainer.Explain(ctx, result)
	fallback = result.Success && text == assistant.FallbackExplain(result.RiskAssessment)
	if err := p.messenger.Send(ctx, owner, text); err != nil {
		return "", fallback, fmt.Errorf("delivery: send explanation: %w", err)
	}
	return text, fallback, nil
}

// sendCard delivers the result image when a renderer is configured and the
// transport carries images. The card accompanies the explanation, so
// failures are logged and do not fail the delivery.
func (p *Pipeline) sendCard(ctx context.Context, owner string, risk models.RiskAssessment) {
	if p.card == nil {
		return
	}
	im, ok := p.messenger.(ImageMessenger)
	if !ok {
		return
	}
	png, err := p.card(risk)
	if err != nil {
		p.log.Warn("render result card", "chat", owner, "err", err)
		return
	}
	if err := im.SendImage(ctx, owner, png, card.Caption); err != nil {
		if errors.Is(err, chat.ErrImagesUnsupported) {
			p.log.Debug("transport has no image support; card skipped", "chat", owner)
			return
		}
		p.log.Warn("send result card", "chat", owner, "err", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, token, owner string, result models.AnalysisResult, err error) (Outcome, error) {
	p.log.Error("result delivery failed", "session", token, "chat", owner, "err", err)
	p.record(ctx, models.Delivery{
		SessionID: token,
		OwnerID:   owner,
		RiskLevel: result.RiskAssessment.RiskLevel,
		Status:    models.DeliveryFailed,
		Error:     err.Error(),
	})
	return Failed, err
}

func (p *Pipeline) record(ctx context.Context, d models.Delivery) {
	if p.recorder == nil {
		return
	}
	d.ID = uuid.NewString()
	d.CreatedAt = time.Now()
	if err := p.recorder.Record(ctx, d); err != nil {
		p.log.Warn("audit record failed", "session", d.SessionID, "err", err)
	}
}

func (p *Pipeline) acquire(token string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return false, ErrDraining
	}
	if _, busy := p.inFlight[token]; busy {
		return false, nil
	}
	p.inFlight[token] = struct{}{}
	p.wg.Add(1)
	return true, nil
}

func (p *Pipeline) release(token string) {
	p.mu.Lock()
	delete(p.inFlight, token)
	p.mu.Unlock()
	p.wg.Done()
}

// Drain refuses new results and waits for in-flight deliveries, so their
// session deletions land before the final flush. It returns ctx's error if
// deliveries are still running when ctx ends.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivery: drain: %w", ctx.Err())
	}
}
