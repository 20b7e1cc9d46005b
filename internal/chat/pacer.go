package chat

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultTypingDelay is how long the composing indicator shows before a
// reply.
const DefaultTypingDelay = 1500 * time.Millisecond

// PresenceSender updates typing indicators.
type PresenceSender interface {
	SendPresence(ctx context.Context, chatID string, p Presence) error
}

// Pacer simulates typing before replies. Indicator failures are cosmetic and
// only logged.
type Pacer struct {
	sender PresenceSender
	delay  time.Duration
	log    *log.Logger
}

// NewPacer creates a Pacer. A zero delay selects DefaultTypingDelay; a
// negative delay disables the pause.
func NewPacer(sender PresenceSender, delay time.Duration, logger *log.Logger) *Pacer {
	if delay == 0 {
		delay = DefaultTypingDelay
	}
	if logger == nil {
		logger = log.Default().WithPrefix("pacer")
	}
	return &Pacer{sender: sender, delay: delay, log: logger}
}

// Typing shows the composing indicator for the default delay.
func (p *Pacer) Typing(ctx context.Context, chatID string) {
	p.TypingFor(ctx, chatID, p.delay)
}

// TypingFor shows the composing indicator for d, then clears it. It returns
// early when ctx ends.
func (p *Pacer) TypingFor(ctx context.Context, chatID string, d time.Duration) {
	if err := p.sender.SendPresence(ctx, chatID, PresenceComposing); err != nil {
		p.log.Debug("presence update failed", "chat", chatID, "presence", PresenceComposing, "err", err)
	}
	Sleep(ctx, d)
	if err := p.sender.SendPresence(ctx, chatID, PresencePaused); err != nil {
		p.log.Debug("presence update failed", "chat", chatID, "presence", PresencePaused, "err", err)
	}
}

// Sleep waits for d or until ctx ends, reporting whether the full delay
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
