package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// Handler processes one inbound message.
type Handler interface {
	Handle(ctx context.Context, msg InboundMessage)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg InboundMessage)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg InboundMessage) { f(ctx, msg) }

// Dispatcher queues inbound messages per chat identity. Each identity with
// pending messages has one worker goroutine that handles them in arrival
// order; different identities run concurrently. A worker exits as soon as
// its queue drains.
type Dispatcher struct {
	handler Handler
	log     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string][]InboundMessage
	stopped bool
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Handler Handler
	Logger  *log.Logger
}

// NewDispatcher creates a Dispatcher. Handlers run with a context that is
// cancelled by Stop once draining times out.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("chat: dispatcher: handler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("dispatch")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler: opts.Handler,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string][]InboundMessage),
	}, nil
}

// Dispatch enqueues msg behind earlier messages of the same chat identity.
// It never blocks. The ctx argument is ignored; handlers use the
// dispatcher's own context so they outlive the receive loop during
// shutdown.
func (d *Dispatcher) Dispatch(_ context.Context, msg InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		d.log.Warn("dropping message after stop", "chat", msg.ChatID)
		return
	}
	q, running := d.queues[msg.ChatID]
	d.queues[msg.ChatID] = append(q, msg)
	if running {
		return
	}
	d.wg.Add(1)
	go d.work(msg.ChatID)
}

func (d *Dispatcher) work(chatID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[chatID]
		if len(q) == 0 {
			delete(d.queues, chatID)
			d.mu.Unlock()
			return
		}
		msg := q[0]
		d.queues[chatID] = q[1:]
		d.mu.Unlock()

		d.handle(msg)
	}
}

func (d *Dispatcher) handle(msg InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", "chat", msg.ChatID, "panic", r)
		}
	}()
	d.handler.Handle(d.ctx, msg)
}

// Active returns the number of identities with a running worker.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Stop rejects new messages and waits for queued ones to be handled. When
// ctx ends first, in-flight handlers are cancelled and Stop returns
// ctx.Err().
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("chat: dispatcher: stop: %w", ctx.Err())
	}
}
