package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCompanionUnreachable wraps failures to deliver to the companion.
var ErrCompanionUnreachable = errors.New("alert: companion unreachable")

// CompanionLink sends a payload on a named channel to the companion device.
type CompanionLink interface {
	Send(ctx context.Context, channel string, payload []byte) error
}

// Notifier shows a local notification. It must not block for long.
type Notifier interface {
	Notify(title, message string, p Priority)
}

// Sink receives every dispatched event, for history and streaming.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// Options configures a Relay.
type Options struct {
	QueueSize   int
	SendTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for queued events before
	// cancelling the remaining sends.
	DrainTimeout time.Duration
	Sinks        []Sink
	Logger       *slog.Logger

	// OnDispatch is called after each event is handed to the collaborators,
	// with the companion error if any.
	OnDispatch func(e Event, err error)
	// OnDrop is called for events that are suppressed or do not fit the queue.
	OnDrop func(e Event, reason string)
}

// Relay dispatches events on a background worker. Emit never blocks.
type Relay struct {
	link     CompanionLink
	notifier Notifier
	opts     Options
	logger   *slog.Logger
	paused   atomic.Bool

	mu      sync.RWMutex
	queue   chan Event
	closed  bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRelay creates a relay. link and notifier may be nil.
func NewRelay(link CompanionLink, notifier Notifier, opts Options) *Relay {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		link:     link,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		queue:    make(chan Event, opts.QueueSize),
		done:     make(chan struct{}),
	}
}

// SetPaused sets the warnings-paused flag. While set every event is dropped.
func (r *Relay) SetPaused(p bool) {
	if r.paused.Swap(p) != p {
		r.logger.Info("warnings paused changed", "paused", p)
	}
}

// Paused reports the warnings-paused flag.
func (r *Relay) Paused() bool {
	return r.paused.Load()
}

// Start runs the dispatch worker until Stop is called. Cancelling ctx
// does not stop the worker; Stop does.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go r.run(ctx)
}

// Stop gives queued events up to DrainTimeout to go out, then cancels the
// sends still pending and waits for the worker to exit.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	started, cancel := r.started, r.cancel
	r.mu.Unlock()

	if !started {
		return
	}
	timer := time.NewTimer(r.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		r.logger.Warn("alert drain timed out, cancelling pending sends", "pending", len(r.queue))
		cancel()
		<-r.done
	}
	cancel()
}

// Emit creates and enqueues an event. It reports whether the event was
// accepted.
func (r *Relay) Emit(k Kind, message string) bool {
	return r.Send(NewEvent(k, message))
}

// Send enqueues an event. It reports whether the event was accepted.
func (r *Relay) Send(e Event) bool {
	if r.paused.Load() {
		r.logger.Debug("alert suppressed, warnings paused", "kind", string(e.Kind))
		r.drop(e, "paused")
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(e, "stopped")
		return false
	}
	select {
	case r.queue <- e:
		return true
	default:
		r.logger.Warn("alert queue full, dropping", "kind", string(e.Kind), "id", e.ID)
		r.drop(e, "queue_full")
		return false
	}
}

func (r *Relay) drop(e Event, reason string) {
	if r.opts.OnDrop != nil {
		r.opts.OnDrop(e, reason)
	}
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	for e := range r.queue {
		r.dispatch(ctx, e)
	}
}

func (r *Relay) dispatch(ctx context.Context, e Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("alert dispatch panicked", "kind", string(e.Kind), "panic", p)
		}
	}()

	if r.notifier != nil {
		r.notifier.Notify(Title(e.Kind), e.Message, PriorityFor(e.Kind))
	}

	if err := ctx.Err(); err != nil {
		linkErr := fmt.Errorf("%w: %v", ErrCompanionUnreachable, err)
		r.logger.Warn("companion delivery cancelled", "kind", string(e.Kind), "id", e.ID)
		if r.opts.OnDispatch != nil {
			r.opts.OnDispatch(e, linkErr)
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
	defer cancel()

	var linkErr error
	if r.link != nil {
		if err := r.link.Send(sendCtx, Channel, e.Payload()); err != nil {
			linkErr = fmt.Errorf("%w: %v", ErrCompanionUnreachable, err)
			r.logger.Warn("companion delivery failed", "kind", string(e.Kind), "id", e.ID, "error", err)
		}
	}

	for _, s := range r.opts.Sinks {
		if err := s.Deliver(sendCtx, e); err != nil {
			r.logger.Warn("alert sink failed", "kind", string(e.Kind), "error", err)
		}
	}

	r.logger.Info("alert dispatched", "kind", string(e.Kind), "id", e.ID)
	if r.opts.OnDispatch != nil {
		r.opts.OnDispatch(e, linkErr)
	}
}
