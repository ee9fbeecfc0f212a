// Package wearable tracks whether the companion watch is being worn and
// reports changes to the phone.
package wearable

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"protectord/internal/sensor"
)

// StatusChannel carries WATCH_<STATE> messages from the watch to the phone.
const StatusChannel = "/protector/watch_status"

// DefaultDebounce is the minimum gap between accepted flips.
const DefaultDebounce = 2000 * time.Millisecond

// State is the on-body state of the watch.
type State int

const (
	Unknown State = iota
	OnBody
	OffBody
)

func (s State) String() string {
	switch s {
	case OnBody:
		return "ON_BODY"
	case OffBody:
		return "OFF_BODY"
	default:
		return "UNKNOWN"
	}
}

// Message returns the wire form sent on StatusChannel.
func (s State) Message() string {
	return "WATCH_" + s.String()
}

// ParseStatus decodes a StatusChannel payload.
func ParseStatus(payload []byte) (State, bool) {
	switch strings.TrimSpace(string(payload)) {
	case "WATCH_ON_BODY":
		return OnBody, true
	case "WATCH_OFF_BODY":
		return OffBody, true
	default:
		return Unknown, false
	}
}

// Listener receives local capability callbacks.
type Listener interface {
	Worn()
	Removed()
	Unavailable()
}

// Link sends messages to the phone.
type Link interface {
	Send(ctx context.Context, channel string, payload []byte) error
}

// Options configures a Monitor.
type Options struct {
	Debounce time.Duration
	// Broadcast is called for every accepted flip.
	Broadcast func(State)
	Logger    *slog.Logger
}

// Monitor is the debounced on-body state machine.
type Monitor struct {
	mu         sync.Mutex
	state      State
	reported   State
	lastChange int64
	changed    bool
	listener   Listener
	sub        sensor.Subscription
	queue      chan State
	cancel     context.CancelFunc
	done       chan struct{}

	source    sensor.OnBodySource
	link      Link
	debounce  int64
	broadcast func(State)
	logger    *slog.Logger
}

// NewMonitor creates a monitor. source and link may be nil.
func NewMonitor(source sensor.OnBodySource, link Link, opts Options) *Monitor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		source:    source,
		link:      link,
		debounce:  opts.Debounce.Nanoseconds(),
		broadcast: opts.Broadcast,
		logger:    opts.Logger,
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Monitoring reports whether a listener is registered.
func (m *Monitor) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil
}

// StartMonitoring registers with the on-body source. When the capability is
// missing it calls l.Unavailable before returning sensor.ErrSensorUnavailable
// and registers nothing.
func (m *Monitor) StartMonitoring(ctx context.Context, l Listener) error {
	if m.source == nil || !m.source.Available() {
		m.logger.Warn("on-body sensor not available")
		if l != nil {
			l.Unavailable()
		}
		return sensor.ErrSensorUnavailable
	}

	m.mu.Lock()
	if m.queue != nil {
		m.mu.Unlock()
		return nil
	}
	m.listener = l
	queue := make(chan State, 8)
	m.queue = queue
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sendLoop(ctx, queue, m.done)
	m.mu.Unlock()

	sub, err := m.source.Subscribe(m.onSignal)
	if err != nil {
		m.shutdown()
		if l != nil {
			l.Unavailable()
		}
		return fmt.Errorf("subscribe on-body sensor: %w", err)
	}

	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	m.logger.Info("on-body monitoring started")
	return nil
}

// StopMonitoring unregisters synchronously. No callbacks are delivered after
// it returns.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub == nil {
		return
	}
	sub.Cancel()
	m.shutdown()
	m.logger.Info("on-body monitoring stopped")
}

func (m *Monitor) shutdown() {
	m.mu.Lock()
	queue, cancel, done := m.queue, m.cancel, m.done
	m.queue, m.cancel, m.done = nil, nil, nil
	m.mu.Unlock()

	if queue == nil {
		return
	}
	cancel()
	close(queue)
	<-done
}

func (m *Monitor) onSignal(value float64, tsNanos int64) {
	next := OffBody
	if value == 1.0 {
		next = OnBody
	}

	m.mu.Lock()
	if next == m.state {
		m.mu.Unlock()
		return
	}
	if m.changed && tsNanos-m.lastChange < m.debounce {
		m.mu.Unlock()
		m.logger.Debug("ignoring rapid on-body change", "state", next.String())
		return
	}
	prev := m.state
	m.state = next
	m.lastChange = tsNanos
	m.changed = true
	report := next != m.reported
	if report {
		m.reported = next
		select {
		case m.queue <- next:
		default:
			m.logger.Warn("watch status queue full, dropping", "state", next.String())
		}
	}
	l := m.listener
	m.mu.Unlock()

	m.logger.Info("watch state changed", "from", prev.String(), "to", next.String())
	if l != nil {
		if next == OnBody {
			l.Worn()
		} else {
			l.Removed()
		}
	}
	if m.broadcast != nil {
		m.broadcast(next)
	}
}

func (m *Monitor) sendLoop(ctx context.Context, queue <-chan State, done chan<- struct{}) {
	defer close(done)
	for s := range queue {
		if m.link == nil {
			continue
		}
		if ctx.Err() != nil {
			m.logger.Debug("dropping watch status, monitoring stopped", "state", s.String())
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := m.link.Send(sendCtx, StatusChannel, []byte(s.Message())); err != nil {
			m.logger.Warn("send watch status failed", "state", s.String(), "error", err)
		}
		cancel()
	}
}
