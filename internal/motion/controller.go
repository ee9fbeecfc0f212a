// Package motion implements the STATIONARY/MOVING/ALERT state machine that
// selects sampling cadence and raises theft detection on sustained
// acceleration.
package motion

import (
	"log/slog"
	"sync"
	"time"

	"protectord/internal/detector"
	"protectord/internal/sensor"
)

// State is the device motion state.
type State int

const (
	Stationary State = iota
	Moving
	Alert
)

func (s State) String() string {
	switch s {
	case Stationary:
		return "STATIONARY"
	case Moving:
		return "MOVING"
	case Alert:
		return "ALERT"
	default:
		return "UNKNOWN"
	}
}

// ParseState is the inverse of State.String. Unknown names map to Stationary.
func ParseState(s string) State {
	switch s {
	case "MOVING":
		return Moving
	case "ALERT":
		return Alert
	default:
		return Stationary
	}
}

// Defaults for Config.
const (
	DefaultThreshold = 12.0
	DefaultSustain   = 2000 * time.Millisecond
)

// Config holds the trigger parameters.
type Config struct {
	Threshold float64
	Sustain   time.Duration
}

// Hooks receive the controller's effects. They run on the caller's goroutine
// after the controller lock is released and must not block.
type Hooks struct {
	Cadence func(Cadence)
	Theft   func(magnitude float64)
	Listen  func(on bool)
	State   func(from, to State)
}

// Controller owns the motion state.
type Controller struct {
	mu        sync.Mutex
	state     State
	recording bool
	since     int64
	applied   Cadence
	lastScore float64
	peakScore float64

	threshold float64
	sustain   int64
	hooks     Hooks
	logger    *slog.Logger
}

// NewController creates a controller in the given initial state.
func NewController(initial State, cfg Config, hooks Hooks, logger *slog.Logger) *Controller {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Sustain <= 0 {
		cfg.Sustain = DefaultSustain
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		state:     initial,
		applied:   CadenceFor(initial),
		threshold: cfg.Threshold,
		sustain:   cfg.Sustain.Nanoseconds(),
		hooks:     hooks,
		logger:    logger,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cadence returns the cadence most recently requested.
func (c *Controller) Cadence() Cadence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// Confidence returns the last observed score and the peak since the last
// return to STATIONARY.
func (c *Controller) Confidence() (last, peak float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastScore, c.peakScore
}

// Band returns the confidence band of the last observed score.
func (c *Controller) Band() detector.Band {
	last, _ := c.Confidence()
	return detector.Classify(last)
}

type effects struct {
	cadence *Cadence
	theft   bool
	mag     float64
	listen  *bool
	from    State
	to      State
}

// Observe feeds one sample and the scorer's confidence for it.
func (c *Controller) Observe(s sensor.Sample, confidence float64) {
	c.mu.Lock()
	fx := effects{from: c.state, to: c.state}

	c.lastScore = confidence
	if confidence > c.peakScore {
		c.peakScore = confidence
	}

	if s.Magnitude > c.threshold {
		if !c.recording {
			c.recording = true
			c.since = s.TimestampNanos
			// poll fast while evidence accumulates
			fx.cadence = c.request(Cadence{Location: RequestFor(IntervalAlert), Rate: c.applied.Rate})
		} else if c.state != Alert && s.TimestampNanos-c.since >= c.sustain {
			c.state = Alert
			fx.to = Alert
			fx.theft = true
			fx.mag = s.Magnitude
			on := true
			fx.listen = &on
			fx.cadence = c.request(CadenceFor(Alert))
		}
	} else if c.recording || c.state == Alert {
		c.recording = false
		c.since = 0
		c.peakScore = 0
		if c.state == Alert {
			off := false
			fx.listen = &off
		}
		c.state = Stationary
		fx.to = Stationary
		fx.cadence = c.request(CadenceFor(Stationary))
	}
	c.mu.Unlock()

	c.apply(fx)
}

// SetMoving applies the distance-driven hint. It only switches between
// STATIONARY and MOVING; ALERT is left to the acceleration path.
func (c *Controller) SetMoving(moving bool) {
	c.mu.Lock()
	fx := effects{from: c.state, to: c.state}
	if c.state != Alert && !c.recording {
		next := Stationary
		if moving {
			next = Moving
		}
		if next != c.state {
			c.state = next
			fx.to = next
			fx.cadence = c.request(CadenceFor(next))
		}
	}
	c.mu.Unlock()

	c.apply(fx)
}

// request records a cadence and returns it if it differs from the last one.
func (c *Controller) request(next Cadence) *Cadence {
	if next == c.applied {
		return nil
	}
	c.applied = next
	return &next
}

func (c *Controller) apply(fx effects) {
	if fx.from != fx.to {
		c.logger.Info("motion state changed", "from", fx.from.String(), "to", fx.to.String())
		if c.hooks.State != nil {
			c.hooks.State(fx.from, fx.to)
		}
	}
	if fx.cadence != nil && c.hooks.Cadence != nil {
		c.hooks.Cadence(*fx.cadence)
	}
	if fx.theft && c.hooks.Theft != nil {
		c.hooks.Theft(fx.mag)
	}
	if fx.listen != nil && c.hooks.Listen != nil {
		c.hooks.Listen(*fx.listen)
	}
}
