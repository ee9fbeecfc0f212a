// Package proximity evaluates location fixes against the reference point the
// device was left at and against an optional geofence.
package proximity

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"protectord/internal/sensor"
)

const (
	// EarthRadius is the mean Earth radius in meters.
	EarthRadius = 6371000.0

	DefaultRadius         = 50.0
	MinRadius             = 1.0
	MaxRadius             = 10000.0
	DefaultGeofenceRadius = 100.0

	moveRatio   = 0.5
	settleRatio = 0.2
)

// ErrInvalidConfig reports a radius outside [MinRadius, MaxRadius].
var ErrInvalidConfig = errors.New("proximity: invalid configuration")

// Point is a geographic coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ValidateRadius returns r when it is within range, otherwise DefaultRadius
// and an error wrapping ErrInvalidConfig.
func ValidateRadius(r float64) (float64, error) {
	if math.IsNaN(r) || r < MinRadius || r > MaxRadius {
		return DefaultRadius, fmt.Errorf("%w: radius %v outside [%v, %v]", ErrInvalidConfig, r, MinRadius, MaxRadius)
	}
	return r, nil
}

// Geofence is a fixed safe zone. A zero center means no zone is set.
type Geofence struct {
	Enabled      bool    `json:"enabled"`
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Configured reports whether the geofence should be checked.
func (g Geofence) Configured() bool {
	return g.Enabled && (g.Center.Lat != 0 || g.Center.Lng != 0)
}

// Hint is the distance-driven cadence hint.
type Hint int

const (
	Settled Hint = iota
	Moving
)

func (h Hint) String() string {
	if h == Moving {
		return "moving"
	}
	return "settled"
}

// Result is the outcome of evaluating one fix.
type Result struct {
	Breached    bool
	Distance    float64
	Hint        Hint
	HintChanged bool

	GeofenceExit     bool
	GeofenceDistance float64
}

// BreachMessage formats the proximity warning for a distance in meters.
func BreachMessage(distance float64) string {
	return fmt.Sprintf("Don't forget your device - %dm away", int64(math.Round(distance)))
}

// Evaluator owns the reference point, radius, hint and geofence.
type Evaluator struct {
	mu        sync.Mutex
	radius    float64
	reference *Point
	hint      Hint
	fence     Geofence
	logger    *slog.Logger
}

// NewEvaluator creates an evaluator. An out-of-range radius is replaced by
// DefaultRadius.
func NewEvaluator(radius float64, fence Geofence, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{logger: logger}
	e.SetRadius(radius)
	e.SetGeofence(fence)
	return e
}

// SetRadius updates the proximity radius and returns the value in effect.
func (e *Evaluator) SetRadius(r float64) float64 {
	v, err := ValidateRadius(r)
	if err != nil {
		e.logger.Warn("substituting default radius", "error", err, "radius", v)
	}
	e.mu.Lock()
	e.radius = v
	e.mu.Unlock()
	return v
}

// Radius returns the radius in effect.
func (e *Evaluator) Radius() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.radius
}

// SetGeofence replaces the geofence. A non-positive radius uses
// DefaultGeofenceRadius.
func (e *Evaluator) SetGeofence(g Geofence) {
	if g.RadiusMeters <= 0 || math.IsNaN(g.RadiusMeters) {
		g.RadiusMeters = DefaultGeofenceRadius
	}
	e.mu.Lock()
	e.fence = g
	e.mu.Unlock()
}

// Geofence returns the current geofence.
func (e *Evaluator) Geofence() Geofence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fence
}

// Reference returns the reference point, if one has been captured.
func (e *Evaluator) Reference() (Point, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reference == nil {
		return Point{}, false
	}
	return *e.reference, true
}

// ResetReference forgets the reference point; the next valid fix becomes
// the new one.
func (e *Evaluator) ResetReference() {
	e.mu.Lock()
	e.reference = nil
	e.hint = Settled
	e.mu.Unlock()
}

// Settle forces the hint back to settled without a cadence request.
func (e *Evaluator) Settle() {
	e.mu.Lock()
	e.hint = Settled
	e.mu.Unlock()
}

// Hint returns the current hint.
func (e *Evaluator) Hint() Hint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hint
}

// Evaluate processes one fix. Invalid fixes return an error wrapping
// sensor.ErrLocationUnavailable and leave the state untouched.
func (e *Evaluator) Evaluate(fix sensor.Fix) (Result, error) {
	if !fix.Valid() {
		return Result{}, fmt.Errorf("evaluate fix: %w", sensor.ErrLocationUnavailable)
	}
	cur := Point{Lat: fix.Lat, Lng: fix.Lng}

	e.mu.Lock()
	defer e.mu.Unlock()

	res := Result{Hint: e.hint}

	if e.reference == nil {
		e.reference = &cur
	} else {
		d := Distance(*e.reference, cur)
		res.Distance = d

		switch {
		case e.hint == Settled && d > moveRatio*e.radius:
			e.hint = Moving
			res.HintChanged = true
		case e.hint == Moving && d < settleRatio*e.radius:
			e.hint = Settled
			res.HintChanged = true
		}
		res.Hint = e.hint
		res.Breached = d > e.radius
	}

	if e.fence.Configured() {
		gd := Distance(e.fence.Center, cur)
		res.GeofenceDistance = gd
		res.GeofenceExit = gd > e.fence.RadiusMeters
	}

	return res, nil
}
