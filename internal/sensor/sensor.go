// Package sensor defines the capability interfaces through which protectord
// receives acceleration samples, location fixes and on-body signals.
package sensor

import (
	"context"
	"errors"
	"math"
)

// Errors
var (
	ErrSensorUnavailable   = errors.New("sensor: capability not available")
	ErrPermissionDenied    = errors.New("sensor: permission denied")
	ErrLocationUnavailable = errors.New("sensor: location unavailable")
)

// Sample is a single calibrated 3-axis acceleration reading.
// Build it with NewSample so that Magnitude is always consistent.
type Sample struct {
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Z              float64 `json:"z"`
	Magnitude      float64 `json:"-"`
	TimestampNanos int64   `json:"ts"`
}

// NewSample creates a sample and computes its magnitude.
func NewSample(x, y, z float64, tsNanos int64) Sample {
	return Sample{
		X:              x,
		Y:              y,
		Z:              z,
		Magnitude:      math.Sqrt(x*x + y*y + z*z),
		TimestampNanos: tsNanos,
	}
}

// Finite reports whether every component of the sample is a finite number.
func (s Sample) Finite() bool {
	for _, v := range [...]float64{s.X, s.Y, s.Z, s.Magnitude} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Fix is a location fix.
type Fix struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	Accuracy       float64 `json:"accuracy"`
	TimestampNanos int64   `json:"ts"`
}

// Valid reports whether the fix carries usable coordinates.
func (f Fix) Valid() bool {
	if math.IsNaN(f.Lat) || math.IsNaN(f.Lng) || math.IsInf(f.Lat, 0) || math.IsInf(f.Lng, 0) {
		return false
	}
	return math.Abs(f.Lat) <= 90 && math.Abs(f.Lng) <= 180
}

// Rate is the delay hint given to an acceleration source.
type Rate int

const (
	// RateUI is the low-power delay used while nothing is happening.
	RateUI Rate = iota
	// RateNormal is the faster delay used while moving or alerting.
	RateNormal
)

func (r Rate) String() string {
	switch r {
	case RateNormal:
		return "normal"
	case RateUI:
		return "ui"
	default:
		return "unknown"
	}
}

// Priority is the accuracy mode requested from a location source.
type Priority int

const (
	PriorityBalanced Priority = iota
	PriorityHighAccuracy
)

func (p Priority) String() string {
	if p == PriorityHighAccuracy {
		return "high_accuracy"
	}
	return "balanced"
}

// LocationRequest describes how often a location source should deliver fixes.
type LocationRequest struct {
	Priority        Priority
	IntervalMs      int64
	MinIntervalMs   int64
	MaxBatchDelayMs int64
}

// Subscription is returned by every source. Cancel must be synchronous: once
// it returns no further callbacks are delivered.
type Subscription interface {
	Cancel()
}

// AccelerationSource delivers acceleration samples.
type AccelerationSource interface {
	Subscribe(ctx context.Context, rate Rate, fn func(Sample)) (Subscription, error)
}

// LocationSource delivers batched location fixes.
type LocationSource interface {
	Request(ctx context.Context, req LocationRequest, fn func([]Fix)) (Subscription, error)
}

// OnBodySource delivers the companion's binary on-body signal
// (1.0 on body, 0.0 off body).
type OnBodySource interface {
	Available() bool
	Subscribe(fn func(value float64, tsNanos int64)) (Subscription, error)
}
