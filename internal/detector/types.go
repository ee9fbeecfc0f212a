// Package detector implements the adaptive theft-confidence scorer.
//
// The scorer keeps a sliding window of acceleration samples and fuses four
// indicators over it:
// - acceleration pattern (variance against the learned baseline, peaks, spikes)
// - jerk (rate of change of magnitude)
// - orientation change between consecutive samples
// - location anomaly, supplied by an optional ContextProvider
//
// A learned baseline of normal usage is trained explicitly and afterwards
// drifts slowly with samples that score as clearly normal.
package detector

import (
	"errors"
	"time"

	"protectord/internal/sensor"
)

// Model parameters.
const (
	WindowSize          = 50
	MinTrainingSamples  = 500
	PatternHistorySize  = 100
	PatternThreshold    = 0.5
	AdaptationThreshold = 0.3

	accelerationWeight = 0.4
	jerkWeight         = 0.3
	orientationWeight  = 0.2
	locationWeight     = 0.1

	nightMultiplier = 1.3
	smoothing       = 0.99
)

// ErrModelUntrained is returned by Train when too few samples are supplied.
var ErrModelUntrained = errors.New("detector: insufficient training samples")

// Baseline is the learned model of normal-usage acceleration magnitude.
type Baseline struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Trained  bool    `json:"trained"`
}

// MotionPattern records a sample that scored above PatternThreshold.
type MotionPattern struct {
	Sample     sensor.Sample `json:"sample"`
	Confidence float64       `json:"confidence"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Snapshot is the persisted state of the scorer.
type Snapshot struct {
	Baseline         Baseline `json:"baseline"`
	PatternsDetected int      `json:"patterns_detected"`
}

// Band is a coarse theft-confidence level.
type Band int

const (
	BandNone Band = iota
	BandLow
	BandMedium
	BandHigh
)

func (b Band) String() string {
	switch b {
	case BandNone:
		return "NONE"
	case BandLow:
		return "LOW"
	case BandMedium:
		return "MEDIUM"
	case BandHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// Classify maps a score to its confidence band.
func Classify(score float64) Band {
	switch {
	case score < 0.3:
		return BandNone
	case score < 0.5:
		return BandLow
	case score < 0.75:
		return BandMedium
	default:
		return BandHigh
	}
}

// ContextProvider supplies the location anomaly score and context multiplier.
type ContextProvider interface {
	LocationAnomaly(now time.Time) float64
	ContextMultiplier(now time.Time) float64
}

// Observer receives scoring events. Implementations must not block.
type Observer interface {
	ScoreComputed(score float64, band Band)
	PatternDetected(p MotionPattern)
	BaselineAdapted(b Baseline)
}
