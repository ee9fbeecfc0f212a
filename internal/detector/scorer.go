package detector

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"protectord/internal/sensor"
)

// Options configures a Scorer. Every field is optional.
type Options struct {
	Logger   *slog.Logger
	Context  ContextProvider
	Observer Observer

	// OnChange receives a snapshot after training, reset, every detected
	// pattern and every SaveEvery adaptive baseline updates. It must not
	// block.
	OnChange  func(Snapshot)
	SaveEvery int

	// Now is used for the time-of-day adjustment.
	Now func() time.Time
}

// Scorer computes a theft confidence for every acceleration sample.
// It is safe for concurrent use.
type Scorer struct {
	mu          sync.Mutex
	window      []sensor.Sample
	history     []MotionPattern
	baseline    Baseline
	patterns    int
	adaptations int

	logger    *slog.Logger
	context   ContextProvider
	observer  Observer
	onChange  func(Snapshot)
	saveEvery int
	now       func() time.Time
}

// New creates a scorer seeded from a persisted snapshot.
func New(snap Snapshot, opts Options) *Scorer {
	s := &Scorer{
		window:    make([]sensor.Sample, 0, WindowSize),
		logger:    opts.Logger,
		context:   opts.Context,
		observer:  opts.Observer,
		onChange:  opts.OnChange,
		saveEvery: opts.SaveEvery,
		now:       opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.saveEvery <= 0 {
		s.saveEvery = 50
	}
	s.Restore(snap)
	return s
}

// Restore replaces the baseline and pattern counter. The window and pattern
// history are left untouched.
func (s *Scorer) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline = snap.Baseline
	if math.IsNaN(s.baseline.Variance) || s.baseline.Variance < 0 {
		s.baseline.Variance = 0
	}
	s.patterns = snap.PatternsDetected
}

// Snapshot returns the persistable state.
func (s *Scorer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scorer) snapshotLocked() Snapshot {
	return Snapshot{Baseline: s.baseline, PatternsDetected: s.patterns}
}

// Baseline returns the current baseline.
func (s *Scorer) Baseline() Baseline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline
}

// PatternsDetected returns the number of samples that scored above
// PatternThreshold since the last reset.
func (s *Scorer) PatternsDetected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patterns
}

// History returns a copy of the recent pattern history, oldest first.
func (s *Scorer) History() []MotionPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MotionPattern, len(s.history))
	copy(out, s.history)
	return out
}

// WindowLen returns the number of samples currently held.
func (s *Scorer) WindowLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}

// scoreResult carries what happened during one sample so that callbacks can
// run after the lock is released.
type scoreResult struct {
	score    float64
	pattern  *MotionPattern
	adapted  bool
	baseline Baseline
	snapshot *Snapshot
}

// Score pushes the sample into the window and returns the fused confidence
// in [0, 1]. It returns 0 until the window is full, and 0 for malformed
// samples or any failure during computation.
func (s *Scorer) Score(sample sensor.Sample) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scoring failed", "panic", r)
			score = 0
		}
	}()

	if !sample.Finite() {
		s.logger.Debug("dropping non-finite sample", "ts", sample.TimestampNanos)
		return 0
	}

	res := s.score(sample)
	s.publish(res)
	return res.score
}

func (s *Scorer) score(sample sensor.Sample) scoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.window) == WindowSize {
		copy(s.window, s.window[1:])
		s.window = s.window[:WindowSize-1]
	}
	s.window = append(s.window, sample)
	if len(s.window) < WindowSize {
		return scoreResult{}
	}

	mags := make([]float64, len(s.window))
	for i, w := range s.window {
		mags[i] = w.Magnitude
	}

	now := s.now()
	location, contextAdj := 0.0, 1.0
	if s.context != nil {
		location = s.context.LocationAnomaly(now)
		contextAdj = s.context.ContextMultiplier(now)
	}

	raw := accelerationWeight*accelerationScore(mags, s.baseline) +
		jerkWeight*jerkScore(s.window) +
		orientationWeight*orientationScore(s.window) +
		locationWeight*location

	final := raw * behaviorAdjustment(now) * contextAdj
	if math.IsNaN(final) || final < 0 {
		final = 0
	}
	if final > 1 {
		final = 1
	}

	res := scoreResult{score: final}

	if final > PatternThreshold {
		p := MotionPattern{Sample: sample, Confidence: final, DetectedAt: now}
		s.history = append(s.history, p)
		if len(s.history) > PatternHistorySize {
			s.history = s.history[len(s.history)-PatternHistorySize:]
		}
		s.patterns++
		res.pattern = &p
		snap := s.snapshotLocked()
		res.snapshot = &snap
	}

	if s.baseline.Trained && final < AdaptationThreshold {
		s.adapt(sample.Magnitude)
		res.adapted = true
		res.baseline = s.baseline
		s.adaptations++
		if s.adaptations%s.saveEvery == 0 {
			snap := s.snapshotLocked()
			res.snapshot = &snap
		}
	}

	return res
}

// adapt applies exponential smoothing with the new magnitude.
func (s *Scorer) adapt(m float64) {
	s.baseline.Mean = smoothing*s.baseline.Mean + (1-smoothing)*m
	d := m - s.baseline.Mean
	s.baseline.Variance = smoothing*s.baseline.Variance + (1-smoothing)*d*d
}

func (s *Scorer) publish(res scoreResult) {
	if s.observer != nil {
		s.observer.ScoreComputed(res.score, Classify(res.score))
		if res.pattern != nil {
			s.observer.PatternDetected(*res.pattern)
		}
		if res.adapted {
			s.observer.BaselineAdapted(res.baseline)
		}
	}
	if res.snapshot != nil && s.onChange != nil {
		s.onChange(*res.snapshot)
	}
}

// Train computes the baseline from a recording of normal usage. Fewer than
// MinTrainingSamples finite samples leaves the scorer untouched.
func (s *Scorer) Train(samples []sensor.Sample) error {
	mags := make([]float64, 0, len(samples))
	for _, sm := range samples {
		if sm.Finite() {
			mags = append(mags, sm.Magnitude)
		}
	}
	if len(mags) < MinTrainingSamples {
		s.logger.Warn("insufficient training data", "samples", len(mags), "required", MinTrainingSamples)
		return fmt.Errorf("%w: got %d, need %d", ErrModelUntrained, len(mags), MinTrainingSamples)
	}

	mean, variance := stat.PopMeanVariance(mags, nil)

	s.mu.Lock()
	s.baseline = Baseline{Mean: mean, Variance: variance, Trained: true}
	s.adaptations = 0
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("model trained", "samples", len(mags), "mean", mean, "variance", variance)
	if s.onChange != nil {
		s.onChange(snap)
	}
	return nil
}

// Reset clears the baseline, the pattern counter, the window and the history.
func (s *Scorer) Reset() {
	s.mu.Lock()
	s.baseline = Baseline{}
	s.patterns = 0
	s.adaptations = 0
	s.window = s.window[:0]
	s.history = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("model reset")
	if s.onChange != nil {
		s.onChange(snap)
	}
}
