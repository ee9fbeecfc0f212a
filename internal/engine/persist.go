package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"protectord/internal/detector"
	"protectord/internal/logging"
	"protectord/internal/metrics"
	"protectord/internal/motion"
	"protectord/internal/store"
)

// Persistence is the part of the store the engine uses. *store.Store
// implements it.
type Persistence interface {
	LoadPreferences() store.Preferences
	LoadModel() store.ModelState
	SaveModel(m store.ModelState) error
	String(key, def string) string
	SetString(key, v string) error
	SetBool(key string, v bool) error
	SetFloat(key string, v float64) error
	RecordAlert(ctx context.Context, a store.AlertRecord) error
}

// Snapshot is the persisted engine state.
type Snapshot struct {
	Model  detector.Snapshot
	Motion motion.State
	Paused bool
}

// Load reads the snapshot, falling back to defaults for missing keys.
func Load(p Persistence) Snapshot {
	m := p.LoadModel()
	return Snapshot{
		Model: detector.Snapshot{
			Baseline: detector.Baseline{
				Mean:     m.Mean,
				Variance: m.Variance,
				Trained:  m.Trained,
			},
			PatternsDetected: m.PatternsDetected,
		},
		Motion: motion.ParseState(p.String(store.KeyMotionState, motion.Stationary.String())),
		Paused: p.LoadPreferences().WarningsPaused,
	}
}

// Save writes the snapshot.
func Save(p Persistence, s Snapshot) error {
	err := p.SaveModel(store.ModelState{
		Trained:          s.Model.Baseline.Trained,
		Mean:             s.Model.Baseline.Mean,
		Variance:         s.Model.Baseline.Variance,
		PatternsDetected: s.Model.PatternsDetected,
	})
	if err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if err := p.SetString(store.KeyMotionState, s.Motion.String()); err != nil {
		return fmt.Errorf("save motion state: %w", err)
	}
	if err := p.SetBool(store.KeyWarningsPaused, s.Paused); err != nil {
		return fmt.Errorf("save warnings paused: %w", err)
	}
	return nil
}

// saver writes snapshots on its own goroutine. Marks coalesce: a flush
// always persists the state current at flush time.
type saver struct {
	mu    sync.Mutex
	dirty bool
	wake  chan struct{}

	take    func() Snapshot
	persist Persistence
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newSaver(p Persistence, take func() Snapshot, m *metrics.Metrics, logger *slog.Logger) *saver {
	return &saver{
		wake:    make(chan struct{}, 1),
		take:    take,
		persist: p,
		metrics: m,
		logger:  logger,
	}
}

func (s *saver) mark() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *saver) run(ctx context.Context) error {
	defer logging.Recover(s.logger, "snapshot saver")
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case <-s.wake:
			s.flush()
		}
	}
}

func (s *saver) flush() {
	s.mu.Lock()
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()
	if !dirty {
		return
	}

	err := Save(s.persist, s.take())
	s.metrics.SnapshotSaved(err)
	if err != nil {
		s.logger.Error("snapshot save failed", "error", err)
		return
	}
	s.logger.Debug("snapshot saved")
}
