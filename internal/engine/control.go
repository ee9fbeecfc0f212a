package engine

import (
	"context"
	"errors"
	"fmt"

	"protectord/internal/alert"
	"protectord/internal/config"
	"protectord/internal/detector"
	"protectord/internal/logging"
	"protectord/internal/proximity"
	"protectord/internal/sensor"
	"protectord/internal/store"
	"protectord/internal/voice"
	"protectord/internal/wearable"
)

// SetPaused sets the warnings-paused flag and persists it.
func (e *Engine) SetPaused(ctx context.Context, paused bool) error {
	prev := e.swapPaused(paused)

	if err := e.store.SetBool(store.KeyWarningsPaused, paused); err != nil {
		return fmt.Errorf("persist warnings paused: %w", err)
	}
	if prev != paused {
		e.record(ctx, logging.AuditWarningsPaused, "set warnings paused", map[string]any{"paused": paused})
	}
	return nil
}

// pauseFromVoice runs on the recognizer's callback, so it only flips the
// flag here. The store write goes through the saver.
func (e *Engine) pauseFromVoice(paused bool) {
	if e.swapPaused(paused) == paused {
		return
	}
	e.saver.mark()
	if e.audit != nil {
		go func() {
			defer logging.Recover(e.logger, "voice audit")
			e.record(context.Background(), logging.AuditWarningsPaused, "voice set warnings paused", map[string]any{"paused": paused})
		}()
	}
}

func (e *Engine) swapPaused(paused bool) bool {
	prev := e.paused.Swap(paused)
	e.mu.Lock()
	relay := e.relay
	e.mu.Unlock()
	if relay != nil {
		relay.SetPaused(paused)
	}
	return prev
}

// Paused reports the warnings-paused flag.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// SetRadius updates the proximity radius live and persists the value in
// effect. An out-of-range radius is replaced by the default, not rejected.
func (e *Engine) SetRadius(ctx context.Context, meters float64) (float64, error) {
	prev := e.proximity.Radius()
	v := e.proximity.SetRadius(meters)
	if err := e.store.SetFloat(store.KeyProximityRadius, v); err != nil {
		return v, fmt.Errorf("persist radius: %w", err)
	}
	if prev != v {
		e.record(ctx, logging.AuditRadiusChanged, "set radius", map[string]any{
			"from":      prev,
			"to":        v,
			"requested": meters,
		})
	}
	return v, nil
}

// Radius returns the proximity radius in effect.
func (e *Engine) Radius() float64 {
	return e.proximity.Radius()
}

// SetGeofence replaces the geofence and persists it.
func (e *Engine) SetGeofence(ctx context.Context, g proximity.Geofence) error {
	e.proximity.SetGeofence(g)
	g = e.proximity.Geofence()

	err := errors.Join(
		e.store.SetBool(store.KeyGeofenceEnabled, g.Enabled),
		e.store.SetFloat(store.KeyGeofenceLat, g.Center.Lat),
		e.store.SetFloat(store.KeyGeofenceLng, g.Center.Lng),
		e.store.SetFloat(store.KeyGeofenceRadius, g.RadiusMeters),
	)
	if err != nil {
		return fmt.Errorf("persist geofence: %w", err)
	}
	e.record(ctx, logging.AuditGeofenceChanged, "set geofence", map[string]any{
		"enabled": g.Enabled,
		"lat":     g.Center.Lat,
		"lng":     g.Center.Lng,
		"radius":  g.RadiusMeters,
	})
	return nil
}

// SetVoiceAuth toggles voice authorization and persists it.
func (e *Engine) SetVoiceAuth(on bool) error {
	e.gate.SetEnabled(on)
	if err := e.store.SetBool(store.KeyVoiceAuthEnabled, on); err != nil {
		return fmt.Errorf("persist voice auth: %w", err)
	}
	return nil
}

// Voice returns the voice gate, which implements voice.Callback.
func (e *Engine) Voice() *voice.Gate {
	return e.gate
}

// Train fits the baseline to recorded samples. Fewer than
// detector.MinTrainingSamples leaves the model untouched.
func (e *Engine) Train(ctx context.Context, samples []sensor.Sample) error {
	if err := e.scorer.Train(samples); err != nil {
		e.recordFailure(ctx, logging.AuditModelTrained, "train", err)
		return err
	}
	b := e.scorer.Baseline()
	e.metrics.SetBaseline(b)
	e.record(ctx, logging.AuditModelTrained, "train", map[string]any{
		"samples":  len(samples),
		"mean":     b.Mean,
		"variance": b.Variance,
	})
	return e.Save()
}

// Reset clears the model and persists the cleared state.
func (e *Engine) Reset(ctx context.Context) error {
	e.scorer.Reset()
	e.location.reset()
	e.metrics.SetBaseline(e.scorer.Baseline())
	e.record(ctx, logging.AuditModelReset, "reset", nil)
	return e.Save()
}

// Score feeds one sample through the scorer and motion controller
// synchronously. Sources normally do this through Start.
func (e *Engine) Score(s sensor.Sample) float64 {
	score := e.scorer.Score(s)
	e.motion.Observe(s, score)
	return score
}

// Evaluate feeds one location fix synchronously.
func (e *Engine) Evaluate(f sensor.Fix) {
	e.handleFix(f)
}

// WatchStatus records an on-body report from the companion and relays
// changes as WATCH_ON_BODY / WATCH_OFF_BODY alerts.
func (e *Engine) WatchStatus(s wearable.State) {
	if prev := wearable.State(e.watch.Swap(int32(s))); prev == s {
		return
	}
	e.metrics.WearableState(s.String())
	e.logger.Info("watch status", "state", s.String())

	switch s {
	case wearable.OnBody:
		e.emit(alert.WatchOnBody, "")
	case wearable.OffBody:
		e.emit(alert.WatchOffBody, "")
	}
}

// ApplyConfig applies the hot-reloadable settings that differ between
// prev and next. Values changed at runtime are kept unless the file
// changes them too.
func (e *Engine) ApplyConfig(ctx context.Context, prev, next *config.Config) {
	var changed []string
	if next.Proximity.Radius != prev.Proximity.Radius {
		if _, err := e.SetRadius(ctx, next.Proximity.Radius); err != nil {
			e.logger.Error("apply radius", "error", err)
		}
		changed = append(changed, "proximity.radius")
	}
	if next.Geofence != prev.Geofence {
		err := e.SetGeofence(ctx, proximity.Geofence{
			Enabled:      next.Geofence.Enabled,
			Center:       proximity.Point{Lat: next.Geofence.Lat, Lng: next.Geofence.Lng},
			RadiusMeters: next.Geofence.Radius,
		})
		if err != nil {
			e.logger.Error("apply geofence", "error", err)
		}
		changed = append(changed, "geofence")
	}
	if next.Voice.AuthEnabled != prev.Voice.AuthEnabled {
		if err := e.SetVoiceAuth(next.Voice.AuthEnabled); err != nil {
			e.logger.Error("apply voice auth", "error", err)
		}
		changed = append(changed, "voice.auth_enabled")
	}
	e.logger.Info("configuration applied", "changed", changed)
	e.record(ctx, logging.AuditConfigReload, "apply config", map[string]any{"changed": changed})
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running          bool               `json:"running"`
	Motion           string             `json:"motion"`
	Band             string             `json:"band"`
	Confidence       float64            `json:"confidence"`
	PeakConfidence   float64            `json:"peak_confidence"`
	Baseline         detector.Baseline  `json:"baseline"`
	PatternsDetected int                `json:"patterns_detected"`
	Radius           float64            `json:"radius"`
	ProximityHint    string             `json:"proximity_hint"`
	Geofence         proximity.Geofence `json:"geofence"`
	Watch            string             `json:"watch"`
	Paused           bool               `json:"paused"`
	VoiceAuth        bool               `json:"voice_auth"`
	Listening        bool               `json:"listening"`
	LocationInterval int64              `json:"location_interval_ms"`
	SensorRate       string             `json:"sensor_rate"`
	DroppedSamples   int64              `json:"dropped_samples"`
	DroppedFixes     int64              `json:"dropped_fixes"`
	Degraded         map[string]string  `json:"degraded,omitempty"`
}

// Status reports the current state.
func (e *Engine) Status() Status {
	last, peak := e.motion.Confidence()
	snap := e.scorer.Snapshot()
	cadence := e.Cadence()

	var degraded map[string]string
	if d := e.Degraded(); len(d) > 0 {
		degraded = make(map[string]string, len(d))
		for k, v := range d {
			degraded[k] = v.Error()
		}
	}

	return Status{
		Running:          e.Running(),
		Motion:           e.motion.State().String(),
		Band:             detector.Classify(last).String(),
		Confidence:       last,
		PeakConfidence:   peak,
		Baseline:         snap.Baseline,
		PatternsDetected: snap.PatternsDetected,
		Radius:           e.proximity.Radius(),
		ProximityHint:    e.proximity.Hint().String(),
		Geofence:         e.proximity.Geofence(),
		Watch:            wearable.State(e.watch.Load()).String(),
		Paused:           e.paused.Load(),
		VoiceAuth:        e.gate.Enabled(),
		Listening:        e.gate.Listening(),
		LocationInterval: cadence.Location.IntervalMs,
		SensorRate:       cadence.Rate.String(),
		DroppedSamples:   e.droppedSamples.Load(),
		DroppedFixes:     e.droppedFixes.Load(),
		Degraded:         degraded,
	}
}
