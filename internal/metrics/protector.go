package metrics

import (
	"protectord/internal/detector"
)

var (
	motionStates   = []string{"STATIONARY", "MOVING", "ALERT"}
	wearableStates = []string{"UNKNOWN", "ON_BODY", "OFF_BODY"}
)

// ScoreComputed implements detector.Observer.
func (m *Metrics) ScoreComputed(score float64, band detector.Band) {
	if m == nil {
		return
	}
	m.samplesTotal.Inc()
	m.scoreHistogram.Observe(score)
	m.bandTotal.WithLabelValues(band.String()).Inc()
}

// PatternDetected implements detector.Observer.
func (m *Metrics) PatternDetected(detector.MotionPattern) {
	if m == nil {
		return
	}
	m.patternsTotal.Inc()
}

// BaselineAdapted implements detector.Observer.
func (m *Metrics) BaselineAdapted(b detector.Baseline) {
	m.SetBaseline(b)
}

// SetBaseline publishes the current baseline.
func (m *Metrics) SetBaseline(b detector.Baseline) {
	if m == nil {
		return
	}
	m.baselineMean.Set(b.Mean)
	m.baselineVariance.Set(b.Variance)
	if b.Trained {
		m.baselineTrained.Set(1)
	} else {
		m.baselineTrained.Set(0)
	}
}

// MotionState records the current motion state and, when from differs
// from to, a transition.
func (m *Metrics) MotionState(from, to string) {
	if m == nil {
		return
	}
	for _, s := range motionStates {
		v := 0.0
		if s == to {
			v = 1
		}
		m.motionState.WithLabelValues(s).Set(v)
	}
	if from != to {
		m.transitionsTotal.WithLabelValues(from, to).Inc()
	}
}

// WearableState records the current wearable state.
func (m *Metrics) WearableState(state string) {
	if m == nil {
		return
	}
	for _, s := range wearableStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.wearableState.WithLabelValues(s).Set(v)
	}
}

// ProximityEvaluated records the distances of one evaluation. A negative
// geofence distance means no geofence is configured.
func (m *Metrics) ProximityEvaluated(distance, geofenceDistance float64) {
	if m == nil {
		return
	}
	m.proximityDistance.Set(distance)
	if geofenceDistance >= 0 {
		m.geofenceDistance.Set(geofenceDistance)
	}
}

// LocationUnavailable counts a skipped fix.
func (m *Metrics) LocationUnavailable() {
	if m == nil {
		return
	}
	m.locationErrors.Inc()
}

// AlertDispatched counts a dispatched alert and a companion failure.
func (m *Metrics) AlertDispatched(kind string, companionErr error) {
	if m == nil {
		return
	}
	m.alertsDispatched.WithLabelValues(kind).Inc()
	if companionErr != nil {
		m.companionErrors.Inc()
	}
}

// AlertDropped counts an alert that was not dispatched.
func (m *Metrics) AlertDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.alertsDropped.WithLabelValues(kind, reason).Inc()
}

// SnapshotSaved counts a baseline save.
func (m *Metrics) SnapshotSaved(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.snapshotSaves.WithLabelValues(result).Inc()
}

// SourceDegraded marks a sensor source as degraded or healthy.
func (m *Metrics) SourceDegraded(source string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	m.sourceDegraded.WithLabelValues(source).Set(v)
}
