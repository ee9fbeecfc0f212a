// Package store provides SQLite-backed persistence for protectord:
// user preferences, the baseline model, and the alert history.
package store

// Preference keys. The names are shared with the companion app.
const (
	KeyProximityRadius       = "proximity_radius"
	KeyGeofenceEnabled       = "geofence_enabled"
	KeyGeofenceLat           = "geofence_lat"
	KeyGeofenceLng           = "geofence_lng"
	KeyGeofenceRadius        = "geofence_radius"
	KeyVoiceAuthEnabled      = "voice_auth_enabled"
	KeyWarningsPaused        = "warnings_paused"
	KeyModelTrained          = "ai_model_trained"
	KeyBaselineMean          = "baseline_mean"
	KeyBaselineVariance      = "baseline_variance"
	KeyTheftPatternsDetected = "theft_patterns_detected"
	KeyMotionState           = "motion_state"
)

// Preferences are the user-facing settings.
type Preferences struct {
	ProximityRadius  float64 `json:"proximity_radius"`
	GeofenceEnabled  bool    `json:"geofence_enabled"`
	GeofenceLat      float64 `json:"geofence_lat"`
	GeofenceLng      float64 `json:"geofence_lng"`
	GeofenceRadius   float64 `json:"geofence_radius"`
	VoiceAuthEnabled bool    `json:"voice_auth_enabled"`
	WarningsPaused   bool    `json:"warnings_paused"`
}

// DefaultPreferences returns the values used for missing keys.
func DefaultPreferences() Preferences {
	return Preferences{
		ProximityRadius: 50.0,
		GeofenceRadius:  100.0,
	}
}

// ModelState is the persisted baseline model.
type ModelState struct {
	Trained          bool    `json:"trained"`
	Mean             float64 `json:"mean"`
	Variance         float64 `json:"variance"`
	PatternsDetected int     `json:"patterns_detected"`
}

// AlertRecord is one dispatched alert.
type AlertRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	TimestampNs int64  `json:"timestamp_ns"`
	Delivered   bool   `json:"delivered"`
}
