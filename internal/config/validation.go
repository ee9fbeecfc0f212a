package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match any validation failure.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// IsWarning reports whether the issue is non-fatal. Radii out of range are
// replaced with defaults at runtime, so they only warn.
func (e *ValidationError) IsWarning() bool {
	switch e.Field {
	case "proximity.radius", "geofence.radius":
		return true
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			out = append(out, err)
		}
	}
	return out
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			out = append(out, err)
		}
	}
	return out
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// ValidateConfig checks every section. It returns nil or ValidationErrors
// holding at least one non-warning error.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateDetection(&c.Detection)...)
	errs = append(errs, validateRadii(c)...)
	errs = append(errs, validateCompanion(&c.Companion)...)
	errs = append(errs, validateStream(&c.Stream)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if c.Storage.Path == "" {
		errs = append(errs, ValidationError{Field: "storage.path", Message: "required field is missing"})
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, ValidationError{Field: "api.listen", Message: "listen address is required when the API is enabled"})
	}
	if c.API.ControlRate < 0 || c.API.ControlBurst < 0 {
		errs = append(errs, ValidationError{Field: "api.control_rate", Message: "rate limits cannot be negative"})
	}
	if c.Sources.Speed < 0 {
		errs = append(errs, ValidationError{Field: "sources.speed", Message: "speed cannot be negative"})
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateDetection(d *DetectionConfig) ValidationErrors {
	var errs ValidationErrors
	if d.Threshold <= 0 {
		errs = append(errs, ValidationError{Field: "detection.threshold", Message: "threshold must be positive"})
	}
	if d.SustainMs < 0 {
		errs = append(errs, ValidationError{Field: "detection.sustain_ms", Message: "sustain cannot be negative"})
	}
	if d.SaveEvery < 0 {
		errs = append(errs, ValidationError{Field: "detection.save_every", Message: "save_every cannot be negative"})
	}
	return errs
}

func validateRadii(c *Config) ValidationErrors {
	var errs ValidationErrors
	if c.Proximity.Radius < 1 || c.Proximity.Radius > 10000 {
		errs = append(errs, RangeError("proximity.radius", 1, 10000))
	}
	if c.Geofence.Radius <= 0 {
		errs = append(errs, ValidationError{Field: "geofence.radius", Message: "radius must be positive"})
	}
	if c.Geofence.Lat < -90 || c.Geofence.Lat > 90 {
		errs = append(errs, RangeError("geofence.lat", -90, 90))
	}
	if c.Geofence.Lng < -180 || c.Geofence.Lng > 180 {
		errs = append(errs, RangeError("geofence.lng", -180, 180))
	}
	return errs
}

func validateCompanion(m *CompanionConfig) ValidationErrors {
	var errs ValidationErrors
	if !m.Enabled {
		return nil
	}
	if !isValidBrokerURL(m.Broker) {
		errs = append(errs, ValidationError{
			Field:   "companion.broker",
			Message: fmt.Sprintf("invalid broker URL: %q", m.Broker),
		})
	}
	if m.QoS < 0 || m.QoS > 2 {
		errs = append(errs, RangeError("companion.qos", 0, 2))
	}
	if m.ClientID == "" {
		errs = append(errs, ValidationError{Field: "companion.client_id", Message: "required field is missing"})
	}
	return errs
}

func validateStream(s *StreamConfig) ValidationErrors {
	if !s.Enabled {
		return nil
	}
	var errs ValidationErrors
	if len(s.Brokers) == 0 {
		errs = append(errs, ValidationError{Field: "stream.brokers", Message: "at least one broker is required"})
	}
	if s.Topic == "" {
		errs = append(errs, ValidationError{Field: "stream.topic", Message: "required field is missing"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	if l.Output == "" {
		errs = append(errs, ValidationError{Field: "logging.output", Message: "log output is required"})
	}
	if l.Output == "file" && l.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.file_path",
			Message: "file path is required when output is 'file'",
		})
	}
	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "max backups cannot be negative"})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_age_days", Message: "max age cannot be negative"})
	}
	return errs
}

func isValidBrokerURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
		return true
	}
	return false
}
