package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"protectord/internal/config"
)

// AuditEventType names a user-visible change to protection.
type AuditEventType string

const (
	AuditStartup         AuditEventType = "startup"
	AuditShutdown        AuditEventType = "shutdown"
	AuditWarningsPaused  AuditEventType = "warnings_paused"
	AuditRadiusChanged   AuditEventType = "radius_changed"
	AuditGeofenceChanged AuditEventType = "geofence_changed"
	AuditModelTrained    AuditEventType = "model_trained"
	AuditModelReset      AuditEventType = "model_reset"
	AuditVoiceEscalation AuditEventType = "voice_escalation"
	AuditConfigReload    AuditEventType = "config_reload"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(config.PlatformLogDir(), "audit.log"),
		MaxSize:    5,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
	}
}

// AuditLogger appends AuditEvents as JSON lines to a rotated file.
type AuditLogger struct {
	mu      sync.Mutex
	rotator *FileRotator
	now     func() time.Time
}

// NewAuditLogger opens the audit trail.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return &AuditLogger{rotator: rotator, now: time.Now}, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Result == "" {
		event.Result = "success"
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Record is Log for the common case.
func (a *AuditLogger) Record(ctx context.Context, t AuditEventType, action string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{EventType: t, Action: action, Details: details})
}

// RecordFailure logs a failed action with its error.
func (a *AuditLogger) RecordFailure(ctx context.Context, t AuditEventType, action string, err error) error {
	return a.Log(ctx, AuditEvent{EventType: t, Action: action, Result: "failure", Error: err.Error()})
}

// Sync flushes the audit file.
func (a *AuditLogger) Sync() error {
	return a.rotator.Sync()
}

// Close closes the audit file.
func (a *AuditLogger) Close() error {
	return a.rotator.Close()
}
