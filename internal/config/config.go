// Package config handles configuration loading, validation, and management for protectord.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Detection tunes the anomaly scorer and motion controller.
	Detection DetectionConfig `toml:"detection" json:"detection" yaml:"detection"`

	// Proximity seeds the forgotten-device radius.
	Proximity ProximityConfig `toml:"proximity" json:"proximity" yaml:"proximity"`

	// Geofence seeds the safe zone.
	Geofence GeofenceConfig `toml:"geofence" json:"geofence" yaml:"geofence"`

	// Voice seeds voice authorization.
	Voice VoiceConfig `toml:"voice" json:"voice" yaml:"voice"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Companion is the MQTT link to the wearable.
	Companion CompanionConfig `toml:"companion" json:"companion" yaml:"companion"`

	// Stream publishes dispatched alerts to Kafka.
	Stream StreamConfig `toml:"stream" json:"stream" yaml:"stream"`

	// Notify configures the desktop notifier.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`

	// API is the local status endpoint.
	API APIConfig `toml:"api" json:"api" yaml:"api"`

	// Sources are recorded sensor files replayed into the engine.
	Sources SourcesConfig `toml:"sources" json:"sources" yaml:"sources"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// DetectionConfig tunes detection.
type DetectionConfig struct {
	// Threshold is the acceleration magnitude (m/s²) that starts a recording.
	Threshold float64 `toml:"threshold" json:"threshold" yaml:"threshold"`

	// SustainMs is how long the magnitude must stay above Threshold.
	SustainMs int64 `toml:"sustain_ms" json:"sustain_ms" yaml:"sustain_ms"`

	// SaveEvery persists the baseline after this many adaptations.
	SaveEvery int `toml:"save_every" json:"save_every" yaml:"save_every"`

	// TrainingFile is a JSONL sample recording used by "protectord train"
	// when no file argument is given.
	TrainingFile string `toml:"training_file" json:"training_file" yaml:"training_file"`
}

// ProximityConfig seeds the proximity radius.
type ProximityConfig struct {
	Radius float64 `toml:"radius" json:"radius" yaml:"radius"`
}

// GeofenceConfig seeds the safe zone.
type GeofenceConfig struct {
	Enabled bool    `toml:"enabled" json:"enabled" yaml:"enabled"`
	Lat     float64 `toml:"lat" json:"lat" yaml:"lat"`
	Lng     float64 `toml:"lng" json:"lng" yaml:"lng"`
	Radius  float64 `toml:"radius" json:"radius" yaml:"radius"`
}

// VoiceConfig seeds voice authorization.
type VoiceConfig struct {
	AuthEnabled bool `toml:"auth_enabled" json:"auth_enabled" yaml:"auth_enabled"`

	// Topic carries recognition results as JSON {"text","authorized"}.
	Topic string `toml:"topic" json:"topic" yaml:"topic"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Path is the sqlite database file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// CompanionConfig holds the MQTT broker settings.
type CompanionConfig struct {
	Enabled  bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Broker   string `toml:"broker" json:"broker" yaml:"broker"`
	ClientID string `toml:"client_id" json:"client_id" yaml:"client_id"`
	QoS      int    `toml:"qos" json:"qos" yaml:"qos"`

	// ConnectTimeoutSec bounds the initial connection.
	ConnectTimeoutSec int `toml:"connect_timeout_sec" json:"connect_timeout_sec" yaml:"connect_timeout_sec"`
}

// StreamConfig holds the Kafka alert stream settings.
type StreamConfig struct {
	Enabled bool     `toml:"enabled" json:"enabled" yaml:"enabled"`
	Brokers []string `toml:"brokers" json:"brokers" yaml:"brokers"`
	Topic   string   `toml:"topic" json:"topic" yaml:"topic"`
}

// NotifyConfig selects the notifier.
type NotifyConfig struct {
	// DBus uses org.freedesktop.Notifications when a session bus is available.
	DBus bool `toml:"dbus" json:"dbus" yaml:"dbus"`
}

// APIConfig holds the HTTP status endpoint settings.
type APIConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`

	// ControlRate is the sustained PUT rate allowed per client, per second.
	ControlRate  float64 `toml:"control_rate" json:"control_rate" yaml:"control_rate"`
	ControlBurst int     `toml:"control_burst" json:"control_burst" yaml:"control_burst"`
}

// SourcesConfig points at recorded sensor files.
type SourcesConfig struct {
	Acceleration string `toml:"acceleration" json:"acceleration" yaml:"acceleration"`
	Location     string `toml:"location" json:"location" yaml:"location"`
	OnBody       string `toml:"on_body" json:"on_body" yaml:"on_body"`

	// Speed scales replay timing; 0 replays as fast as possible.
	Speed float64 `toml:"speed" json:"speed" yaml:"speed"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", or a file path.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ProtectordDir()

	return &Config{
		Version: Version,
		Detection: DetectionConfig{
			Threshold: 12.0,
			SustainMs: 2000,
			SaveEvery: 50,
		},
		Proximity: ProximityConfig{
			Radius: 50.0,
		},
		Geofence: GeofenceConfig{
			Radius: 100.0,
		},
		Voice: VoiceConfig{
			Topic: "/protector/voice",
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "protectord.db"),
		},
		Companion: CompanionConfig{
			Broker:            "tcp://localhost:1883",
			ClientID:          "protectord",
			QoS:               1,
			ConnectTimeoutSec: 10,
		},
		Stream: StreamConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "protector.alerts",
		},
		Notify: NotifyConfig{
			DBus: true,
		},
		API: APIConfig{
			Enabled:      true,
			Listen:       "127.0.0.1:8787",
			ControlRate:  2,
			ControlBurst: 5,
		},
		Sources: SourcesConfig{
			Speed: 1.0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "protectord.log"),
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ProtectordDir(), "config.toml")
}

// ProtectordDir returns the data directory. PROTECTORD_DATA_DIR overrides
// the platform default.
func ProtectordDir() string {
	if envDir := os.Getenv("PROTECTORD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads the configuration at path, falling back to defaults when the
// file does not exist. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configuration points into.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dirs := []string{ProtectordDir(), filepath.Dir(c.Storage.Path)}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies PROTECTORD_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("PROTECTORD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PROTECTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROTECTORD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("PROTECTORD_MQTT_BROKER"); v != "" {
		c.Companion.Broker = v
	}
	if v := os.Getenv("PROTECTORD_KAFKA_BROKERS"); v != "" {
		c.Stream.Brokers = splitList(v)
	}
	if v := os.Getenv("PROTECTORD_API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("PROTECTORD_PROXIMITY_RADIUS"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.Proximity.Radius = r
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Detection: c.Detection,
		Proximity: c.Proximity,
		Geofence:  c.Geofence,
		Voice:     c.Voice,
		Storage:   c.Storage,
		Companion: c.Companion,
		Stream:    c.Stream,
		Notify:    c.Notify,
		API:       c.API,
		Sources:   c.Sources,
		Logging:   c.Logging,
	}
	clone.Stream.Brokers = append([]string{}, c.Stream.Brokers...)
	return clone
}

// SaveConfig writes cfg to path in the format implied by its extension.
func SaveConfig(cfg *Config, path string) error {
	cfg.mu.RLock()
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var b strings.Builder
		err = toml.NewEncoder(&b).Encode(cfg)
		data = []byte(b.String())
	}
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
