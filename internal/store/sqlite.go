package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested key or record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the handle for migration tooling.
func (s *Store) DB() *sql.DB { return s.db }

// =============================================================================
// Preferences
// =============================================================================

func (s *Store) get(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM preferences WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func put(x execer, key, value string) error {
	_, err := x.Exec(`
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func putIfAbsent(x execer, key, value string) error {
	_, err := x.Exec(
		"INSERT OR IGNORE INTO preferences (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("seed %s: %w", key, err)
	}
	return nil
}

// Float returns the float stored at key, or def when missing or malformed.
func (s *Store) Float(key string, def float64) float64 {
	v, err := s.get(key)
	if err != nil {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Bool returns the bool stored at key, or def.
func (s *Store) Bool(key string, def bool) bool {
	v, err := s.get(key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int returns the int stored at key, or def.
func (s *Store) Int(key string, def int) int {
	v, err := s.get(key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// String returns the string stored at key, or def.
func (s *Store) String(key, def string) string {
	v, err := s.get(key)
	if err != nil {
		return def
	}
	return v
}

// SetFloat stores a float.
func (s *Store) SetFloat(key string, v float64) error {
	return put(s.db, key, formatFloat(v))
}

// SetBool stores a bool.
func (s *Store) SetBool(key string, v bool) error {
	return put(s.db, key, strconv.FormatBool(v))
}

// SetInt stores an int.
func (s *Store) SetInt(key string, v int) error {
	return put(s.db, key, strconv.Itoa(v))
}

// SetString stores a string.
func (s *Store) SetString(key, v string) error {
	return put(s.db, key, v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func preferenceValues(p Preferences) [][2]string {
	return [][2]string{
		{KeyProximityRadius, formatFloat(p.ProximityRadius)},
		{KeyGeofenceEnabled, strconv.FormatBool(p.GeofenceEnabled)},
		{KeyGeofenceLat, formatFloat(p.GeofenceLat)},
		{KeyGeofenceLng, formatFloat(p.GeofenceLng)},
		{KeyGeofenceRadius, formatFloat(p.GeofenceRadius)},
		{KeyVoiceAuthEnabled, strconv.FormatBool(p.VoiceAuthEnabled)},
		{KeyWarningsPaused, strconv.FormatBool(p.WarningsPaused)},
	}
}

// LoadPreferences reads all preferences, substituting defaults for
// missing keys.
func (s *Store) LoadPreferences() Preferences {
	d := DefaultPreferences()
	return Preferences{
		ProximityRadius:  s.Float(KeyProximityRadius, d.ProximityRadius),
		GeofenceEnabled:  s.Bool(KeyGeofenceEnabled, d.GeofenceEnabled),
		GeofenceLat:      s.Float(KeyGeofenceLat, d.GeofenceLat),
		GeofenceLng:      s.Float(KeyGeofenceLng, d.GeofenceLng),
		GeofenceRadius:   s.Float(KeyGeofenceRadius, d.GeofenceRadius),
		VoiceAuthEnabled: s.Bool(KeyVoiceAuthEnabled, d.VoiceAuthEnabled),
		WarningsPaused:   s.Bool(KeyWarningsPaused, d.WarningsPaused),
	}
}

// SavePreferences writes all preferences in one transaction.
func (s *Store) SavePreferences(p Preferences) error {
	return s.tx(func(tx *sql.Tx) error {
		for _, kv := range preferenceValues(p) {
			if err := put(tx, kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

// SeedPreferences writes p only for keys that are not stored yet, so
// values changed at runtime survive restarts.
func (s *Store) SeedPreferences(p Preferences) error {
	return s.tx(func(tx *sql.Tx) error {
		for _, kv := range preferenceValues(p) {
			if err := putIfAbsent(tx, kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Baseline model
// =============================================================================

// LoadModel reads the persisted baseline. A fresh store yields the zero
// ModelState.
func (s *Store) LoadModel() ModelState {
	return ModelState{
		Trained:          s.Bool(KeyModelTrained, false),
		Mean:             s.Float(KeyBaselineMean, 0),
		Variance:         s.Float(KeyBaselineVariance, 0),
		PatternsDetected: s.Int(KeyTheftPatternsDetected, 0),
	}
}

// SaveModel writes the baseline atomically.
func (s *Store) SaveModel(m ModelState) error {
	return s.tx(func(tx *sql.Tx) error {
		for _, kv := range [][2]string{
			{KeyModelTrained, strconv.FormatBool(m.Trained)},
			{KeyBaselineMean, formatFloat(m.Mean)},
			{KeyBaselineVariance, formatFloat(m.Variance)},
			{KeyTheftPatternsDetected, strconv.Itoa(m.PatternsDetected)},
		} {
			if err := put(tx, kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) tx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// =============================================================================
// Alert history
// =============================================================================

// RecordAlert appends a dispatched alert. Recording the same ID twice
// updates the delivered flag.
func (s *Store) RecordAlert(ctx context.Context, a AlertRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, kind, message, timestamp_ns, delivered) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET delivered = excluded.delivered`,
		a.ID, a.Kind, a.Message, a.TimestampNs, a.Delivered)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// LastAlert returns the most recent alert or ErrNotFound.
func (s *Store) LastAlert(ctx context.Context) (*AlertRecord, error) {
	alerts, err := s.RecentAlerts(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, ErrNotFound
	}
	return &alerts[0], nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, message, timestamp_ns, delivered
		FROM alerts
		ORDER BY timestamp_ns DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.ID, &a.Kind, &a.Message, &a.TimestampNs, &a.Delivered); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AlertCounts returns the number of recorded alerts per kind.
func (s *Store) AlertCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM alerts GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// PruneAlerts deletes alerts older than the cutoff and returns how many
// were removed.
func (s *Store) PruneAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM alerts WHERE timestamp_ns < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return res.RowsAffected()
}

// IntegrityCheck runs sqlite's integrity check.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}
