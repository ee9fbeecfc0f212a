// Package notify shows alert notifications on the local desktop through
// org.freedesktop.Notifications, falling back to the log.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"protectord/internal/alert"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyCall = busName + ".Notify"
)

// Urgency hint levels understood by freedesktop notification servers.
const (
	urgencyLow      byte = 0
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Desktop is an alert.Notifier backed by the session bus.
type Desktop struct {
	appName string
	conn    *dbus.Conn
	obj     caller
	logger  *slog.Logger

	mu sync.Mutex
	// notification ids per title, so repeated alerts replace each other
	ids map[string]uint32
}

// Connect opens a private session bus connection.
func Connect(appName string, logger *slog.Logger) (*Desktop, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	d := newDesktop(appName, conn.Object(busName, objectPath), logger)
	d.conn = conn
	return d, nil
}

func newDesktop(appName string, obj caller, logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{
		appName: appName,
		obj:     obj,
		logger:  logger,
		ids:     make(map[string]uint32),
	}
}

// Notify implements alert.Notifier.
func (d *Desktop) Notify(title, message string, p alert.Priority) {
	d.mu.Lock()
	replaces := d.ids[title]
	d.mu.Unlock()

	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgency(p))}
	timeout := int32(-1)
	if p == alert.PriorityMax {
		timeout = 0 // never expires
	}

	call := d.obj.Call(notifyCall, 0,
		d.appName, replaces, "dialog-warning", title, message, []string{}, hints, timeout)
	if call.Err != nil {
		d.logger.Warn("desktop notification failed", "error", call.Err, "title", title)
		logNotification(d.logger, title, message, p)
		return
	}

	var id uint32
	if err := call.Store(&id); err == nil {
		d.mu.Lock()
		d.ids[title] = id
		d.mu.Unlock()
	}
}

// Close releases the bus connection.
func (d *Desktop) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func urgency(p alert.Priority) byte {
	switch p {
	case alert.PriorityMax:
		return urgencyCritical
	case alert.PriorityHigh:
		return urgencyNormal
	default:
		return urgencyLow
	}
}

// Log is an alert.Notifier that only writes to the logger.
type Log struct {
	Logger *slog.Logger
}

// Notify implements alert.Notifier.
func (l Log) Notify(title, message string, p alert.Priority) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logNotification(logger, title, message, p)
}

func logNotification(logger *slog.Logger, title, message string, p alert.Priority) {
	level := slog.LevelInfo
	if p >= alert.PriorityHigh {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "notification", "title", title, "message", message, "priority", p.String())
}

// New returns a desktop notifier when useDBus is set and the session bus is
// reachable, and a Log notifier otherwise. The returned close function is
// never nil.
func New(appName string, useDBus bool, logger *slog.Logger) (alert.Notifier, func() error) {
	if logger == nil {
		logger = slog.Default()
	}
	if useDBus {
		d, err := Connect(appName, logger)
		if err == nil {
			return d, d.Close
		}
		logger.Warn("desktop notifications unavailable, logging instead", "error", err)
	}
	return Log{Logger: logger}, func() error { return nil }
}
