package notify

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protectord/internal/alert"
)

type fakeBus struct {
	calls [][]interface{}
	err   error
	next  uint32
}

func (f *fakeBus) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	f.calls = append(f.calls, append([]interface{}{method}, args...))
	if f.err != nil {
		return &dbus.Call{Err: f.err}
	}
	f.next++
	return &dbus.Call{Body: []interface{}{f.next}}
}

func TestDesktopNotify(t *testing.T) {
	bus := &fakeBus{}
	d := newDesktop("protectord", bus, nil)

	d.Notify("Theft Alert!", "Device is being moved away!", alert.PriorityMax)
	require.Len(t, bus.calls, 1)

	call := bus.calls[0]
	assert.Equal(t, notifyCall, call[0])
	assert.Equal(t, "protectord", call[1])
	assert.Equal(t, uint32(0), call[2])
	assert.Equal(t, "Theft Alert!", call[4])
	assert.Equal(t, "Device is being moved away!", call[5])
	hints := call[7].(map[string]dbus.Variant)
	assert.Equal(t, urgencyCritical, hints["urgency"].Value())
	assert.Equal(t, int32(0), call[8])
}

func TestDesktopReplacesSameTitle(t *testing.T) {
	bus := &fakeBus{}
	d := newDesktop("protectord", bus, nil)

	d.Notify("Device Warning", "Don't forget your device - 60m away", alert.PriorityHigh)
	d.Notify("Device Warning", "Don't forget your device - 80m away", alert.PriorityHigh)
	d.Notify("Geofence Alert", "Device left safe zone", alert.PriorityHigh)

	require.Len(t, bus.calls, 3)
	assert.Equal(t, uint32(1), bus.calls[1][2])
	assert.Equal(t, uint32(0), bus.calls[2][2])
}

func TestDesktopFallsBackToLog(t *testing.T) {
	var buf bytes.Buffer
	bus := &fakeBus{err: errors.New("no notification daemon")}
	d := newDesktop("protectord", bus, slog.New(slog.NewTextHandler(&buf, nil)))

	d.Notify("Theft Alert!", "Device is being moved away!", alert.PriorityMax)

	out := buf.String()
	assert.True(t, strings.Contains(out, "desktop notification failed"))
	assert.True(t, strings.Contains(out, "Device is being moved away!"))
}

func TestLogNotifierLevels(t *testing.T) {
	var buf bytes.Buffer
	n := Log{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	n.Notify("Protector Alert", "Protection enabled", alert.PriorityDefault)
	n.Notify("Theft Alert!", "Device is being moved away!", alert.PriorityMax)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "level=INFO")
	assert.Contains(t, lines[1], "level=WARN")
	assert.Contains(t, lines[1], "priority=max")
}

func TestNewWithoutDBus(t *testing.T) {
	n, closeFn := New("protectord", false, nil)
	_, ok := n.(Log)
	assert.True(t, ok)
	assert.NoError(t, closeFn())
}
