package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protectord/internal/alert"
	"protectord/internal/config"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeliverWritesKeyedRecord(t *testing.T) {
	w := &recordingWriter{}
	p, err := newPublisherWithWriter("protector.alerts", w, discard())
	require.NoError(t, err)

	var sink alert.Sink = p
	e := alert.NewEvent(alert.GeofenceExit, "")
	require.NoError(t, sink.Deliver(context.Background(), e))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "GEOFENCE_EXIT", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, e.ID, string(msg.Headers[0].Value))

	var rec Record
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	assert.Equal(t, SchemaVersion, rec.SchemaVersion)
	assert.Equal(t, e.ID, rec.ID)
	assert.Equal(t, "Device left safe zone", rec.Message)
	assert.True(t, rec.Timestamp.Equal(e.Timestamp))
}

func TestDeliverWrapsWriterError(t *testing.T) {
	w := &recordingWriter{err: errors.New("leader not available")}
	p, err := newPublisherWithWriter("protector.alerts", w, discard())
	require.NoError(t, err)

	err = p.Deliver(context.Background(), alert.NewEvent(alert.TheftDetected, ""))
	assert.ErrorContains(t, err, "protector.alerts")
	assert.ErrorContains(t, err, "leader not available")
}

func TestNewPublisherValidates(t *testing.T) {
	_, err := NewPublisher(config.StreamConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)

	_, err = NewPublisher(config.StreamConfig{Topic: "protector.alerts"}, nil)
	assert.Error(t, err)

	p, err := NewPublisher(config.StreamConfig{Enabled: true, Topic: "protector.alerts", Brokers: []string{"localhost:9092"}}, discard())
	require.NoError(t, err)
	assert.NoError(t, p.Close())

	_, err = newPublisherWithWriter("t", nil, nil)
	assert.ErrorIs(t, err, errNilWriter)
}

func TestClose(t *testing.T) {
	w := &recordingWriter{}
	p, _ := newPublisherWithWriter("t", w, nil)
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
