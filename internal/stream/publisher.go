// Package stream publishes dispatched alerts to a Kafka topic.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"protectord/internal/alert"
	"protectord/internal/config"
)

// SchemaVersion is stamped on every published record.
const SchemaVersion = "v1"

var errNilWriter = errors.New("stream: publisher requires a writer")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the JSON value of a published message.
type Record struct {
	SchemaVersion string    `json:"schemaVersion"`
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher is an alert.Sink writing one message per event, keyed by kind.
type Publisher struct {
	topic  string
	writer messageWriter
	log    *slog.Logger
}

// NewPublisher builds a publisher for cfg.
func NewPublisher(cfg config.StreamConfig, log *slog.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("stream topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newPublisherWithWriter(cfg.Topic, w, log)
}

func newPublisherWithWriter(topic string, w messageWriter, log *slog.Logger) (*Publisher, error) {
	if w == nil {
		return nil, errNilWriter
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		topic:  topic,
		writer: w,
		log:    log.With(slog.String("component", "alert_stream")),
	}, nil
}

// Deliver implements alert.Sink.
func (p *Publisher) Deliver(ctx context.Context, e alert.Event) error {
	value, err := json.Marshal(Record{
		SchemaVersion: SchemaVersion,
		ID:            e.ID,
		Kind:          string(e.Kind),
		Message:       e.Message,
		Timestamp:     e.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Kind),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "alert-id", Value: []byte(e.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("alert_publish_err", slog.Any("err", err), slog.String("kind", string(e.Kind)))
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	p.log.Debug("alert_published", slog.String("kind", string(e.Kind)), slog.String("id", e.ID))
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.log.Error("alert_stream_close_err", slog.Any("err", err))
		return err
	}
	return nil
}
