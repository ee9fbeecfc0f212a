// Package companion links the phone engine and the wrist device over MQTT.
//
// Topics mirror the companion channel names: alerts travel on
// /protector/alert, on-body status on /protector/watch_status, and voice
// recognition results on the configured voice topic.
package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"protectord/internal/alert"
	"protectord/internal/config"
	"protectord/internal/wearable"
)

// ErrNotConnected is returned when publishing without an open connection.
var ErrNotConnected = errors.New("companion: not connected")

// broker is the subset of mqtt.Client the link uses.
type broker interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Client is the MQTT companion link. It implements alert.CompanionLink and
// wearable.Link.
type Client struct {
	client  broker
	qos     byte
	timeout time.Duration
	logger  *slog.Logger

	lost atomic.Int64

	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler
}

// Connect dials the broker described by cfg and waits for the connection.
func Connect(ctx context.Context, cfg config.CompanionConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.ConnectTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		qos:     byte(cfg.QoS),
		timeout: timeout,
		logger:  logger,
		subs:    make(map[string]mqtt.MessageHandler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(timeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.lost.Add(1)
			logger.Warn("companion connection lost", "error", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := wait(ctx, token, timeout); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	c.client = client
	logger.Info("companion connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	return c, nil
}

func newClient(b broker, qos byte, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client:  b,
		qos:     qos,
		timeout: time.Second,
		logger:  logger,
		subs:    make(map[string]mqtt.MessageHandler),
	}
}

// onConnect restores subscriptions after a reconnect.
func (c *Client) onConnect(client mqtt.Client) {
	c.resubscribe(client)
}

func (c *Client) resubscribe(b broker) {
	c.mu.Lock()
	subs := make(map[string]mqtt.MessageHandler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	c.mu.Unlock()

	for topic, h := range subs {
		if err := wait(context.Background(), b.Subscribe(topic, c.qos, h), c.timeout); err != nil {
			c.logger.Warn("resubscribe failed", "topic", topic, "error", err)
		}
	}
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

// Connected reports whether the broker connection is open.
func (c *Client) Connected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// ConnectionsLost returns how many times the connection dropped.
func (c *Client) ConnectionsLost() int64 {
	return c.lost.Load()
}

// Send publishes payload on channel. It implements alert.CompanionLink and
// wearable.Link.
func (c *Client) Send(ctx context.Context, channel string, payload []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	token := c.client.Publish(channel, c.qos, false, payload)
	if err := wait(ctx, token, c.timeout); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers fn for messages on topic. The subscription is
// restored on reconnect.
func (c *Client) Subscribe(topic string, fn func(payload []byte)) error {
	handler := func(_ mqtt.Client, m mqtt.Message) {
		fn(m.Payload())
	}
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	if err := wait(context.Background(), c.client.Subscribe(topic, c.qos, handler), c.timeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the handler for topic.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	if !c.Connected() {
		return nil
	}
	if err := wait(context.Background(), c.client.Unsubscribe(topic), c.timeout); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// OnAlert subscribes to alert payloads sent by the phone.
func (c *Client) OnAlert(fn func(kind alert.Kind, message string)) error {
	return c.Subscribe(alert.Channel, func(payload []byte) {
		fn(alert.ParsePayload(payload))
	})
}

// OnWatchStatus subscribes to on-body reports from the watch. Payloads
// that are not WATCH_<STATE> are logged and ignored.
func (c *Client) OnWatchStatus(fn func(wearable.State)) error {
	return c.Subscribe(wearable.StatusChannel, func(payload []byte) {
		state, ok := wearable.ParseStatus(payload)
		if !ok {
			c.logger.Debug("ignoring watch status", "payload", string(payload))
			return
		}
		fn(state)
	})
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}

// VoiceResult is the JSON message published by the recognizer.
type VoiceResult struct {
	Text       string `json:"text"`
	Authorized bool   `json:"authorized"`
}

// VoiceListener turns recognition results published on a topic into a
// voice.Listener.
type VoiceListener struct {
	client *Client
	topic  string
}

// NewVoiceListener creates a listener on topic.
func NewVoiceListener(c *Client, topic string) *VoiceListener {
	return &VoiceListener{client: c, topic: topic}
}

// StartListening subscribes to the voice topic.
func (v *VoiceListener) StartListening(fn func(text string, authorized bool)) error {
	return v.client.Subscribe(v.topic, func(payload []byte) {
		var r VoiceResult
		if err := json.Unmarshal(payload, &r); err != nil {
			v.client.logger.Debug("ignoring voice result", "error", err)
			return
		}
		fn(r.Text, r.Authorized)
	})
}

// StopListening unsubscribes from the voice topic.
func (v *VoiceListener) StopListening() {
	if err := v.client.Unsubscribe(v.topic); err != nil {
		v.client.logger.Warn("stop listening", "error", err)
	}
}
