package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/chorus/internal/config"
	"github.com/nugget/chorus/internal/dispatch"
	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/metrics"
)

// publisher is the part of autopaho.ConnectionManager the mirror uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Mirror publishes events to the broker.
type Mirror struct {
	cfg     config.MQTTConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *messageRateLimiter

	mu  sync.RWMutex
	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Mirror but does not connect. Call [Mirror.Start] to
// begin the connection.
func New(cfg config.MQTTConfig, m *metrics.Metrics, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Mirror{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		limiter: newMessageRateLimiter(int64(cfg.RateLimit), time.Minute, logger),
	}
}

// Attach subscribes the mirror to every event type on d.
func (m *Mirror) Attach(d *dispatch.Dispatcher) {
	d.SubscribeAll("mqtt", m.Handle)
}

// Start connects to the broker and returns once the first connection
// attempt has finished. autopaho keeps reconnecting in the background
// until ctx is cancelled.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := m.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.pub = cm
	m.mu.Unlock()

	if m.cfg.RateLimit > 0 {
		go m.limiter.start(ctx)
	}

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (m *Mirror) Stop(ctx context.Context) error {
	m.mu.RLock()
	cm := m.cm
	m.mu.RUnlock()
	if cm == nil {
		return nil
	}
	m.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Handle publishes ev. It is a dispatch.Handler. Events arriving before
// Start, or beyond the rate limit, are dropped.
func (m *Mirror) Handle(ctx context.Context, ev events.Event) error {
	m.mu.RLock()
	pub := m.pub
	m.mu.RUnlock()
	if pub == nil {
		m.logger.Debug("mqtt not connected, event not mirrored", "event_id", ev.ID)
		return nil
	}
	if m.cfg.RateLimit > 0 && !m.limiter.allow() {
		m.metrics.EventDropped(string(ev.Type), "mqtt_rate_limit")
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	topic := m.Topic(ev.Type)
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	m.logger.Debug("event mirrored", "event_id", ev.ID, "topic", topic)
	return nil
}

// Topic returns the topic events of type t are published to.
func (m *Mirror) Topic(t events.Type) string {
	return m.cfg.TopicPrefix + "/events/" + string(t)
}

func (m *Mirror) availabilityTopic() string {
	return m.cfg.TopicPrefix + "/availability"
}

func (m *Mirror) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		m.logger.Info("mqtt availability published", "status", status)
	}
}
