package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcpexec/internal/calllog"
	"github.com/nugget/mcpexec/internal/config"
	"github.com/nugget/mcpexec/internal/connwatch"
)

// ErrNotStarted is returned when publishing before Start.
var ErrNotStarted = errors.New("mqtt publisher not started")

// client is the subset of [autopaho.ConnectionManager] the publisher uses.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the broker connection and publishes server status
// and call events.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	client client
	last   map[string]connwatch.Status
}

// New creates a Publisher but does not connect.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		last:       make(map[string]connwatch.Status),
	}
}

// Start begins connecting to the broker. It waits up to 30 seconds for
// the first connection; after that autopaho keeps retrying in the
// background and Start returns nil.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
			p.republish(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mcpexec-" + p.instanceID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.client = cm
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.instanceID
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statusTopic(server string) string {
	return p.baseTopic() + "/servers/" + topicSegment(server) + "/status"
}

func (p *Publisher) callsTopic() string {
	return p.baseTopic() + "/calls"
}

// topicSegment replaces characters that are not allowed in a single
// MQTT topic level.
func topicSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, s)
}

// PublishStatus publishes a server's health as retained JSON. The
// status is remembered and republished after a reconnect.
func (p *Publisher) PublishStatus(ctx context.Context, st connwatch.Status) error {
	p.mu.Lock()
	p.last[st.Name] = st
	p.mu.Unlock()
	return p.publishJSON(ctx, p.statusTopic(st.Name), st, 1, true)
}

// callEvent is the wire form of a tool call event.
type callEvent struct {
	CallID     string    `json:"call_id"`
	Server     string    `json:"server"`
	Tool       string    `json:"tool"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// PublishCall publishes one tool call event. Events are not retained.
func (p *Publisher) PublishCall(ctx context.Context, e calllog.Entry) error {
	return p.publishJSON(ctx, p.callsTopic(), callEvent{
		CallID:     e.CallID,
		Server:     e.Server,
		Tool:       e.Tool,
		OK:         e.OK,
		Error:      e.Error,
		DurationMS: e.Duration.Milliseconds(),
		StartedAt:  e.StartedAt,
	}, 0, false)
}

func (p *Publisher) publishJSON(ctx context.Context, topic string, v any, qos byte, retain bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	return p.publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
}

func (p *Publisher) publish(ctx context.Context, msg *paho.Publish) error {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return ErrNotStarted
	}
	if _, err := c.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	err := p.publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Debug("mqtt availability published", "status", status)
}

func (p *Publisher) republish(ctx context.Context) {
	p.mu.Lock()
	statuses := make([]connwatch.Status, 0, len(p.last))
	for _, st := range p.last {
		statuses = append(statuses, st)
	}
	p.mu.Unlock()

	for _, st := range statuses {
		if err := p.publishJSON(ctx, p.statusTopic(st.Name), st, 1, true); err != nil {
			p.logger.Debug("mqtt status republish failed", "server", st.Name, "error", err)
		}
	}
}
