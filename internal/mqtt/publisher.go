// Package mqtt publishes parley telemetry to an MQTT broker: retained
// availability, a periodic runtime state snapshot, and a live feed of
// orchestration events. Useful for watching a long-running room from
// dashboards that already speak MQTT.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. A will message
// flips the availability topic to "offline" on unexpected disconnects.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/torvan/parley/internal/events"
)

// StatsSource provides runtime data for the periodic state publish.
// The concrete adapter is wired in main to avoid coupling this package
// to the chat engine or the stores.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// Rooms returns the number of stored rooms.
	Rooms() int
	// TrustedAgents returns how many agents hold an active trust grant.
	TrustedAgents() int
	// TokensToday returns input and output token totals since midnight.
	TokensToday() (input, output int64)
}

// Config shapes the publisher's connection and topics.
type Config struct {
	Broker      string // e.g. mqtt://host:1883 or mqtts://host:8883
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
	Interval    time.Duration
}

// Publisher manages the MQTT connection and the publish loops.
type Publisher struct {
	cfg    Config
	stats  StatsSource
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin publishing.
func New(cfg Config, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "parley"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "parley"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Publisher{cfg: cfg, stats: stats, bus: bus, logger: logger}
}

// Start connects to the broker and runs the publish loops until ctx is
// cancelled. On every (re-)connect it publishes a birth message to the
// availability topic.
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
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	if p.bus != nil {
		go p.runEventLoop(ctx)
	}
	p.runStateLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) stateTopic() string {
	return p.cfg.TopicPrefix + "/state"
}

func (p *Publisher) eventTopic(ev events.Event) string {
	return p.cfg.TopicPrefix + "/events/" + ev.Source + "/" + ev.Kind
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

// --- Periodic state loop ---

// stateSnapshot is the JSON payload published to the state topic.
type stateSnapshot struct {
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Version        string `json:"version"`
	Rooms          int    `json:"rooms"`
	TrustedAgents  int    `json:"trusted_agents"`
	TokensInToday  int64  `json:"tokens_in_today"`
	TokensOutToday int64  `json:"tokens_out_today"`
}

func (p *Publisher) runStateLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishState(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishState(ctx)
		}
	}
}

func (p *Publisher) publishState(ctx context.Context) {
	if p.cm == nil || p.stats == nil {
		return
	}

	payload, err := json.Marshal(p.snapshot())
	if err != nil {
		p.logger.Error("mqtt marshal state payload", "error", err)
		return
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt state published", "topic", p.stateTopic())
}

func (p *Publisher) snapshot() stateSnapshot {
	in, out := p.stats.TokensToday()
	return stateSnapshot{
		UptimeSeconds:  int64(p.stats.Uptime().Seconds()),
		Version:        p.stats.Version(),
		Rooms:          p.stats.Rooms(),
		TrustedAgents:  p.stats.TrustedAgents(),
		TokensInToday:  in,
		TokensOutToday: out,
	}
}

// --- Event forwarding ---

// runEventLoop forwards orchestration events to the broker until ctx
// ends. Publish failures are logged and dropped; telemetry must never
// disturb a turn.
func (p *Publisher) runEventLoop(ctx context.Context) {
	sub := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			p.publishEvent(ctx, ev)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, ev events.Event) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(ev),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", ev.Kind, "error", err)
	}
}
