// Package mqttpub publishes tracked entities to an MQTT broker with
// retained availability, per-entity state topics, and one-time discovery
// announcements for downstream home automation consumers.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mwhitley/skybridge/pkg/publish"
	"github.com/mwhitley/skybridge/pkg/telemetry"
)

// ErrNotConnected is returned by publish calls when the message was queued
// because the broker session is down.
var ErrNotConnected = errors.New("not connected to MQTT broker")

// Availability payloads published retained to the status topic.
const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Config describes the broker connection and topic layout.
type Config struct {
	// BrokerURL is the full broker address, e.g. tcp://broker.local:1883
	BrokerURL string

	// ClientID identifies this session to the broker
	ClientID string

	// Username and Password are optional broker credentials
	Username string
	Password string

	// BaseTopic prefixes every topic. Defaults to "skybridge".
	BaseTopic string

	// DiscoveryPrefix roots the discovery announcements. Defaults to
	// "homeassistant". Empty after explicit opt-out via DisableDiscovery.
	DiscoveryPrefix string

	// DisableDiscovery suppresses discovery announcements entirely
	DisableDiscovery bool

	// QoS applies to all published messages
	QoS byte

	// QueueCapacity bounds the disconnect queue
	QueueCapacity int

	// BackoffBase and BackoffMax shape the reconnect schedule
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) validate() error {
	if c.BrokerURL == "" {
		return errors.New("MQTT broker URL is required")
	}
	if c.ClientID == "" {
		return errors.New("MQTT client ID is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("invalid QoS %d", c.QoS)
	}
	return nil
}

func (c Config) availabilityTopic() string { return c.BaseTopic + "/status" }
func (c Config) systemTopic() string       { return c.BaseTopic + "/system" }

func (c Config) entityTopic(id string) string {
	return c.BaseTopic + "/drones/" + strings.ToLower(id)
}

func (c Config) discoveryTopic(id string) string {
	return fmt.Sprintf("%s/device_tracker/%s/config",
		c.DiscoveryPrefix, strings.ToLower(id))
}

// entityMessage is the JSON state document for one tracked entity.
type entityMessage struct {
	ID              string  `json:"id"`
	Callsign        string  `json:"callsign,omitempty"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	AltitudeFt      float64 `json:"altitude_ft"`
	TrackDeg        float64 `json:"track_deg,omitempty"`
	GroundSpeedKt   float64 `json:"ground_speed_kt,omitempty"`
	VerticalRateFpm float64 `json:"vertical_rate_fpm,omitempty"`
	Source          string  `json:"source,omitempty"`
	LastSeen        string  `json:"last_seen"`
}

// discoveryMessage announces an entity's state topic to consumers that
// auto-configure from the discovery prefix.
type discoveryMessage struct {
	Name                string `json:"name"`
	UniqueID            string `json:"unique_id"`
	StateTopic          string `json:"state_topic"`
	JSONAttributesTopic string `json:"json_attributes_topic"`
	AvailabilityTopic   string `json:"availability_topic"`
	SourceType          string `json:"source_type"`
}

// Publisher maintains the broker session and publishes entity state. While
// disconnected messages queue and flush on reconnect; discovery
// announcements are sent once per identifier per session lifetime.
type Publisher struct {
	cfg        Config
	newSession func(Config) session

	mu        sync.Mutex
	sess      session
	connected bool
	status    publish.Status
	cancel    context.CancelFunc
	done      chan struct{}
	announced map[string]bool

	queue    *publish.Queue
	counters publish.Counters
	attempts atomic.Uint64
}

// NewPublisher validates the config and builds a publisher. No broker
// contact happens until Connect.
func NewPublisher(cfg Config) (*Publisher, error) {
	return newPublisher(cfg, newPahoSession)
}

func newPublisher(cfg Config, factory func(Config) session) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "skybridge"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	return &Publisher{
		cfg:        cfg,
		newSession: factory,
		announced:  make(map[string]bool),
		queue:      publish.NewQueue(cfg.QueueCapacity),
	}, nil
}

// Connect starts the session loop. A second call while running is a no-op.
func (p *Publisher) Connect(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status.State == publish.StateConnecting || p.status.State == publish.StateConnected {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.status = publish.Status{State: publish.StateConnecting}

	go p.run(runCtx, p.done)
}

func (p *Publisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempts := 0
	for {
		p.attempts.Add(1)
		sess := p.newSession(p.cfg)
		err := sess.Connect()
		if err != nil {
			if ctx.Err() != nil {
				p.setState(publish.StateDisconnected, "")
				return
			}
			delay := publish.Backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, attempts)
			attempts++
			p.setState(publish.StateFailed, err.Error())
			log.Printf("MQTT connection to %s failed (attempt %d): %v, retrying in %v",
				p.cfg.BrokerURL, attempts, err, delay)

			select {
			case <-ctx.Done():
				p.setState(publish.StateDisconnected, "")
				return
			case <-time.After(delay):
				p.setState(publish.StateConnecting, "")
				continue
			}
		}

		attempts = 0
		p.mu.Lock()
		p.sess = sess
		p.connected = true
		p.status = publish.Status{State: publish.StateConnected}
		p.mu.Unlock()
		log.Printf("✓ Connected to MQTT broker %s", p.cfg.BrokerURL)

		// Availability first, so consumers see online before any state.
		if err := sess.Publish(p.cfg.availabilityTopic(), p.cfg.QoS, true, []byte(payloadOnline)); err != nil {
			log.Printf("Failed to publish availability: %v", err)
		}
		if err := p.flush(sess); err != nil {
			log.Printf("MQTT queue flush interrupted: %v", err)
		}

		select {
		case <-ctx.Done():
		case err := <-sess.Lost():
			if ctx.Err() == nil {
				log.Printf("MQTT connection lost: %v, reconnecting", err)
			}
		}

		p.mu.Lock()
		p.sess = nil
		p.connected = false
		p.mu.Unlock()

		if ctx.Err() != nil {
			p.setState(publish.StateDisconnected, "")
			return
		}
		sess.Disconnect(0)
		p.setState(publish.StateConnecting, "connection lost")
	}
}

func (p *Publisher) flush(sess session) error {
	pending := p.queue.Drain()
	if len(pending) == 0 {
		return nil
	}

	log.Printf("Flushing %d queued MQTT messages", len(pending))
	for i, entry := range pending {
		if err := sess.Publish(entry.Destination, entry.QoS, entry.Retain, entry.Payload); err != nil {
			p.queue.Restore(pending[i:])
			return err
		}
		p.counters.Sent()
	}
	return nil
}

// PublishEntity publishes one entity's state, announcing the entity's
// discovery config first if this session has not seen the identifier yet.
func (p *Publisher) PublishEntity(e *telemetry.TrackedEntity) error {
	if e.Position == nil {
		return fmt.Errorf("entity %s has no position", e.ID)
	}

	msg := entityMessage{
		ID:         e.ID,
		Callsign:   e.Callsign(),
		Latitude:   e.Position.Latitude,
		Longitude:  e.Position.Longitude,
		AltitudeFt: e.Position.AltitudeFt,
		Source:     e.Metadata["source"],
		LastSeen:   e.LastSeen.UTC().Format(time.RFC3339),
	}
	if e.Kinematics != nil {
		msg.TrackDeg = e.Kinematics.TrackDeg
		msg.GroundSpeedKt = e.Kinematics.GroundSpeedKt
		msg.VerticalRateFpm = e.Kinematics.VerticalRateFpm
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal entity %s: %w", e.ID, err)
	}

	if err := p.announceDiscovery(e); err != nil {
		return err
	}
	return p.publishOrQueue(p.cfg.entityTopic(e.ID), payload, false)
}

// announceDiscovery publishes the retained discovery config the first time
// an identifier appears. Announcement state is tracked per publisher, not
// per broker session, so reconnects do not re-announce (the config is
// retained by the broker).
func (p *Publisher) announceDiscovery(e *telemetry.TrackedEntity) error {
	if p.cfg.DisableDiscovery {
		return nil
	}

	p.mu.Lock()
	seen := p.announced[e.ID]
	p.announced[e.ID] = true
	p.mu.Unlock()
	if seen {
		return nil
	}

	payload, err := json.Marshal(discoveryMessage{
		Name:                e.Callsign(),
		UniqueID:            p.cfg.BaseTopic + "_" + strings.ToLower(e.ID),
		StateTopic:          p.cfg.entityTopic(e.ID),
		JSONAttributesTopic: p.cfg.entityTopic(e.ID),
		AvailabilityTopic:   p.cfg.availabilityTopic(),
		SourceType:          "gps",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal discovery for %s: %w", e.ID, err)
	}
	return p.publishOrQueue(p.cfg.discoveryTopic(e.ID), payload, true)
}

// PublishSystem publishes pipeline health to the system topic.
func (p *Publisher) PublishSystem(payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal system message: %w", err)
	}
	return p.publishOrQueue(p.cfg.systemTopic(), body, false)
}

func (p *Publisher) publishOrQueue(topic string, payload []byte, retain bool) error {
	p.mu.Lock()
	sess := p.sess
	connected := p.connected
	p.mu.Unlock()

	if !connected || sess == nil {
		p.enqueue(topic, payload, retain)
		return ErrNotConnected
	}
	if err := sess.Publish(topic, p.cfg.QoS, retain, payload); err != nil {
		p.enqueue(topic, payload, retain)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	p.counters.Sent()
	return nil
}

func (p *Publisher) enqueue(topic string, payload []byte, retain bool) {
	dropped, did := p.queue.Push(publish.Entry{
		Destination: topic,
		Payload:     payload,
		QoS:         p.cfg.QoS,
		Retain:      retain,
		Enqueued:    time.Now(),
	})
	p.counters.Queued()
	if did {
		log.Printf("MQTT queue full, dropped oldest message for %s", dropped.Destination)
	}
}

// Disconnect publishes a best-effort retained offline availability message,
// then tears the session down. Queued messages survive for a later Connect.
// Safe to call twice.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	sess := p.sess
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	if sess != nil {
		if err := sess.Publish(p.cfg.availabilityTopic(), p.cfg.QoS, true, []byte(payloadOffline)); err != nil {
			log.Printf("Failed to publish offline availability: %v", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if sess != nil {
		sess.Disconnect(250)
	}
	p.setState(publish.StateDisconnected, "")
}

func (p *Publisher) setState(state publish.ConnectionState, reason string) {
	p.mu.Lock()
	p.status = publish.Status{State: state, Reason: reason}
	p.mu.Unlock()
}

// Status returns the connection state for display.
func (p *Publisher) Status() publish.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Counters returns message accounting for display.
func (p *Publisher) Counters() publish.CounterSnapshot {
	return p.counters.Snapshot()
}

// QueueDepth returns the number of messages waiting for a session.
func (p *Publisher) QueueDepth() int { return p.queue.Len() }

// QueueDrops returns the number of messages lost to queue overflow.
func (p *Publisher) QueueDrops() uint64 { return p.queue.Drops() }

// ConnectAttempts returns the total number of broker connect attempts made.
func (p *Publisher) ConnectAttempts() uint64 { return p.attempts.Load() }
