package mqttpub

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// session abstracts the broker connection so the publisher logic can be
// exercised without a live broker.
type session interface {
	Connect() error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect(quiesce uint)
	Lost() <-chan error
}

// pahoSession adapts the paho client to the session interface. Automatic
// reconnect is disabled; the publisher owns the reconnect loop so queueing
// and availability messages stay in one place.
type pahoSession struct {
	client mqtt.Client
	lost   chan error
}

func newPahoSession(cfg Config) session {
	s := &pahoSession{lost: make(chan error, 1)}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(false).
		SetConnectTimeout(10 * time.Second).
		SetWill(cfg.availabilityTopic(), payloadOffline, cfg.QoS, true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case s.lost <- err:
			default:
			}
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	s.client = mqtt.NewClient(opts)
	return s
}

func (s *pahoSession) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("broker connect timed out")
	}
	return token.Error()
}

func (s *pahoSession) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := s.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (s *pahoSession) Disconnect(quiesce uint) {
	s.client.Disconnect(quiesce)
}

func (s *pahoSession) Lost() <-chan error {
	return s.lost
}
