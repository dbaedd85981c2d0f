// Package mqtt delivers signals to an MQTT broker with eclipse/paho.mqtt.golang.
package mqtt

import (
	"context"
	"errors"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/oagudo/signalbus"
	"github.com/oagudo/signalbus/broker"
)

// Publisher is the part of mqtt.Client used by Sender.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Sender publishes signal payloads to a topic. With QoS 1 or 2 a publish
// completes once the broker acknowledged it. MQTT 3.1.1 has no message
// headers, so only the payload is sent.
type Sender struct {
	client  Publisher
	topic   string
	qos     byte
	mapping broker.Mapping
}

// Option configures a Sender.
type Option func(*Sender)

// WithQoS sets the quality of service. Defaults to 1, at least once.
func WithQoS(qos byte) Option {
	return func(s *Sender) {
		s.qos = qos
	}
}

// WithMapping sets how signal columns map to the payload.
func WithMapping(m broker.Mapping) Option {
	return func(s *Sender) {
		s.mapping = m
	}
}

// NewSender returns a sender publishing to topic.
func NewSender(client Publisher, topic string, opts ...Option) *Sender {
	s := &Sender{client: client, topic: topic, qos: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ signalbus.BatchSender = (*Sender)(nil)

// Send publishes one payload and waits for its acknowledgment.
func (s *Sender) Send(ctx context.Context, sig *signalbus.Signal) error {
	return s.SendMany(ctx, []*signalbus.Signal{sig})
}

// SendMany publishes every payload and then waits for all acknowledgments.
func (s *Sender) SendMany(ctx context.Context, sigs []*signalbus.Signal) error {
	tokens := make([]mqtt.Token, 0, len(sigs))
	for _, sig := range sigs {
		env, err := s.mapping.NewEnvelope(sig)
		if err != nil {
			return err
		}
		tokens = append(tokens, s.client.Publish(s.topic, s.qos, false, env.Payload))
	}

	for i, t := range tokens {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := t.Error(); err != nil {
			return fmt.Errorf("failed to publish message %s: %w", sigs[i].MessageID(), err)
		}
	}
	return nil
}

// Connect connects a client to brokerURL, for example tcp://localhost:1883.
func Connect(ctx context.Context, brokerURL, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	if !client.IsConnected() {
		return nil, errors.New("mqtt connection failed")
	}
	return client, nil
}
