// Package kafka delivers signals to Kafka with segmentio/kafka-go.
package kafka

import (
	"context"
	"fmt"
	"sort"

	"github.com/oagudo/signalbus"
	"github.com/oagudo/signalbus/broker"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer used by Sender.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sender writes signals as Kafka messages. WriteMessages returns once the
// writer's RequiredAcks are satisfied, so the writer should be configured
// with kafka.RequireAll for durable delivery.
type Sender struct {
	writer  MessageWriter
	topic   string
	mapping broker.Mapping
}

// Option configures a Sender.
type Option func(*Sender)

// WithTopic sets the topic on every message. Leave it unset when the writer
// has its own Topic.
func WithTopic(topic string) Option {
	return func(s *Sender) {
		s.topic = topic
	}
}

// WithMapping sets how signal columns map to the message key and value.
func WithMapping(m broker.Mapping) Option {
	return func(s *Sender) {
		s.mapping = m
	}
}

// NewSender returns a sender writing to w.
func NewSender(w MessageWriter, opts ...Option) *Sender {
	s := &Sender{writer: w}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewWriter returns a writer waiting for all in-sync replicas.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
}

var _ signalbus.BatchSender = (*Sender)(nil)

// Send writes one message.
func (s *Sender) Send(ctx context.Context, sig *signalbus.Signal) error {
	return s.SendMany(ctx, []*signalbus.Signal{sig})
}

// SendMany writes the burst with a single WriteMessages call.
func (s *Sender) SendMany(ctx context.Context, sigs []*signalbus.Signal) error {
	msgs := make([]kafka.Message, 0, len(sigs))
	for _, sig := range sigs {
		msg, err := s.message(sig)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d kafka messages: %w", len(msgs), err)
	}
	return nil
}

func (s *Sender) message(sig *signalbus.Signal) (kafka.Message, error) {
	env, err := s.mapping.NewEnvelope(sig)
	if err != nil {
		return kafka.Message{}, err
	}

	names := make([]string, 0, len(env.Headers))
	for k := range env.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	headers := make([]kafka.Header, 0, len(names))
	for _, k := range names {
		headers = append(headers, kafka.Header{
			Key:   k,
			Value: []byte(env.Headers[k]),
		})
	}

	return kafka.Message{
		Topic:   s.topic,
		Key:     env.Key,
		Value:   env.Payload,
		Headers: headers,
	}, nil
}
