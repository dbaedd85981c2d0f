// Package amqp delivers signals to RabbitMQ with publisher confirms and
// consumes them back.
package amqp

import (
	"context"
	"errors"
	"fmt"

	"github.com/oagudo/signalbus"
	"github.com/oagudo/signalbus/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNacked is returned when the broker negatively acknowledges a message.
var ErrNacked = errors.New("amqp: message was nacked by the broker")

// Confirmation is a pending publisher confirm.
// *amqp.DeferredConfirmation implements it.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Publisher publishes one message and returns its pending confirm.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
}

// ChannelPublisher publishes on a channel in confirm mode.
type ChannelPublisher struct {
	ch *amqp.Channel
}

// NewChannelPublisher puts ch into confirm mode.
func NewChannelPublisher(ch *amqp.Channel) (*ChannelPublisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &ChannelPublisher{ch: ch}, nil
}

// Publish implements Publisher.
func (p *ChannelPublisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, nil
	}
	return dc, nil
}

// Sender publishes signals as persistent messages and waits for the broker
// to confirm them.
type Sender struct {
	pub        Publisher
	exchange   string
	routingKey string
	mapping    broker.Mapping
}

// Option configures a Sender.
type Option func(*Sender)

// WithMapping sets how signal columns map to the message key and body.
func WithMapping(m broker.Mapping) Option {
	return func(s *Sender) {
		s.mapping = m
	}
}

// NewSender returns a sender publishing to exchange with routingKey.
// Use the default exchange "" and a queue name to publish to a queue.
func NewSender(pub Publisher, exchange, routingKey string, opts ...Option) *Sender {
	s := &Sender{pub: pub, exchange: exchange, routingKey: routingKey}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ signalbus.BatchSender = (*Sender)(nil)

// Send publishes one message and waits for its confirm.
func (s *Sender) Send(ctx context.Context, sig *signalbus.Signal) error {
	return s.SendMany(ctx, []*signalbus.Signal{sig})
}

// SendMany publishes every message first and then waits for all confirms.
func (s *Sender) SendMany(ctx context.Context, sigs []*signalbus.Signal) error {
	confirms := make([]Confirmation, 0, len(sigs))
	for _, sig := range sigs {
		msg, err := s.publishing(sig)
		if err != nil {
			return err
		}
		c, err := s.pub.Publish(ctx, s.exchange, s.routingKey, msg)
		if err != nil {
			return fmt.Errorf("failed to publish message %s: %w", msg.MessageId, err)
		}
		confirms = append(confirms, c)
	}

	for i, c := range confirms {
		if c == nil {
			return fmt.Errorf("message %s: channel is not in confirm mode", sigs[i].MessageID())
		}
		ack, err := c.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to confirm message %s: %w", sigs[i].MessageID(), err)
		}
		if !ack {
			return fmt.Errorf("message %s: %w", sigs[i].MessageID(), ErrNacked)
		}
	}
	return nil
}

func (s *Sender) publishing(sig *signalbus.Signal) (amqp.Publishing, error) {
	env, err := s.mapping.NewEnvelope(sig)
	if err != nil {
		return amqp.Publishing{}, err
	}

	headers := amqp.Table{}
	for k, v := range env.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		ContentType:   env.ContentType,
		Body:          env.Payload,
		MessageId:     env.ID,
		CorrelationId: string(env.Key),
		Type:          sig.Type,
		Headers:       headers,
		DeliveryMode:  amqp.Persistent,
	}, nil
}
