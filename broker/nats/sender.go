// Package nats delivers signals to NATS JetStream.
package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/oagudo/signalbus"
	"github.com/oagudo/signalbus/broker"
)

// Publisher is the part of nats.JetStreamContext used by Sender.
type Publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	PublishMsgAsync(m *nats.Msg, opts ...nats.PubOpt) (nats.PubAckFuture, error)
}

// Sender publishes signals to a JetStream subject. Messages carry the
// signal's MessageID in the Nats-Msg-Id header, so the stream drops
// redeliveries within its duplicate window.
type Sender struct {
	js      Publisher
	subject string
	mapping broker.Mapping
}

// Option configures a Sender.
type Option func(*Sender)

// WithMapping sets how signal columns map to the message body.
func WithMapping(m broker.Mapping) Option {
	return func(s *Sender) {
		s.mapping = m
	}
}

// NewSender returns a sender publishing to subject.
func NewSender(js Publisher, subject string, opts ...Option) *Sender {
	s := &Sender{js: js, subject: subject}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ signalbus.BatchSender = (*Sender)(nil)

// Send publishes one message and waits for its PubAck.
func (s *Sender) Send(ctx context.Context, sig *signalbus.Signal) error {
	msg, err := s.message(sig)
	if err != nil {
		return err
	}
	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.Header.Get(nats.MsgIdHdr), err)
	}
	return nil
}

// SendMany publishes the burst asynchronously and waits for every PubAck.
func (s *Sender) SendMany(ctx context.Context, sigs []*signalbus.Signal) error {
	futures := make([]nats.PubAckFuture, 0, len(sigs))
	for _, sig := range sigs {
		msg, err := s.message(sig)
		if err != nil {
			return err
		}
		f, err := s.js.PublishMsgAsync(msg)
		if err != nil {
			return fmt.Errorf("failed to publish message %s: %w", msg.Header.Get(nats.MsgIdHdr), err)
		}
		futures = append(futures, f)
	}

	for _, f := range futures {
		select {
		case <-f.Ok():
		case err := <-f.Err():
			return fmt.Errorf("failed to publish message %s: %w", f.Msg().Header.Get(nats.MsgIdHdr), err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sender) message(sig *signalbus.Signal) (*nats.Msg, error) {
	env, err := s.mapping.NewEnvelope(sig)
	if err != nil {
		return nil, err
	}

	msg := &nats.Msg{
		Subject: s.subject,
		Data:    env.Payload,
		Header:  make(nats.Header),
	}
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	msg.Header.Set("Content-Type", env.ContentType)
	for k, v := range env.Headers {
		msg.Header.Set(k, v)
	}
	return msg, nil
}
