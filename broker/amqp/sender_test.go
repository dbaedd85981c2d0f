package amqp

import (
	"context"
	"errors"
	"testing"

	"github.com/oagudo/signalbus"
	"github.com/oagudo/signalbus/broker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfirmation struct {
	ack    bool
	err    error
	waited *int
}

func (c fakeConfirmation) WaitContext(context.Context) (bool, error) {
	*c.waited++
	return c.ack, c.err
}

type fakePublisher struct {
	published []amqp.Publishing
	keys      []string
	nackAt    int
	failWith  error
	waited    int
}

func (p *fakePublisher) Publish(_ context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	if p.failWith != nil {
		return nil, p.failWith
	}
	p.published = append(p.published, msg)
	p.keys = append(p.keys, exchange+"/"+key)
	return fakeConfirmation{ack: len(p.published) != p.nackAt, waited: &p.waited}, nil
}

func signal(id int64) *signalbus.Signal {
	return &signalbus.Signal{
		Type:   "OrderCreated",
		Table:  "order_signal",
		Key:    signalbus.Key{id},
		Values: map[string]any{"id": id, "body": "hello"},
	}
}

func TestSendPublishesPersistentMessage(t *testing.T) {
	pub := &fakePublisher{}
	s := NewSender(pub, "", "orders", WithMapping(broker.Mapping{PayloadColumn: "body", ContentType: "text/plain"}))
	sig := signal(3)

	require.NoError(t, s.Send(context.Background(), sig))

	require.Len(t, pub.published, 1)
	msg := pub.published[0]
	assert.Equal(t, []string{"/orders"}, pub.keys)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "text/plain", msg.ContentType)
	assert.Equal(t, []byte("hello"), msg.Body)
	assert.Equal(t, sig.MessageID().String(), msg.MessageId)
	assert.Equal(t, "OrderCreated", msg.Headers[broker.HeaderSignalType])
	assert.Equal(t, 1, pub.waited)
}

func TestSendManyPublishesAllBeforeWaiting(t *testing.T) {
	pub := &fakePublisher{}
	s := NewSender(pub, "signals", "order.created")

	require.NoError(t, s.SendMany(context.Background(), []*signalbus.Signal{signal(1), signal(2), signal(3)}))
	assert.Len(t, pub.published, 3)
	assert.Equal(t, 3, pub.waited)
}

func TestSendManyFailsOnNack(t *testing.T) {
	pub := &fakePublisher{nackAt: 2}
	s := NewSender(pub, "", "orders")

	err := s.SendMany(context.Background(), []*signalbus.Signal{signal(1), signal(2), signal(3)})
	assert.ErrorIs(t, err, ErrNacked)
	assert.Len(t, pub.published, 3)
}

func TestSendReturnsPublishError(t *testing.T) {
	closed := errors.New("channel closed")
	s := NewSender(&fakePublisher{failWith: closed}, "", "orders")

	assert.ErrorIs(t, s.Send(context.Background(), signal(1)), closed)
}

type nilConfirmPublisher struct{}

func (nilConfirmPublisher) Publish(context.Context, string, string, amqp.Publishing) (Confirmation, error) {
	return nil, nil
}

func TestSendRequiresConfirmMode(t *testing.T) {
	s := NewSender(nilConfirmPublisher{}, "", "orders")
	assert.ErrorContains(t, s.Send(context.Background(), signal(1)), "not in confirm mode")
}
