package amqp

import (
	"context"
	"log/slog"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. A nil result acks the delivery, an error
// nacks and requeues it.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Consumer acks deliveries once their handler succeeded.
//
// In draining mode every delivery is acked and discarded without running the
// handler. It empties a queue of messages that must not be processed.
type Consumer struct {
	deliveries <-chan amqp.Delivery
	handler    Handler
	draining   atomic.Bool
	logger     *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithDraining starts the consumer in draining mode.
func WithDraining() ConsumerOption {
	return func(c *Consumer) {
		c.draining.Store(true)
	}
}

// WithConsumerLogger sets the logger. Defaults to slog.Default().
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer returns a consumer of deliveries, as returned by
// amqp.Channel.ConsumeWithContext with autoAck disabled.
func NewConsumer(deliveries <-chan amqp.Delivery, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{deliveries: deliveries, handler: handler, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDraining switches draining mode on or off. It takes effect from the
// next delivery.
func (c *Consumer) SetDraining(on bool) {
	c.draining.Store(on)
}

// Draining reports whether the consumer discards deliveries.
func (c *Consumer) Draining() bool {
	return c.draining.Load()
}

// Run consumes until ctx is done or the delivery channel is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-c.deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	if c.Draining() {
		if err := d.Ack(false); err != nil {
			c.logger.Error("Failed to ack drained message",
				slog.String("message_id", d.MessageId),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := c.handler(ctx, d); err != nil {
		c.logger.Error("Failed to handle message",
			slog.String("message_id", d.MessageId),
			slog.String("error", err.Error()),
		)
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message",
				slog.String("message_id", d.MessageId),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			slog.String("message_id", d.MessageId),
			slog.String("error", err.Error()),
		)
	}
}
