package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/oagudo/signalbus"
	amqpsender "github.com/oagudo/signalbus/broker/amqp"
	kafkasender "github.com/oagudo/signalbus/broker/kafka"
	mqttsender "github.com/oagudo/signalbus/broker/mqtt"
	natssender "github.com/oagudo/signalbus/broker/nats"
	"github.com/oagudo/signalbus/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

// brokers owns the broker connections shared by the configured senders.
type brokers struct {
	cfg    config.Brokers
	logger *slog.Logger

	mu       sync.Mutex
	writers  []*kafka.Writer
	amqpConn *amqp.Connection
	channels []*amqp.Channel
	natsConn *nats.Conn
	js       nats.JetStreamContext
	mqtt     paho.Client
}

func newBrokers(cfg config.Brokers, logger *slog.Logger) *brokers {
	return &brokers{cfg: cfg, logger: logger}
}

// sender returns a sender for s that connects on its first send.
func (b *brokers) sender(s config.Signal) signalbus.BatchSender {
	return &lazySender{connect: func() (signalbus.BatchSender, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		switch s.Broker {
		case config.BrokerKafka:
			w := kafkasender.NewWriter(b.cfg.Kafka.Brokers, s.Topic)
			b.writers = append(b.writers, w)
			return kafkasender.NewSender(w, kafkasender.WithMapping(mapping(s))), nil
		case config.BrokerAMQP:
			ch, err := b.amqpChannel()
			if err != nil {
				return nil, err
			}
			pub, err := amqpsender.NewChannelPublisher(ch)
			if err != nil {
				return nil, err
			}
			return amqpsender.NewSender(pub, s.Exchange, s.Topic, amqpsender.WithMapping(mapping(s))), nil
		case config.BrokerNATS:
			js, err := b.jetStream()
			if err != nil {
				return nil, err
			}
			return natssender.NewSender(js, s.Topic, natssender.WithMapping(mapping(s))), nil
		case config.BrokerMQTT:
			client, err := b.mqttClient()
			if err != nil {
				return nil, err
			}
			return mqttsender.NewSender(client, s.Topic, mqttsender.WithMapping(mapping(s))), nil
		default:
			return nil, fmt.Errorf("unknown broker %q", s.Broker)
		}
	}}
}

func (b *brokers) amqpChannel() (*amqp.Channel, error) {
	if b.amqpConn == nil || b.amqpConn.IsClosed() {
		conn, err := amqp.Dial(b.cfg.AMQP.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		b.amqpConn = conn
		b.logger.Info("Connected to RabbitMQ")
	}
	ch, err := b.amqpConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *brokers) jetStream() (nats.JetStreamContext, error) {
	if b.js != nil {
		return b.js, nil
	}
	nc, err := nats.Connect(b.cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}
	b.natsConn, b.js = nc, js
	b.logger.Info("Connected to NATS")
	return js, nil
}

func (b *brokers) mqttClient() (paho.Client, error) {
	if b.mqtt != nil {
		return b.mqtt, nil
	}
	clientID := b.cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "signalbus"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mqttsender.Connect(ctx, b.cfg.MQTT.URL, clientID)
	if err != nil {
		return nil, err
	}
	b.mqtt = client
	b.logger.Info("Connected to MQTT broker")
	return client, nil
}

// Close flushes and closes every connection opened so far.
func (b *brokers) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, w := range b.writers {
		errs = append(errs, w.Close())
	}
	for _, ch := range b.channels {
		if !ch.IsClosed() {
			errs = append(errs, ch.Close())
		}
	}
	if b.amqpConn != nil && !b.amqpConn.IsClosed() {
		errs = append(errs, b.amqpConn.Close())
	}
	if b.natsConn != nil {
		errs = append(errs, b.natsConn.Drain())
	}
	if b.mqtt != nil {
		b.mqtt.Disconnect(250)
	}
	return errors.Join(errs...)
}

// lazySender connects on first use. A failed connection is retried by the
// next send.
type lazySender struct {
	connect func() (signalbus.BatchSender, error)

	mu     sync.Mutex
	sender signalbus.BatchSender
}

func (l *lazySender) get() (signalbus.BatchSender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender != nil {
		return l.sender, nil
	}
	s, err := l.connect()
	if err != nil {
		return nil, err
	}
	l.sender = s
	return s, nil
}

func (l *lazySender) Send(ctx context.Context, sig *signalbus.Signal) error {
	s, err := l.get()
	if err != nil {
		return err
	}
	return s.Send(ctx, sig)
}

func (l *lazySender) SendMany(ctx context.Context, sigs []*signalbus.Signal) error {
	s, err := l.get()
	if err != nil {
		return err
	}
	return s.SendMany(ctx, sigs)
}
