// Package config loads the signalbus command configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration of the signalbus command.
type Config struct {
	Database Database `yaml:"database"`
	Log      Log      `yaml:"log"`
	Flush    Flush    `yaml:"flush"`
	Brokers  Brokers  `yaml:"brokers"`
	Signals  []Signal `yaml:"signals"`
}

// Database selects the database/sql driver and SQL dialect.
type Database struct {
	Driver  string `yaml:"driver"`
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Flush tunes flushmany and serve. Schedule is a cron expression or a
// descriptor such as "@every 30s". BurstRate caps the bursts started per
// second over all flushers; zero means no cap.
type Flush struct {
	Workers         int           `yaml:"workers"`
	FlushersPerType int           `yaml:"flushers_per_type"`
	Timeout         time.Duration `yaml:"timeout"`
	Schedule        string        `yaml:"schedule"`
	BurstRate       float64       `yaml:"burst_rate"`
}

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a standard 5-field cron expression or a descriptor.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// Brokers holds the connection settings of every broker signals may use.
type Brokers struct {
	Kafka *Kafka `yaml:"kafka"`
	AMQP  *AMQP  `yaml:"amqp"`
	NATS  *NATS  `yaml:"nats"`
	MQTT  *MQTT  `yaml:"mqtt"`
}

// Kafka lists bootstrap brokers.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
}

// AMQP is a RabbitMQ connection URL.
type AMQP struct {
	URL string `yaml:"url"`
}

// NATS is a NATS server URL. Signals are published through JetStream.
type NATS struct {
	URL string `yaml:"url"`
}

// MQTT is an MQTT broker URL such as tcp://localhost:1883.
type MQTT struct {
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
}

// Broker names accepted in Signal.Broker.
const (
	BrokerKafka = "kafka"
	BrokerAMQP  = "amqp"
	BrokerNATS  = "nats"
	BrokerMQTT  = "mqtt"
)

// Signal declares one signal type.
//
// Topic is the Kafka topic, the NATS subject, the MQTT topic or the AMQP
// routing key.
// ChooseRows switches bursts to the choose-rows strategy.
type Signal struct {
	Name          string      `yaml:"name"`
	Table         string      `yaml:"table"`
	PrimaryKey    []string    `yaml:"primary_key"`
	Columns       []string    `yaml:"columns"`
	BurstCount    int         `yaml:"burst_count"`
	ChooseRows    *ChooseRows `yaml:"choose_rows"`
	Broker        string      `yaml:"broker"`
	Topic         string      `yaml:"topic"`
	Exchange      string      `yaml:"exchange"`
	KeyColumn     string      `yaml:"key_column"`
	PayloadColumn string      `yaml:"payload_column"`
	ContentType   string      `yaml:"content_type"`
}

// ChooseRows lists the SQL types of the primary key columns, used in casts.
type ChooseRows struct {
	Types []string `yaml:"types"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Database: Database{
			Driver:  "pgx",
			Dialect: "postgres",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Flush: Flush{
			Workers:         4,
			FlushersPerType: 1,
			Schedule:        "@every 10s",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Database.Driver == "" {
		errs = append(errs, errors.New("database.driver is required"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Database.Dialect {
	case "postgres", "mysql", "mariadb", "sqlite", "oracle", "sqlserver":
	default:
		errs = append(errs, fmt.Errorf("unknown database.dialect %q", c.Database.Dialect))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.Flush.Workers < 1 {
		errs = append(errs, errors.New("flush.workers must be positive"))
	}
	if _, err := ParseSchedule(c.Flush.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid flush.schedule %q: %w", c.Flush.Schedule, err))
	}
	if c.Flush.BurstRate < 0 {
		errs = append(errs, errors.New("flush.burst_rate cannot be negative"))
	}

	seen := map[string]bool{}
	for i, s := range c.Signals {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("signals[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("signal %s: declared twice", s.Name))
		}
		seen[s.Name] = true
		if s.Table == "" {
			errs = append(errs, fmt.Errorf("signal %s: table is required", s.Name))
		}
		if len(s.PrimaryKey) == 0 {
			errs = append(errs, fmt.Errorf("signal %s: primary_key is required", s.Name))
		}
		switch s.Broker {
		case BrokerKafka:
			if c.Brokers.Kafka == nil || len(c.Brokers.Kafka.Brokers) == 0 {
				errs = append(errs, fmt.Errorf("signal %s: brokers.kafka is not configured", s.Name))
			}
		case BrokerAMQP:
			if c.Brokers.AMQP == nil || c.Brokers.AMQP.URL == "" {
				errs = append(errs, fmt.Errorf("signal %s: brokers.amqp is not configured", s.Name))
			}
		case BrokerNATS:
			if c.Brokers.NATS == nil || c.Brokers.NATS.URL == "" {
				errs = append(errs, fmt.Errorf("signal %s: brokers.nats is not configured", s.Name))
			}
		case BrokerMQTT:
			if c.Brokers.MQTT == nil || c.Brokers.MQTT.URL == "" {
				errs = append(errs, fmt.Errorf("signal %s: brokers.mqtt is not configured", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("signal %s: unknown broker %q", s.Name, s.Broker))
		}
		if s.Topic == "" {
			errs = append(errs, fmt.Errorf("signal %s: topic is required", s.Name))
		}
	}
	return errors.Join(errs...)
}
