package internal

import (
	"fmt"
	"strings"
	"time"

	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

// Broker connections are retried while the broker container starts up.
const (
	brokerBuildAttempts = 10
	brokerBuildDelay    = 2 * time.Second
)

// BuildWithRetry calls build until it succeeds or attempts run out.
func BuildWithRetry[T any](attempts int, delay time.Duration, build func() (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		built, err := build()
		if err == nil {
			return built, nil
		}
		lastErr = err
		if i < attempts-1 && delay > 0 {
			time.Sleep(delay)
		}
	}
	return zero, fmt.Errorf("init after %d attempts: %w", attempts, lastErr)
}

// RetryBroker is BuildWithRetry with the broker startup defaults.
func RetryBroker[T any](build func() (T, error)) (T, error) {
	return BuildWithRetry(brokerBuildAttempts, brokerBuildDelay, build)
}

// DriverList merges a single driver and a driver list into a lowercase,
// duplicate free list. An empty result falls back to gochannel.
func DriverList(driver string, drivers []string) []string {
	seen := make(map[string]struct{}, len(drivers)+1)
	out := make([]string, 0, len(drivers)+1)
	add := func(value string) {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			return
		}
		if _, ok := seen[value]; ok {
			return
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	for _, value := range drivers {
		add(value)
	}
	if len(out) == 0 {
		add(driver)
	}
	if len(out) == 0 {
		add("gochannel")
	}
	return out
}

// Watermill converts the settings into a gochannel config.
func (c GoChannelConfig) Watermill() gochannel.Config {
	return gochannel.Config{
		OutputChannelBuffer:            c.OutputChannelBuffer,
		Persistent:                     c.Persistent,
		BlockPublishUntilSubscriberAck: c.BlockPublishUntilSubscriberAck,
	}
}

// Watermill maps the configured mode to one of the watermill-amqp presets.
func (c AMQPConfig) Watermill() (wmamaqp.Config, error) {
	if c.URL == "" {
		return wmamaqp.Config{}, fmt.Errorf("amqp url is required")
	}
	switch strings.ToLower(c.Mode) {
	case "", "durable_queue":
		return wmamaqp.NewDurableQueueConfig(c.URL), nil
	case "nondurable_queue":
		return wmamaqp.NewNonDurableQueueConfig(c.URL), nil
	case "durable_pubsub":
		return wmamaqp.NewDurablePubSubConfig(c.URL, nil), nil
	case "nondurable_pubsub":
		return wmamaqp.NewNonDurablePubSubConfig(c.URL, nil), nil
	default:
		return wmamaqp.Config{}, fmt.Errorf("unsupported amqp mode: %s", c.Mode)
	}
}

// Validate checks the fields every NATS streaming client needs.
func (c NATSConfig) Validate() error {
	if c.ClusterID == "" || c.ClientID == "" {
		return fmt.Errorf("nats cluster_id and client_id are required")
	}
	return nil
}

// StanOptions returns the connection options for the configured URL.
func (c NATSConfig) StanOptions() []stan.Option {
	if c.URL == "" {
		return nil
	}
	return []stan.Option{stan.NatsURL(c.URL)}
}

// Adapters returns the schema and offsets adapters for the configured dialect.
func (c SQLConfig) Adapters() (wmsql.SchemaAdapter, wmsql.OffsetsAdapter, error) {
	if c.Driver == "" || c.DSN == "" {
		return nil, nil, fmt.Errorf("sql driver and dsn are required")
	}
	switch strings.ToLower(c.Dialect) {
	case "postgres", "postgresql":
		return wmsql.DefaultPostgreSQLSchema{}, wmsql.DefaultPostgreSQLOffsetsAdapter{}, nil
	case "mysql":
		return wmsql.DefaultMySQLSchema{}, wmsql.DefaultMySQLOffsetsAdapter{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sql dialect: %s", c.Dialect)
	}
}

// InitSchema reports whether watermill should create its tables.
func (c SQLConfig) InitSchema() bool {
	return c.InitializeSchema || c.AutoInitializeSchema
}
