package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
	PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error
	Close() error
}

type watermillPublisher struct {
	publisher message.Publisher
	closeFn   func() error
}

// PublisherFactory builds a watermill publisher for a custom driver. The
// returned close func, if any, runs after the publisher is closed.
type PublisherFactory func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error)

// publisherFactories take precedence over the built-in drivers so the
// server can swap in the gochannel shared with an embedded worker.
var publisherFactories = map[string]PublisherFactory{
	"gochannel": buildGoChannelPublisher,
}

// RegisterPublisherDriver registers or replaces the factory for a driver name.
func RegisterPublisherDriver(name string, factory PublisherFactory) {
	if name == "" || factory == nil {
		return
	}
	publisherFactories[strings.ToLower(name)] = factory
}

type publisherBuilder func(cfg WatermillConfig, logger watermill.LoggerAdapter) (Publisher, error)

var publisherBuilders = map[string]publisherBuilder{
	"amqp":       buildAMQPPublisher,
	"http":       buildHTTPPublisher,
	"kafka":      buildKafkaPublisher,
	"nats":       buildNATSPublisher,
	"riverqueue": buildRiverQueuePublisher,
	"sql":        buildSQLPublisher,
}

// NewPublisher builds a publisher for every configured driver. Drivers that
// fail to initialize are skipped as long as one remains.
func NewPublisher(cfg WatermillConfig) (Publisher, error) {
	logger := watermill.NewStdLogger(false, false)

	mux := &publisherMux{
		publishers: make(map[string]Publisher),
		attempts:   cfg.PublishRetry.Attempts,
		delay:      time.Duration(cfg.PublishRetry.DelayMS) * time.Millisecond,
	}
	for _, driver := range DriverList(cfg.Driver, cfg.Drivers) {
		pub, err := newSinglePublisher(cfg, driver, logger)
		if err != nil {
			logger.Error("publisher init failed, skipping driver", err, watermill.LogFields{
				"driver": driver,
			})
			continue
		}
		mux.publishers[driver] = pub
		mux.defaultDrivers = append(mux.defaultDrivers, driver)
	}
	if len(mux.publishers) == 0 {
		return nil, errors.New("no publishers available")
	}
	return mux, nil
}

func newSinglePublisher(cfg WatermillConfig, driver string, logger watermill.LoggerAdapter) (Publisher, error) {
	if factory, ok := publisherFactories[driver]; ok {
		pub, closeFn, err := factory(cfg, logger)
		if err != nil {
			return nil, err
		}
		return &watermillPublisher{publisher: pub, closeFn: closeFn}, nil
	}
	build, ok := publisherBuilders[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported watermill driver: %s", driver)
	}
	return RetryBroker(func() (Publisher, error) {
		return build(cfg, logger)
	})
}

func buildHTTPPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (Publisher, error) {
	if _, err := httpTargetURL(cfg.HTTP, "probe"); err != nil {
		return nil, err
	}
	pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*http.Request, error) {
			target, err := httpTargetURL(cfg.HTTP, topic)
			if err != nil {
				return nil, err
			}
			return wmhttp.DefaultMarshalMessageFunc(target, msg)
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	return &watermillPublisher{publisher: pub}, nil
}

func buildKafkaPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	pub, err := wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
	if err != nil {
		return nil, err
	}
	return &watermillPublisher{publisher: pub}, nil
}

func buildNATSPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (Publisher, error) {
	if err := cfg.NATS.Validate(); err != nil {
		return nil, err
	}
	pub, err := wmnats.NewStreamingPublisher(wmnats.StreamingPublisherConfig{
		ClusterID:   cfg.NATS.ClusterID,
		ClientID:    cfg.NATS.ClientID,
		StanOptions: cfg.NATS.StanOptions(),
		Marshaler:   wmnats.GobMarshaler{},
	}, logger)
	if err != nil {
		return nil, err
	}
	return &watermillPublisher{publisher: pub}, nil
}

func buildAMQPPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (Publisher, error) {
	amqpCfg, err := cfg.AMQP.Watermill()
	if err != nil {
		return nil, err
	}
	pub, err := wmamaqp.NewPublisher(amqpCfg, logger)
	if err != nil {
		return nil, err
	}
	return &watermillPublisher{publisher: pub}, nil
}

func buildSQLPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (Publisher, error) {
	schema, _, err := cfg.SQL.Adapters()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, err
	}
	pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
		SchemaAdapter:        schema,
		AutoInitializeSchema: cfg.SQL.InitSchema(),
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &watermillPublisher{publisher: pub, closeFn: db.Close}, nil
}

func buildRiverQueuePublisher(cfg WatermillConfig, _ watermill.LoggerAdapter) (Publisher, error) {
	return newRiverQueuePublisher(cfg.RiverQueue)
}

func (w *watermillPublisher) Publish(ctx context.Context, topic string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("provider", event.Provider)
	msg.Metadata.Set("event", event.Name)
	msg.Metadata.Set("owner", event.Owner)
	msg.Metadata.Set("repository", event.Repository)
	msg.Metadata.Set("branch", event.Branch)
	msg.Metadata.Set("commit", event.Commit)
	if event.RequestID != "" {
		msg.Metadata.Set("request_id", event.RequestID)
	}
	return w.publisher.Publish(topic, msg)
}

func (w *watermillPublisher) Close() error {
	if w.publisher == nil {
		return nil
	}
	err := w.publisher.Close()
	if w.closeFn != nil {
		return errors.Join(err, w.closeFn())
	}
	return err
}

func (w *watermillPublisher) PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error {
	return w.Publish(ctx, topic, event)
}

type publisherMux struct {
	publishers     map[string]Publisher
	defaultDrivers []string
	attempts       int
	delay          time.Duration
}

func (m *publisherMux) Publish(ctx context.Context, topic string, event Event) error {
	return m.PublishForDrivers(ctx, topic, event, nil)
}

func (m *publisherMux) PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error {
	targets := drivers
	if len(targets) == 0 {
		targets = m.defaultDrivers
	}

	var err error
	for _, driver := range targets {
		pub, ok := m.publishers[strings.ToLower(driver)]
		if !ok {
			err = errors.Join(err, fmt.Errorf("unknown driver %s", driver))
			continue
		}
		if publishErr := m.publishWithRetry(ctx, pub, topic, event); publishErr != nil {
			IncPublishError(strings.ToLower(driver))
			err = errors.Join(err, fmt.Errorf("%s: %w", driver, publishErr))
		}
	}
	return err
}

// publishWithRetry retries a failed publish after the configured delay
// until attempts run out or ctx is done.
func (m *publisherMux) publishWithRetry(ctx context.Context, pub Publisher, topic string, event Event) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = pub.Publish(ctx, topic, event); err == nil || attempt >= m.attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(m.delay):
		}
	}
}

func (m *publisherMux) Close() error {
	var err error
	for _, pub := range m.publishers {
		err = errors.Join(err, pub.Close())
	}
	return err
}

func buildGoChannelPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	return gochannel.NewGoChannel(cfg.GoChannel.Watermill(), logger), nil, nil
}

func httpTargetURL(cfg HTTPConfig, topic string) (string, error) {
	switch strings.ToLower(cfg.Mode) {
	case "topic_url":
		if topic == "" {
			return "", fmt.Errorf("http topic url is empty")
		}
		return topic, nil
	case "base_url":
		if cfg.BaseURL == "" {
			return "", fmt.Errorf("http base_url is empty")
		}
		if topic == "" {
			return strings.TrimRight(cfg.BaseURL, "/"), nil
		}
		return strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(topic, "/"), nil
	default:
		return "", fmt.Errorf("unsupported http mode: %s", cfg.Mode)
	}
}
