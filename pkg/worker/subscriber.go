package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"gitpull/internal"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

type subscriberBuilder func(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error)

var subscriberBuilders = map[string]subscriberBuilder{
	"amqp":      buildAMQPSubscriber,
	"gochannel": buildGoChannelSubscriber,
	"kafka":     buildKafkaSubscriber,
	"nats":      buildNATSSubscriber,
	"sql":       buildSQLSubscriber,
}

// NewFromConfig creates a worker that consumes from the configured brokers.
func NewFromConfig(cfg SubscriberConfig, opts ...Option) (*Worker, error) {
	sub, err := BuildSubscriber(cfg)
	if err != nil {
		return nil, err
	}
	return New(append(opts, WithSubscriber(sub))...), nil
}

// BuildSubscriber creates the subscriber for cfg. With Drivers set, the
// supported drivers are fanned into one subscriber and messages carry the
// driver name in their metadata; unsupported or unreachable drivers are
// skipped. A single Driver must be supported.
func BuildSubscriber(cfg SubscriberConfig) (message.Subscriber, error) {
	logger := watermill.NewStdLogger(false, false)

	if len(cfg.Drivers) > 0 {
		return buildMultiSubscriber(cfg, logger)
	}
	driver := internal.DriverList(cfg.Driver, nil)[0]
	build, ok := subscriberBuilders[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported subscriber driver: %s", driver)
	}
	return internal.RetryBroker(func() (message.Subscriber, error) {
		return build(cfg, logger)
	})
}

func buildMultiSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	multi := &multiSubscriber{bufferSize: cfg.GoChannel.OutputChannelBuffer}
	for _, driver := range internal.DriverList(cfg.Driver, cfg.Drivers) {
		build, ok := subscriberBuilders[driver]
		if !ok {
			logger.Info("skipping unsupported subscriber driver", watermill.LogFields{"driver": driver})
			continue
		}
		sub, err := internal.RetryBroker(func() (message.Subscriber, error) {
			return build(cfg, logger)
		})
		if err != nil {
			logger.Error("subscriber init failed, skipping driver", err, watermill.LogFields{"driver": driver})
			continue
		}
		multi.subscribers = append(multi.subscribers, namedSubscriber{driver: driver, sub: sub})
	}
	if len(multi.subscribers) == 0 {
		return nil, errors.New("no supported subscriber drivers configured")
	}
	return multi, nil
}

func buildGoChannelSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return gochannel.NewGoChannel(cfg.GoChannel.Watermill(), logger), nil
}

func buildAMQPSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	amqpCfg, err := cfg.AMQP.Watermill()
	if err != nil {
		return nil, err
	}
	return wmamaqp.NewSubscriber(amqpCfg, logger)
}

func buildNATSSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if err := cfg.NATS.Validate(); err != nil {
		return nil, err
	}
	return wmnats.NewStreamingSubscriber(wmnats.StreamingSubscriberConfig{
		ClusterID:   cfg.NATS.ClusterID,
		ClientID:    cfg.NATS.ClientID + cfg.NATS.ClientIDSuffix,
		DurableName: cfg.NATS.Durable,
		StanOptions: cfg.NATS.StanOptions(),
		Unmarshaler: wmnats.GobMarshaler{},
	}, logger)
}

func buildKafkaSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	return wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
		Brokers:       cfg.Kafka.Brokers,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
	}, nil, wmkafka.DefaultMarshaler{}, logger)
}

func buildSQLSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	schema, offsets, err := cfg.SQL.Adapters()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, err
	}
	sub, err := wmsql.NewSubscriber(db, wmsql.SubscriberConfig{
		ConsumerGroup:    cfg.SQL.ConsumerGroup,
		SchemaAdapter:    schema,
		OffsetsAdapter:   offsets,
		InitializeSchema: cfg.SQL.InitSchema(),
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &closingSubscriber{Subscriber: sub, closeFn: db.Close}, nil
}

type closingSubscriber struct {
	message.Subscriber
	closeFn func() error
}

func (c *closingSubscriber) Close() error {
	err := c.Subscriber.Close()
	if c.closeFn != nil {
		err = errors.Join(err, c.closeFn())
	}
	return err
}

type multiSubscriber struct {
	subscribers []namedSubscriber
	bufferSize  int64
}

type namedSubscriber struct {
	driver string
	sub    message.Subscriber
}

func (m *multiSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if len(m.subscribers) == 0 {
		return nil, errors.New("no subscribers configured")
	}
	buffer := m.bufferSize
	if buffer <= 0 {
		buffer = 64
	}

	sources := make([]<-chan *message.Message, 0, len(m.subscribers))
	for _, entry := range m.subscribers {
		ch, err := entry.sub.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s to %s: %w", entry.driver, topic, err)
		}
		sources = append(sources, ch)
	}

	out := make(chan *message.Message, buffer)
	var wg sync.WaitGroup
	for i, ch := range sources {
		wg.Add(1)
		go func(driver string, ch <-chan *message.Message) {
			defer wg.Done()
			forwardTagged(ctx, driver, ch, out)
		}(m.subscribers[i].driver, ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// forwardTagged copies messages from in to out, recording which driver
// delivered them, until in closes or ctx is done.
func forwardTagged(ctx context.Context, driver string, in <-chan *message.Message, out chan<- *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if msg.Metadata == nil {
				msg.Metadata = message.Metadata{}
			}
			msg.Metadata.Set("driver", driver)
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *multiSubscriber) Close() error {
	var err error
	for _, entry := range m.subscribers {
		err = errors.Join(err, entry.sub.Close())
	}
	return err
}
