package worker

import "gitpull/internal"

// SubscriberConfig selects the brokers a worker consumes pushes from. The
// broker sections share their shape with the publisher side so one YAML
// block can describe both ends of a topic.
type SubscriberConfig struct {
	Driver  string   `yaml:"driver"`
	Drivers []string `yaml:"drivers"`

	GoChannel internal.GoChannelConfig `yaml:"gochannel"`
	Kafka     internal.KafkaConfig     `yaml:"kafka"`
	NATS      internal.NATSConfig      `yaml:"nats"`
	AMQP      internal.AMQPConfig      `yaml:"amqp"`
	SQL       internal.SQLConfig       `yaml:"sql"`
}
