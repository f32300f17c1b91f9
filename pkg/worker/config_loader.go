package worker

import (
	"strings"

	"gitpull/internal"
)

type AppConfig struct {
	Subscriber SubscriberConfig `yaml:"subscriber"`
}

// LoadSubscriberConfig reads the subscriber section of the config file.
func LoadSubscriberConfig(path string) (SubscriberConfig, error) {
	var cfg AppConfig
	if err := internal.ReadYAML(path, &cfg); err != nil {
		return cfg.Subscriber, err
	}
	applySubscriberDefaults(&cfg.Subscriber)
	return cfg.Subscriber, nil
}

// LoadTopicsFromConfig returns every topic a push can be published to: the
// pull topic followed by the rule topics.
func LoadTopicsFromConfig(path string) ([]string, error) {
	cfg, err := internal.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return TopicsFromConfig(cfg), nil
}

// TopicsFromConfig is LoadTopicsFromConfig for an already loaded config.
func TopicsFromConfig(cfg internal.Config) []string {
	topics := []string{cfg.Pull.Topic}
	for _, rule := range cfg.Rules {
		for _, topic := range rule.Emit {
			topics = append(topics, strings.TrimSpace(topic))
		}
	}
	return uniqueTopics(topics)
}

func uniqueTopics(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func applySubscriberDefaults(cfg *SubscriberConfig) {
	if cfg.Driver == "" && len(cfg.Drivers) == 0 {
		cfg.Driver = "gochannel"
	}
	if cfg.GoChannel.OutputChannelBuffer == 0 {
		cfg.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.NATS.ClientIDSuffix == "" {
		cfg.NATS.ClientIDSuffix = "-worker"
	}
}
