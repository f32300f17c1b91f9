package internal

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPullTopic is the topic push events are published to when no rule
// selects another one.
const DefaultPullTopic = "gitpull.push"

// AppConfig represents the main application configuration.
type AppConfig struct {
	// Server holds server-specific configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		DebugEvents    bool   `yaml:"debug_events"`
	} `yaml:"server"`
	// Providers contains configuration for each Git provider.
	Providers struct {
		GitHub    ProviderConfig `yaml:"github"`
		GitLab    ProviderConfig `yaml:"gitlab"`
		Bitbucket ProviderConfig `yaml:"bitbucket"`
	} `yaml:"providers"`
	// Storage holds the pull event ledger database settings.
	Storage StorageConfig `yaml:"storage"`
	// Watermill holds configuration for the message router.
	Watermill WatermillConfig `yaml:"watermill"`
	// Pull holds the sync pipeline settings.
	Pull PullConfig `yaml:"pull"`
}

// Config represents the application configuration including rules.
type Config struct {
	AppConfig   `yaml:",inline"`
	Rules       []Rule `yaml:"rules"`
	RulesStrict bool   `yaml:"rules_strict"`
}

// ProviderConfig represents the configuration for a single Git provider.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Secret  string `yaml:"secret"`
	BaseURL string `yaml:"base_url"`
	// Token and Username are static clone credentials.
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	// AppID and PrivateKeyPath enable GitHub App installation tokens.
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// StorageConfig holds the ledger database configuration.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	Dialect     string `yaml:"dialect"`
	Table       string `yaml:"table"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// PullConfig holds the sync pipeline configuration.
type PullConfig struct {
	WorkspaceDir      string `yaml:"workspace_dir"`
	Topic             string `yaml:"topic"`
	Concurrency       int    `yaml:"concurrency"`
	MaxBaseCandidates int    `yaml:"max_base_candidates"`
	CloneDepth        int    `yaml:"clone_depth"`
	// Runner selects how the worker consumes events: "watermill" or "river".
	Runner string `yaml:"runner"`
}

// WatermillConfig holds the configuration for Watermill, which handles messaging.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds the Kafka brokers. ConsumerGroup only applies to workers.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// NATSConfig holds the NATS streaming settings. Workers append
// ClientIDSuffix to ClientID so they do not collide with the server.
type NATSConfig struct {
	ClusterID      string `yaml:"cluster_id"`
	ClientID       string `yaml:"client_id"`
	ClientIDSuffix string `yaml:"client_id_suffix"`
	URL            string `yaml:"url"`
	Durable        string `yaml:"durable"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	ConsumerGroup        string `yaml:"consumer_group"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for the RiverQueue publisher and job runner.
type RiverQueueConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
	MaxWorkers  int      `yaml:"max_workers"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// LoadAppConfig loads the application settings without the routing rules.
func LoadAppConfig(path string) (AppConfig, error) {
	cfg, err := LoadConfig(path)
	return cfg.AppConfig, err
}

// LoadConfig reads a YAML file, expands ${VAR} references, applies defaults
// and validates the routing rules.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := ReadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg.AppConfig)
	rules, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = rules
	return cfg, nil
}

// ReadYAML decodes a YAML file into out after expanding ${VAR} references.
func ReadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out)
}

// RulesConfig represents the rule-specific parts of the configuration.
type RulesConfig struct {
	Rules        []Rule `yaml:"rules"`
	Strict       bool   `yaml:"rules_strict"`
	DefaultTopic string `yaml:"-"`
	Logger       *log.Logger
}

// RulesConfig returns the rule engine settings of a loaded configuration.
func (c Config) RulesConfig(logger *log.Logger) RulesConfig {
	return RulesConfig{
		Rules:        c.Rules,
		Strict:       c.RulesStrict,
		DefaultTopic: c.Pull.Topic,
		Logger:       logger,
	}
}

func applyDefaults(cfg *AppConfig) {
	setDefault(&cfg.Server.Port, 8080)
	setDefault(&cfg.Server.ReadTimeoutMS, 5000)
	setDefault(&cfg.Server.WriteTimeoutMS, 10000)
	setDefault(&cfg.Server.IdleTimeoutMS, 60000)
	setDefault(&cfg.Server.ReadHeaderMS, 5000)
	setDefault(&cfg.Server.MaxBodyBytes, 1<<20)
	setDefault(&cfg.Server.MetricsPath, "/metrics")
	setDefault(&cfg.Providers.GitHub.Path, "/webhooks/github")
	setDefault(&cfg.Providers.GitLab.Path, "/webhooks/gitlab")
	setDefault(&cfg.Providers.Bitbucket.Path, "/webhooks/bitbucket")
	if cfg.Storage.Driver == "" && cfg.Storage.Dialect == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "gitpull.db"
	}
	setDefault(&cfg.Storage.Table, "git_pull_events")
	setDefault(&cfg.Watermill.Driver, "gochannel")
	setDefault(&cfg.Watermill.GoChannel.OutputChannelBuffer, 64)
	setDefault(&cfg.Watermill.HTTP.Mode, "topic_url")
	setDefault(&cfg.Watermill.RiverQueue.Table, "river_job")
	setDefault(&cfg.Watermill.RiverQueue.Queue, "default")
	setDefault(&cfg.Watermill.RiverQueue.Kind, DefaultPullTopic)
	setDefault(&cfg.Watermill.RiverQueue.MaxAttempts, 25)
	setDefault(&cfg.Watermill.RiverQueue.MaxWorkers, 10)
	setDefault(&cfg.Watermill.PublishRetry.Attempts, 3)
	setDefault(&cfg.Watermill.PublishRetry.DelayMS, 500)
	setDefault(&cfg.Pull.WorkspaceDir, "workspace")
	setDefault(&cfg.Pull.Topic, DefaultPullTopic)
	setDefault(&cfg.Pull.Concurrency, 4)
	setDefault(&cfg.Pull.MaxBaseCandidates, 3)
	setDefault(&cfg.Pull.Runner, "watermill")
}

// setDefault assigns value when the field still holds its zero value.
func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i, rule := range rules {
		rule.When = strings.TrimSpace(rule.When)
		rule.Emit = EmitList(trimNonEmpty(rule.Emit))
		if rule.When == "" || len(rule.Emit) == 0 {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		if len(rule.Drivers) > 0 {
			rule.Drivers = trimNonEmpty(rule.Drivers)
		}
		out = append(out, rule)
	}
	return out, nil
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
