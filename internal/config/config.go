package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. GATEWAY_LOG_LEVEL.
const EnvPrefix = "GATEWAY"

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	LogLevel   string           `json:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat  string           `json:"log_format" envconfig:"LOG_FORMAT"`
	QueueSize  int              `json:"queue_size" envconfig:"QUEUE_SIZE"`
	Redelivery RedeliveryConfig `json:"redelivery"`
	Store      StoreConfig      `json:"store"`
	Monitor    MonitorConfig    `json:"monitor"`
	Kafka      KafkaConfig      `json:"kafka"`

	Connections  []ConnectorConfig `json:"connections" ignored:"true"`
	Applications []ConnectorConfig `json:"applications" ignored:"true"`
}

type RedeliveryConfig struct {
	MaxRedeliveries int      `json:"max_redeliveries" envconfig:"MAX_REDELIVERIES"`
	Delay           Duration `json:"delay" envconfig:"DELAY"`
}

type StoreConfig struct {
	Driver string `json:"driver" envconfig:"DRIVER"`
	DSN    string `json:"dsn" envconfig:"DSN"`
	Prefix string `json:"prefix" envconfig:"PREFIX"`
}

// MonitorConfig schedules the periodic retry of failed messages.
type MonitorConfig struct {
	Enabled  bool     `json:"enabled" envconfig:"ENABLED"`
	Delay    Duration `json:"delay" envconfig:"DELAY"`
	Interval Duration `json:"interval" envconfig:"INTERVAL"`
}

type KafkaConfig struct {
	Brokers             []string `json:"brokers" envconfig:"BROKERS"`
	HealthCheckInterval Duration `json:"health_check_interval" envconfig:"HEALTH_CHECK_INTERVAL"`
	// DedupeStore is "memory" or "redis"; redis reuses the store DSN.
	DedupeStore string   `json:"dedupe_store" envconfig:"DEDUPE_STORE"`
	DedupeTTL   Duration `json:"dedupe_ttl" envconfig:"DEDUPE_TTL"`
}

// ConnectorConfig declares one connector service of the topology.
type ConnectorConfig struct {
	ID                    string            `json:"id"`
	Type                  string            `json:"type"`
	Priority              *int              `json:"priority,omitempty"`
	MaxConcurrentMessages int               `json:"max_concurrent_messages,omitempty"`
	Settings              map[string]any    `json:"settings,omitempty"`
	Acceptors             []ComponentConfig `json:"acceptors,omitempty"`
	PreProcessingActions  []ComponentConfig `json:"pre_processing_actions,omitempty"`
	PostProcessingActions []ComponentConfig `json:"post_processing_actions,omitempty"`
	PostReceivingActions  []ComponentConfig `json:"post_receiving_actions,omitempty"`
}

// ComponentConfig names a registered acceptor or action type.
type ComponentConfig struct {
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Duration reads "1.5s" style strings from JSON and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		QueueSize: 1000,
		Redelivery: RedeliveryConfig{
			MaxRedeliveries: 3,
			Delay:           Duration{3 * time.Second},
		},
		Store: StoreConfig{
			Driver: StoreMemory,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Delay:    Duration{30 * time.Second},
			Interval: Duration{30 * time.Second},
		},
		Kafka: KafkaConfig{
			Brokers:             []string{"localhost:9092"},
			HealthCheckInterval: Duration{30 * time.Second},
			DedupeStore:         StoreMemory,
			DedupeTTL:           Duration{time.Hour},
		},
	}
}

// Load builds the configuration from defaults, the optional JSON file at
// path, an optional .env file and GATEWAY_* environment variables, in that
// order of precedence from lowest to highest.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeJSON(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.LogLevel, validation.Required,
			validation.In("trace", "debug", "info", "warn", "warning", "error", "fatal", "panic")),
		validation.Field(&c.LogFormat, validation.In("json", "text")),
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Redelivery),
		validation.Field(&c.Store),
		validation.Field(&c.Monitor),
		validation.Field(&c.Kafka),
		validation.Field(&c.Connections),
		validation.Field(&c.Applications),
	)
	if err != nil {
		return err
	}
	if c.Kafka.DedupeStore == StoreRedis && c.Store.Driver != StoreRedis {
		return errors.New("kafka.dedupe_store redis requires the redis store driver")
	}

	for pool, services := range map[string][]ConnectorConfig{
		"connections":  c.Connections,
		"applications": c.Applications,
	} {
		seen := make(map[string]bool, len(services))
		for _, s := range services {
			id := strings.ToLower(strings.TrimSpace(s.ID))
			if seen[id] {
				return fmt.Errorf("duplicate %s id %q", pool, s.ID)
			}
			seen[id] = true
		}
	}
	return nil
}

func (r RedeliveryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRedeliveries, validation.Required, validation.Min(1)),
		validation.Field(&r.Delay, validation.By(nonNegative)),
	)
}

func (s StoreConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Driver, validation.Required, validation.In(StoreMemory, StoreRedis, StorePostgres)),
		validation.Field(&s.DSN, validation.When(s.Driver != StoreMemory, validation.Required)),
	)
}

func (m MonitorConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Delay, validation.By(nonNegative)),
		validation.Field(&m.Interval, validation.When(m.Enabled, validation.By(positive))),
	)
}

func (k KafkaConfig) Validate() error {
	return validation.ValidateStruct(&k,
		validation.Field(&k.DedupeStore, validation.In(StoreMemory, StoreRedis)),
		validation.Field(&k.DedupeTTL, validation.By(positive)),
		validation.Field(&k.HealthCheckInterval, validation.By(positive)),
	)
}

func (c ConnectorConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.Type, validation.Required),
		validation.Field(&c.MaxConcurrentMessages, validation.Min(0)),
		validation.Field(&c.Acceptors),
		validation.Field(&c.PreProcessingActions),
		validation.Field(&c.PostProcessingActions),
		validation.Field(&c.PostReceivingActions),
	)
}

func (c ComponentConfig) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.Type, validation.Required))
}

func nonNegative(value any) error {
	if d, ok := value.(Duration); ok && d.Duration < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func positive(value any) error {
	if d, ok := value.(Duration); ok && d.Duration <= 0 {
		return errors.New("must be positive")
	}
	return nil
}
