// Package config centralises runtime configuration helpers for SimpleBus.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DurabilityMode names one of the closed set of durability policies.
type DurabilityMode string

const (
	// FsyncAlways forces every record to stable storage before its ack.
	FsyncAlways DurabilityMode = "fsync_always"
	// FsyncBatch accumulates acks and fsyncs when either batch bound is hit.
	FsyncBatch DurabilityMode = "fsync_batch"
	// OSBuffered never fsyncs from the hot path.
	OSBuffered DurabilityMode = "os_buffered"
)

// Durability selects when appended bytes are forced to stable storage.
// MaxEvents and MaxMillis only apply to FsyncBatch.
type Durability struct {
	Mode      DurabilityMode `yaml:"mode"`
	MaxEvents int            `yaml:"maxEvents,omitempty"`
	MaxMillis int            `yaml:"maxMillis,omitempty"`
}

// BatchInterval converts MaxMillis to a duration.
func (d Durability) BatchInterval() time.Duration {
	return time.Duration(d.MaxMillis) * time.Millisecond
}

// UnmarshalYAML accepts either a bare mode string or a mapping with batch
// bounds.
func (d *Durability) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = defaultDurability()
		return nil
	}
	if node.Kind == yaml.ScalarNode {
		mode := DurabilityMode(strings.ToLower(strings.TrimSpace(node.Value)))
		switch mode {
		case FsyncAlways, OSBuffered:
			*d = Durability{Mode: mode, MaxEvents: 0, MaxMillis: 0}
			return nil
		case FsyncBatch:
			*d = defaultDurability()
			return nil
		}
		return fmt.Errorf("durability: unknown mode %q", node.Value)
	}

	type plain Durability
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("durability: %w", err)
	}
	p.Mode = DurabilityMode(strings.ToLower(strings.TrimSpace(string(p.Mode))))
	switch p.Mode {
	case FsyncAlways, OSBuffered:
	case FsyncBatch, "":
		if p.Mode == "" {
			p.Mode = FsyncBatch
		}
		if p.MaxEvents <= 0 {
			p.MaxEvents = defaultBatchMaxEvents
		}
		if p.MaxMillis <= 0 {
			p.MaxMillis = defaultBatchMaxMillis
		}
	default:
		return fmt.Errorf("durability: unknown mode %q", p.Mode)
	}
	*d = Durability(p)
	return nil
}

const (
	defaultBatchMaxEvents = 256
	defaultBatchMaxMillis = 5

	// MiB keeps segment sizing readable.
	MiB = 1 << 20
)

func defaultDurability() Durability {
	return Durability{Mode: FsyncBatch, MaxEvents: defaultBatchMaxEvents, MaxMillis: defaultBatchMaxMillis}
}

// Config carries the engine options enumerated for the durable log.
type Config struct {
	DataDir              string     `yaml:"dataDir"`
	Durability           Durability `yaml:"durability"`
	MaxSegmentBytes      int64      `yaml:"maxSegmentBytes"`
	TimestampIndexStride int        `yaml:"timestampIndexStride"`
	ChannelCapacity      int        `yaml:"channelCapacity"`
	SubscriberBuffer     int        `yaml:"subscriberBuffer"`
	MaxPayloadBytes      int        `yaml:"maxPayloadBytes"`
	MaxTopicNameBytes    int        `yaml:"maxTopicNameBytes"`
}

// ServerConfig sizes the network front-end.
type ServerConfig struct {
	Addr              string  `yaml:"addr"`
	PublishRatePerSec float64 `yaml:"publishRatePerSec"`
	PublishBurst      int     `yaml:"publishBurst"`
}

// TelemetryConfig selects the metrics exporter endpoint.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// AppConfig is the daemon configuration tree.
type AppConfig struct {
	Environment string          `yaml:"environment"`
	Bus         Config          `yaml:"bus"`
	Server      ServerConfig    `yaml:"server"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the default engine configuration.
func Default() Config {
	return Config{
		DataDir:              "data",
		Durability:           defaultDurability(),
		MaxSegmentBytes:      256 * MiB,
		TimestampIndexStride: 10_000,
		ChannelCapacity:      1024,
		SubscriberBuffer:     1024,
		MaxPayloadBytes:      16 * MiB,
		MaxTopicNameBytes:    128,
	}
}

// DefaultApp returns the default daemon configuration.
func DefaultApp() AppConfig {
	return AppConfig{
		Environment: "prod",
		Bus:         Default(),
		Server: ServerConfig{
			Addr:              "127.0.0.1:8080",
			PublishRatePerSec: 0,
			PublishBurst:      0,
		},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: "simplebus"},
	}
}

// FromEnv loads engine overrides from SIMPLEBUS_* environment variables.
func FromEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv("SIMPLEBUS_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("SIMPLEBUS_DURABILITY")); v != "" {
		mode := DurabilityMode(strings.ToLower(v))
		switch mode {
		case FsyncAlways, OSBuffered:
			cfg.Durability = Durability{Mode: mode, MaxEvents: 0, MaxMillis: 0}
		case FsyncBatch:
			cfg.Durability = defaultDurability()
		}
	}
	if v := envInt64("SIMPLEBUS_MAX_SEGMENT_BYTES"); v > 0 {
		cfg.MaxSegmentBytes = v
	}
	if v := envInt("SIMPLEBUS_TIMESTAMP_INDEX_STRIDE"); v > 0 {
		cfg.TimestampIndexStride = v
	}
	if v := envInt("SIMPLEBUS_CHANNEL_CAPACITY"); v > 0 {
		cfg.ChannelCapacity = v
	}
	if v := envInt("SIMPLEBUS_SUBSCRIBER_BUFFER"); v > 0 {
		cfg.SubscriberBuffer = v
	}
	if v := envInt("SIMPLEBUS_MAX_PAYLOAD_BYTES"); v > 0 {
		cfg.MaxPayloadBytes = v
	}
	if v := envInt("SIMPLEBUS_MAX_TOPIC_NAME_BYTES"); v > 0 {
		cfg.MaxTopicNameBytes = v
	}
	return cfg
}

func envInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envInt64(key string) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Validate checks the engine configuration bounds.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: dataDir required")
	}
	switch c.Durability.Mode {
	case FsyncAlways, OSBuffered:
	case FsyncBatch:
		if c.Durability.MaxEvents <= 0 {
			return fmt.Errorf("config: durability.maxEvents must be > 0")
		}
		if c.Durability.MaxMillis <= 0 {
			return fmt.Errorf("config: durability.maxMillis must be > 0")
		}
	default:
		return fmt.Errorf("config: unknown durability mode %q", c.Durability.Mode)
	}
	if c.MaxSegmentBytes < MiB {
		return fmt.Errorf("config: maxSegmentBytes must be >= 1 MiB")
	}
	if c.TimestampIndexStride < 1 {
		return fmt.Errorf("config: timestampIndexStride must be >= 1")
	}
	if c.ChannelCapacity < 1 {
		return fmt.Errorf("config: channelCapacity must be >= 1")
	}
	if c.SubscriberBuffer < 1 {
		return fmt.Errorf("config: subscriberBuffer must be >= 1")
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("config: maxPayloadBytes must be >= 1")
	}
	if c.MaxTopicNameBytes < 1 || c.MaxTopicNameBytes > 255 {
		return fmt.Errorf("config: maxTopicNameBytes must be in [1, 255]")
	}
	return nil
}

// Load reads and validates a daemon configuration file.
func Load(path string) (AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultApp()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Bus = FromEnv(cfg.Bus)
	if err := cfg.Bus.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration file when present, falling back to
// defaults (plus environment overrides) when it does not exist. The boolean
// reports whether a file was read.
func LoadOrDefault(path string) (AppConfig, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultApp()
			cfg.Bus = FromEnv(cfg.Bus)
			if err := cfg.Bus.Validate(); err != nil {
				return AppConfig{}, false, err
			}
			return cfg, false, nil
		}
		return AppConfig{}, false, fmt.Errorf("stat config %s: %w", path, err)
	}
	cfg, err := Load(path)
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}
