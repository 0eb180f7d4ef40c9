// Package config loads the replica configuration from flags, environment
// (prefix REPLICAMAP) and an optional config file through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "REPLICAMAP"

const (
	PlatformMemory = "memory"
	PlatformKafka  = "kafka"
)

type Config struct {
	Platform       string       `mapstructure:"platform"`
	Kafka          KafkaConfig  `mapstructure:"kafka"`
	Topics         TopicsConfig `mapstructure:"topics"`
	Partitions     int32        `mapstructure:"partitions"`
	Flush          FlushConfig  `mapstructure:"flush"`
	Queue          QueueConfig  `mapstructure:"queue"`
	CleanQueueSize int          `mapstructure:"clean-queue-size"`
	GRPC           AddrConfig   `mapstructure:"grpc"`
	Admin          AddrConfig   `mapstructure:"admin"`
	Log            LogConfig    `mapstructure:"log"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Version string   `mapstructure:"version"`
}

type TopicsConfig struct {
	Ops   string `mapstructure:"ops"`
	Flush string `mapstructure:"flush"`
	Data  string `mapstructure:"data"`
}

type FlushConfig struct {
	Group string `mapstructure:"group"`

	// Partitions flushed by this replica. Empty means all of them.
	Partitions      []int         `mapstructure:"partitions"`
	PeriodOps       int64         `mapstructure:"period-ops"`
	HistoryRecords  int           `mapstructure:"history-records"`
	MaxPollTimeout  time.Duration `mapstructure:"max-poll-timeout"`
	ReadbackTimeout time.Duration `mapstructure:"readback-timeout"`
	SteadyTimeout   time.Duration `mapstructure:"steady-timeout"`
}

type QueueConfig struct {
	ForceMergeEvery int `mapstructure:"force-merge-every"`
}

type AddrConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("platform", PlatformMemory)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.version", "2.8.0")
	v.SetDefault("topics.ops", "replicamap_ops")
	v.SetDefault("topics.flush", "replicamap_flush")
	v.SetDefault("topics.data", "replicamap_data")
	v.SetDefault("partitions", 4)
	v.SetDefault("flush.group", "replicamap_flush")
	v.SetDefault("flush.partitions", []int{})
	v.SetDefault("flush.period-ops", 5000)
	v.SetDefault("flush.history-records", 50)
	v.SetDefault("flush.max-poll-timeout", time.Second)
	v.SetDefault("flush.readback-timeout", 5*time.Second)
	v.SetDefault("flush.steady-timeout", 100*time.Millisecond)
	v.SetDefault("queue.force-merge-every", 64)
	v.SetDefault("clean-queue-size", 1024)
	v.SetDefault("grpc.addr", ":50051")
	v.SetDefault("admin.addr", ":9090")
	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Platform {
	case PlatformMemory:
	case PlatformKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers: at least one broker is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("platform: unknown platform %q", c.Platform))
	}
	if c.Topics.Ops == "" || c.Topics.Flush == "" || c.Topics.Data == "" {
		errs = append(errs, errors.New("topics: ops, flush and data topics are required"))
	}
	if c.Topics.Ops != "" && (c.Topics.Ops == c.Topics.Flush || c.Topics.Ops == c.Topics.Data || c.Topics.Flush == c.Topics.Data) {
		errs = append(errs, errors.New("topics: ops, flush and data topics must differ"))
	}
	if c.Partitions <= 0 {
		errs = append(errs, fmt.Errorf("partitions: must be positive, got %d", c.Partitions))
	}
	if c.Flush.Group == "" {
		errs = append(errs, errors.New("flush.group: required"))
	}
	for _, p := range c.Flush.Partitions {
		if p < 0 || p >= int(c.Partitions) {
			errs = append(errs, fmt.Errorf("flush.partitions: partition %d out of range [0, %d)", p, c.Partitions))
		}
	}
	if c.Flush.PeriodOps < 0 {
		errs = append(errs, fmt.Errorf("flush.period-ops: must not be negative, got %d", c.Flush.PeriodOps))
	}
	if c.Flush.HistoryRecords <= 0 {
		errs = append(errs, fmt.Errorf("flush.history-records: must be positive, got %d", c.Flush.HistoryRecords))
	}
	for name, d := range map[string]time.Duration{
		"flush.max-poll-timeout": c.Flush.MaxPollTimeout,
		"flush.readback-timeout": c.Flush.ReadbackTimeout,
		"flush.steady-timeout":   c.Flush.SteadyTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", name, d))
		}
	}
	if c.CleanQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("clean-queue-size: must be positive, got %d", c.CleanQueueSize))
	}
	return errors.Join(errs...)
}

// FlushPartitions returns the partitions this replica flushes.
func (c Config) FlushPartitions() []int32 {
	var parts []int32
	if len(c.Flush.Partitions) == 0 {
		for p := int32(0); p < c.Partitions; p++ {
			parts = append(parts, p)
		}
		return parts
	}
	for _, p := range c.Flush.Partitions {
		parts = append(parts, int32(p))
	}
	return parts
}
