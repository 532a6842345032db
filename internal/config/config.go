// Package config handles global configuration loading using viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/failsink/internal/failure"
)

// ErrConfigInvalid wraps every validation failure.
var ErrConfigInvalid = errors.New("failsink: invalid configuration")

// GlobalConfig represents the top-level configuration.
// Maps to the `failsink:` root key in YAML.
type GlobalConfig struct {
	Reporter ReporterConfig `mapstructure:"reporter" yaml:"reporter"`
	EventBus EventBusConfig `mapstructure:"eventbus" yaml:"eventbus"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Control  ControlConfig  `mapstructure:"control" yaml:"control"`
	Sinks    SinksConfig    `mapstructure:"sinks" yaml:"sinks"`
}

// ─── Reporter ───

// ReporterConfig configures the failure reporters built at startup.
type ReporterConfig struct {
	// Subsystems lists one reporter per entry, e.g. the phone app and the watch app.
	Subsystems      []string `mapstructure:"subsystems" yaml:"subsystems"`
	Category        string   `mapstructure:"category" yaml:"category"`
	ClassifyWrapped bool     `mapstructure:"classify_wrapped" yaml:"classify_wrapped"` // inspect wrapped causes
}

// ─── Event Bus ───

// EventBusConfig sizes the transition bus shared by all reporters.
type EventBusConfig struct {
	Partitions int `mapstructure:"partitions" yaml:"partitions"`
	QueueSize  int `mapstructure:"queue_size" yaml:"queue_size"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
// An empty Socket disables the control socket.
type ControlConfig struct {
	Socket string `mapstructure:"socket" yaml:"socket"`
}

// ─── Sinks ───

// SinksConfig lists external observers that receive every transition.
type SinksConfig struct {
	Kafka KafkaSinkConfig `mapstructure:"kafka" yaml:"kafka"`
	Redis RedisSinkConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisSinkConfig mirrors each subsystem's pending failure into a Redis hash
// and publishes transitions on a channel.
type RedisSinkConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	URL      string `mapstructure:"url" yaml:"url"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Key      string `mapstructure:"key" yaml:"key"`
	Channel  string `mapstructure:"channel" yaml:"channel"` // empty disables publishing
}

// KafkaSinkConfig publishes transitions to a Kafka topic keyed by subsystem.
type KafkaSinkConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string `mapstructure:"brokers" yaml:"brokers,omitempty"`
	Topic        string   `mapstructure:"topic" yaml:"topic"`
	BatchSize    int      `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string   `mapstructure:"compression" yaml:"compression"` // none|gzip|snappy|lz4
	MaxAttempts  int      `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format     string           `mapstructure:"format" yaml:"format"` // json / text / pattern
	Pattern    string           `mapstructure:"pattern" yaml:"pattern,omitempty"`
	TimeFormat string           `mapstructure:"time_format" yaml:"time_format,omitempty"`
	Outputs    LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
	Loki LokiOutputConfig `mapstructure:"loki" yaml:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// ─── Loading ───

type configRoot struct {
	Failsink GlobalConfig `mapstructure:"failsink"`
}

// Load loads configuration from file. An empty path yields defaults.
// Env vars use the FAILSINK_ prefix, e.g. FAILSINK_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Key "failsink.log.level" maps to env "FAILSINK_LOG_LEVEL".
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Failsink

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("failsink.reporter.subsystems", []string{"xyz.firestige.failsink"})
	v.SetDefault("failsink.reporter.category", "errors")
	v.SetDefault("failsink.reporter.classify_wrapped", false)

	v.SetDefault("failsink.eventbus.partitions", 4)
	v.SetDefault("failsink.eventbus.queue_size", 256)

	v.SetDefault("failsink.log.level", "info")
	v.SetDefault("failsink.log.format", "json")
	v.SetDefault("failsink.log.pattern", "%time [%level] %caller: %msg %field%n")
	v.SetDefault("failsink.log.time_format", "2006-01-02 15:04:05")
	v.SetDefault("failsink.log.outputs.file.enabled", false)
	v.SetDefault("failsink.log.outputs.file.path", "/var/log/failsink/failsink.log")
	v.SetDefault("failsink.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("failsink.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("failsink.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("failsink.log.outputs.file.rotation.compress", true)
	v.SetDefault("failsink.log.outputs.loki.enabled", false)
	v.SetDefault("failsink.log.outputs.loki.batch_size", 100)
	v.SetDefault("failsink.log.outputs.loki.batch_timeout", "5s")

	v.SetDefault("failsink.metrics.enabled", true)
	v.SetDefault("failsink.metrics.listen", ":9091")
	v.SetDefault("failsink.metrics.path", "/metrics")

	v.SetDefault("failsink.control.socket", "/var/run/failsink.sock")

	v.SetDefault("failsink.sinks.kafka.enabled", false)
	v.SetDefault("failsink.sinks.kafka.topic", "failsink.transitions")
	v.SetDefault("failsink.sinks.kafka.batch_size", 100)
	v.SetDefault("failsink.sinks.kafka.batch_timeout", "100ms")
	v.SetDefault("failsink.sinks.kafka.compression", "snappy")
	v.SetDefault("failsink.sinks.kafka.max_attempts", 3)
	v.SetDefault("failsink.sinks.redis.enabled", false)
	v.SetDefault("failsink.sinks.redis.url", "redis://localhost:6379/0")
	v.SetDefault("failsink.sinks.redis.key", "failsink:current")
	v.SetDefault("failsink.sinks.redis.channel", "failsink:transitions")
}

// ValidateAndApplyDefaults validates configuration and fills runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: log level %q (must be debug/info/warn/error)", ErrConfigInvalid, cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text", "console":
	case "pattern":
		if cfg.Log.Pattern == "" {
			return fmt.Errorf("%w: log.pattern is required when log.format=pattern", ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: log format %q (must be json/text/pattern/console)", ErrConfigInvalid, cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("%w: log.outputs.file.path is required when file output is enabled", ErrConfigInvalid)
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return fmt.Errorf("%w: log.outputs.loki.endpoint is required when loki output is enabled", ErrConfigInvalid)
	}

	if len(cfg.Reporter.Subsystems) == 0 {
		return fmt.Errorf("%w: reporter.subsystems must not be empty", ErrConfigInvalid)
	}
	seen := make(map[string]bool, len(cfg.Reporter.Subsystems))
	for _, s := range cfg.Reporter.Subsystems {
		if s == "" {
			return fmt.Errorf("%w: empty reporter subsystem", ErrConfigInvalid)
		}
		if seen[s] {
			return fmt.Errorf("%w: duplicate reporter subsystem %q", ErrConfigInvalid, s)
		}
		seen[s] = true
	}
	if cfg.Reporter.Category == "" {
		cfg.Reporter.Category = "errors"
	}

	if cfg.EventBus.Partitions <= 0 {
		cfg.EventBus.Partitions = 1
	}
	if cfg.EventBus.QueueSize <= 0 {
		cfg.EventBus.QueueSize = 256
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics are enabled", ErrConfigInvalid)
	}

	if err := cfg.Sinks.Kafka.validate(); err != nil {
		return err
	}
	if r := cfg.Sinks.Redis; r.Enabled {
		if r.URL == "" {
			return fmt.Errorf("%w: sinks.redis.url is required when the redis sink is enabled", ErrConfigInvalid)
		}
		if r.Key == "" {
			return fmt.Errorf("%w: sinks.redis.key is required when the redis sink is enabled", ErrConfigInvalid)
		}
	}
	return nil
}

func (k *KafkaSinkConfig) validate() error {
	if !k.Enabled {
		return nil
	}
	if len(k.Brokers) == 0 {
		return fmt.Errorf("%w: sinks.kafka.brokers is required when the kafka sink is enabled", ErrConfigInvalid)
	}
	if k.Topic == "" {
		return fmt.Errorf("%w: sinks.kafka.topic is required when the kafka sink is enabled", ErrConfigInvalid)
	}
	switch k.Compression {
	case "", "none", "gzip", "snappy", "lz4":
	default:
		return fmt.Errorf("%w: sinks.kafka.compression %q (must be none/gzip/snappy/lz4)", ErrConfigInvalid, k.Compression)
	}
	if k.BatchTimeout != "" {
		if d, err := time.ParseDuration(k.BatchTimeout); err != nil || d <= 0 {
			return fmt.Errorf("%w: sinks.kafka.batch_timeout %q", ErrConfigInvalid, k.BatchTimeout)
		}
	}
	if k.BatchSize <= 0 {
		k.BatchSize = 100
	}
	if k.MaxAttempts <= 0 {
		k.MaxAttempts = 3
	}
	return nil
}

// BatchTimeoutDuration returns the parsed batch timeout, defaulting to 100ms.
func (k KafkaSinkConfig) BatchTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(k.BatchTimeout)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// Classifier returns the reporter classifier selected by configuration.
func (c ReporterConfig) Classifier() failure.Classifier {
	if c.ClassifyWrapped {
		return failure.Unwrapping
	}
	return nil
}
