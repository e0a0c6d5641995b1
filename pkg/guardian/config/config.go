// Package config loads guardian configuration from files, the environment
// and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/TFMV/guardian/pkg/guardian/audit"
	"github.com/TFMV/guardian/pkg/guardian/events"
	"github.com/TFMV/guardian/pkg/guardian/network"
	"github.com/TFMV/guardian/pkg/guardian/sensors"
	"github.com/TFMV/guardian/pkg/guardian/telemetry"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Config represents the top-level configuration
type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Mirror     threat.OrbitalMirrorConfig `mapstructure:"mirror"`
	Escalation EscalationConfig           `mapstructure:"escalation"`
	Vault      VaultConfig                `mapstructure:"vault"`
	Network    network.Config             `mapstructure:"network"`
	Monitoring sensors.SchedulerConfig    `mapstructure:"monitoring"`
	Events     EventsConfig               `mapstructure:"events"`
	Telemetry  telemetry.MetricsConfig    `mapstructure:"telemetry"`
	Audit      audit.Config               `mapstructure:"audit"`
	Logging    LoggingConfig              `mapstructure:"logging"`
}

// ServerConfig holds the admin API and gRPC health settings
type ServerConfig struct {
	AdminAPIEnabled bool          `mapstructure:"admin_api_enabled"`
	AdminAPIAddr    string        `mapstructure:"admin_api_addr"`
	AdminToken      string        `mapstructure:"admin_token"`
	AdminRateLimit  float64       `mapstructure:"admin_rate_limit"`
	AdminRateBurst  int           `mapstructure:"admin_rate_burst"`
	GRPCEnabled     bool          `mapstructure:"grpc_enabled"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EscalationConfig holds controller timing
type EscalationConfig struct {
	PhaseTimeout   time.Duration `mapstructure:"phase_timeout"`
	BackupTimeout  time.Duration `mapstructure:"backup_timeout"`
	AllClearWindow time.Duration `mapstructure:"all_clear_window"`
}

// VaultConfig selects and configures the replica store
type VaultConfig struct {
	Backend       string `mapstructure:"backend"` // memory, redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	ChunkSize     int    `mapstructure:"chunk_size"`
	HashAlgorithm string `mapstructure:"hash_algorithm"`
}

// EventsConfig holds event bus settings
type EventsConfig struct {
	NATSEnabled   bool          `mapstructure:"nats_enabled"`
	NATSURL       string        `mapstructure:"nats_url"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	LogStatus     bool          `mapstructure:"log_status"`

	// Circuit breaker around NATS and Kafka status delivery
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerReset     time.Duration `mapstructure:"breaker_reset"`

	Kafka events.KafkaConfig `mapstructure:"kafka"`
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"` // json, console
	OutputPaths []string `mapstructure:"output_paths"`
	File        string   `mapstructure:"file"`
	EnableTrace bool     `mapstructure:"enable_trace"`
}

// LoadConfig loads the configuration from the specified file and environment
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaultConfig(v)

	v.SetEnvPrefix("GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Info().Str("config_file", configPath).Msg("Loaded configuration file")
	} else {
		log.Info().Msg("No configuration file provided, using environment variables and defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks values that the components cannot default on their own
func (c *Config) Validate() error {
	var errs []error

	if c.Mirror.ReplicaCount < 0 {
		errs = append(errs, fmt.Errorf("mirror.replica_count must not be negative, got %d", c.Mirror.ReplicaCount))
	}
	if c.Monitoring.Interval <= 0 {
		errs = append(errs, errors.New("monitoring.interval must be positive"))
	}
	if c.Monitoring.HeightenedInterval <= 0 || c.Monitoring.HeightenedInterval > c.Monitoring.Interval {
		errs = append(errs, errors.New("monitoring.heightened_interval must be positive and not exceed monitoring.interval"))
	}
	if c.Monitoring.HeightenedValidation < c.Monitoring.ValidationFrequency {
		errs = append(errs, errors.New("monitoring.heightened_validation must not be below monitoring.validation_frequency"))
	}
	if c.Escalation.PhaseTimeout < 0 || c.Escalation.BackupTimeout < 0 {
		errs = append(errs, errors.New("escalation timeouts must not be negative"))
	}
	switch c.Vault.Backend {
	case "memory":
	case "redis":
		if c.Vault.RedisAddr == "" {
			errs = append(errs, errors.New("vault.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vault backend %q", c.Vault.Backend))
	}
	if c.Events.Kafka.Enabled && (len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic == "") {
		errs = append(errs, errors.New("events.kafka requires brokers and a topic when enabled"))
	}

	return errors.Join(errs...)
}

// setDefaultConfig sets the default configuration values
func setDefaultConfig(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.admin_api_enabled", true)
	v.SetDefault("server.admin_api_addr", ":9091")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.admin_rate_limit", 20)
	v.SetDefault("server.admin_rate_burst", 40)
	v.SetDefault("server.grpc_enabled", false)
	v.SetDefault("server.grpc_addr", ":9092")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Mirror defaults; an empty key means a generated one
	v.SetDefault("mirror.lunar_vault_active", true)
	v.SetDefault("mirror.satellite_backup_enabled", true)
	v.SetDefault("mirror.encryption_key", "")
	v.SetDefault("mirror.replica_count", 3)
	v.SetDefault("mirror.last_sync_timestamp", 0)

	// Escalation defaults
	v.SetDefault("escalation.phase_timeout", "30s")
	v.SetDefault("escalation.backup_timeout", "2m")
	v.SetDefault("escalation.all_clear_window", "15m")

	// Vault defaults
	v.SetDefault("vault.backend", "memory")
	v.SetDefault("vault.redis_addr", "localhost:6379")
	v.SetDefault("vault.redis_password", "")
	v.SetDefault("vault.redis_db", 0)
	v.SetDefault("vault.key_prefix", "guardian/vault/")
	v.SetDefault("vault.chunk_size", 4096)
	v.SetDefault("vault.hash_algorithm", "SHA256")

	// Network defaults
	v.SetDefault("network.normal_rate", 1000)
	v.SetDefault("network.critical_rate", 10)
	v.SetDefault("network.burst", 50)

	// Monitoring defaults
	v.SetDefault("monitoring.interval", "30s")
	v.SetDefault("monitoring.heightened_interval", "5s")
	v.SetDefault("monitoring.validation_frequency", 1)
	v.SetDefault("monitoring.heightened_validation", 4)

	// Events defaults
	v.SetDefault("events.nats_enabled", false)
	v.SetDefault("events.nats_url", "nats://localhost:4222")
	v.SetDefault("events.submit_timeout", "1m")
	v.SetDefault("events.log_status", true)
	v.SetDefault("events.breaker_threshold", 3)
	v.SetDefault("events.breaker_reset", "30s")
	v.SetDefault("events.kafka.enabled", false)
	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "guardian.status")
	v.SetDefault("events.kafka.batch_timeout", "1s")
	v.SetDefault("events.kafka.write_timeout", "10s")

	// Telemetry defaults
	v.SetDefault("telemetry.prometheus_enabled", true)
	v.SetDefault("telemetry.prometheus_endpoint", ":9090")
	v.SetDefault("telemetry.prometheus_namespace", "guardian")
	v.SetDefault("telemetry.otel_enabled", false)
	v.SetDefault("telemetry.otel_endpoint", "localhost:4317")
	v.SetDefault("telemetry.otel_insecure", true)
	v.SetDefault("telemetry.rate_limit", 60)
	v.SetDefault("telemetry.enable_audit", true)

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.storage_path", "")
	v.SetDefault("audit.retention_days", 30)
	v.SetDefault("audit.buffer_size", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_paths", []string{"stderr"})
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.enable_trace", false)
}
