// Package config provides configuration management for the detection engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the master configuration struct for the detection engine.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Engine     EngineConfig     `mapstructure:"engine"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// OpenSearchConfig holds OpenSearch connection settings
type OpenSearchConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`

	// Signals index template settings
	ShardCount      int    `mapstructure:"shard_count"`
	ReplicaCount    int    `mapstructure:"replica_count"`
	RefreshInterval string `mapstructure:"refresh_interval"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a postgres:// URL from the connection settings.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		p.Password,
		p.Host,
		p.Port,
		p.Database,
		p.SSLMode,
	)
}

// RedisConfig holds Redis configuration for rule status tracking
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig holds the search-after engine settings.
type EngineConfig struct {
	// RulesSource selects the rule parameter source: "postgres" or "file".
	RulesSource string `mapstructure:"rules_source"`
	RulesFile   string `mapstructure:"rules_file"`

	SignalsIndex    string `mapstructure:"signals_index"`
	TimestampField  string `mapstructure:"timestamp_field"`
	TiebreakerField string `mapstructure:"tiebreaker_field"`

	DefaultPageSize   int `mapstructure:"default_page_size"`
	MaxPageSize       int `mapstructure:"max_page_size"`
	DefaultMaxSignals int `mapstructure:"default_max_signals"`

	// MaxConsecutiveErrorBatches aborts a run once that many bulk batches in a
	// row reported per-item errors. Zero disables the threshold.
	MaxConsecutiveErrorBatches int `mapstructure:"max_consecutive_error_batches"`

	CheckInterval time.Duration `mapstructure:"check_interval"`
	Refresh       string        `mapstructure:"refresh"`
}

// Validate checks engine settings that would otherwise fail at run time.
func (e EngineConfig) Validate() error {
	var errs []error
	if e.SignalsIndex == "" {
		errs = append(errs, errors.New("engine.signals_index is required"))
	}
	if e.TimestampField == "" {
		errs = append(errs, errors.New("engine.timestamp_field is required"))
	}
	if e.DefaultPageSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.default_page_size must be positive, got %d", e.DefaultPageSize))
	}
	if e.MaxPageSize < e.DefaultPageSize {
		errs = append(errs, fmt.Errorf("engine.max_page_size (%d) must be >= default_page_size (%d)", e.MaxPageSize, e.DefaultPageSize))
	}
	if e.DefaultMaxSignals < 0 {
		errs = append(errs, fmt.Errorf("engine.default_max_signals must not be negative, got %d", e.DefaultMaxSignals))
	}
	if e.MaxConsecutiveErrorBatches < 0 {
		errs = append(errs, fmt.Errorf("engine.max_consecutive_error_batches must not be negative, got %d", e.MaxConsecutiveErrorBatches))
	}
	switch e.RulesSource {
	case "postgres":
	case "file":
		if e.RulesFile == "" {
			errs = append(errs, errors.New("engine.rules_file is required when rules_source is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.rules_source must be postgres or file, got %q", e.RulesSource))
	}
	return errors.Join(errs...)
}

// Load reads configuration from the given file, or from
// $TELHAWK_CONFIG_DIR/config.yaml when configPath is empty, and applies
// DETECT_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	explicit := configPath != ""
	if !explicit {
		configDir := os.Getenv("TELHAWK_CONFIG_DIR")
		if configDir == "" {
			configDir = "/etc/telhawk"
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("DETECT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case !explicit && errors.Is(err, os.ErrNotExist):
			// Default location is optional
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8087)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.shard_count", 1)
	v.SetDefault("opensearch.replica_count", 0)
	v.SetDefault("opensearch.refresh_interval", "5s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "telhawk_detect")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("engine.rules_source", "postgres")
	v.SetDefault("engine.rules_file", "")
	v.SetDefault("engine.signals_index", "telhawk-signals")
	v.SetDefault("engine.timestamp_field", "@timestamp")
	v.SetDefault("engine.tiebreaker_field", "metadata.uid")
	v.SetDefault("engine.default_page_size", 100)
	v.SetDefault("engine.max_page_size", 10000)
	v.SetDefault("engine.default_max_signals", 100)
	v.SetDefault("engine.max_consecutive_error_batches", 0)
	v.SetDefault("engine.check_interval", "30s")
	v.SetDefault("engine.refresh", "false")
}
