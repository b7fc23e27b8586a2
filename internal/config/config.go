// Package config loads the market engine's configuration from an optional
// YAML file, a local .env file and PREDICTX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PREDICTX_STORE_DRIVER.
const EnvPrefix = "PREDICTX"

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	AMQP    AMQPConfig    `mapstructure:"amqp"`
	Trading TradingConfig `mapstructure:"trading"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Driver     string `mapstructure:"driver"` // memory, postgres or sqlite
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Migrate    bool   `mapstructure:"migrate"`
}

// RedisConfig enables the read-through cache when URL is set
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// AMQPConfig enables trade fan-out when URL is set
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// TradingConfig holds limits applied by the HTTP layer
type TradingConfig struct {
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second
	RateBurst       int           `mapstructure:"rate_burst"`
	ConflictRetries int           `mapstructure:"conflict_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path (optional), then applies a .env file
// from the working directory and environment overrides on top.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.sqlite_path", "./data/predictx.db")
	v.SetDefault("store.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "predictx.trades")

	v.SetDefault("trading.rate_limit", 50.0)
	v.SetDefault("trading.rate_burst", 100)
	v.SetDefault("trading.conflict_retries", 3)
	v.SetDefault("trading.retry_base_delay", "10ms")
	v.SetDefault("trading.retry_max_delay", "200ms")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of: memory, postgres, sqlite")
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL <= 0 {
		return fmt.Errorf("redis.cache_ttl must be positive when redis is enabled")
	}
	if c.AMQP.URL != "" && c.AMQP.Exchange == "" {
		return fmt.Errorf("amqp.exchange is required when amqp is enabled")
	}

	if c.Trading.RateLimit <= 0 {
		return fmt.Errorf("trading.rate_limit must be positive")
	}
	if c.Trading.RateBurst < 1 {
		return fmt.Errorf("trading.rate_burst must be at least 1")
	}
	if c.Trading.ConflictRetries < 0 {
		return fmt.Errorf("trading.conflict_retries must not be negative")
	}
	if c.Trading.RetryBaseDelay <= 0 || c.Trading.RetryMaxDelay < c.Trading.RetryBaseDelay {
		return fmt.Errorf("trading.retry_base_delay must be positive and at most trading.retry_max_delay")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
