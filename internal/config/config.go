// Package config loads service configuration in three layers: built-in
// defaults, an optional YAML file, and environment variables with the
// ENTITLE_ prefix. Environment wins over file; both win over defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	Token     TokenConfig     `yaml:"token" envconfig:"TOKEN"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Expiry    ExpiryConfig    `yaml:"expiry" envconfig:"EXPIRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// StoreConfig selects and tunes the license store.
type StoreConfig struct {
	// Driver is "mongo" or "memory".
	Driver        string        `yaml:"driver" envconfig:"DRIVER"`
	MongoURI      string        `yaml:"mongo_uri" envconfig:"MONGO_URI"`
	MongoDatabase string        `yaml:"mongo_database" envconfig:"MONGO_DATABASE"`
	OpTimeout     time.Duration `yaml:"op_timeout" envconfig:"OP_TIMEOUT"`
	RetryAttempts int           `yaml:"retry_attempts" envconfig:"RETRY_ATTEMPTS"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" envconfig:"RETRY_BACKOFF"`
}

// RedisConfig enables the distributed rate limiter and the expiry monitor
// leader lease when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB"`
}

// TokenConfig configures the entitlement token issuer.
type TokenConfig struct {
	Secret    string `yaml:"secret" envconfig:"SECRET"`
	Algorithm string `yaml:"algorithm" envconfig:"ALGORITHM"`
}

// RateLimitConfig sets the per-caller operation budgets.
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled" envconfig:"ENABLED"`
	IssuePerWindow int           `yaml:"issue_per_window" envconfig:"ISSUE_PER_WINDOW"`
	IssueWindow    time.Duration `yaml:"issue_window" envconfig:"ISSUE_WINDOW"`
	CheckPerWindow int           `yaml:"check_per_window" envconfig:"CHECK_PER_WINDOW"`
	CheckWindow    time.Duration `yaml:"check_window" envconfig:"CHECK_WINDOW"`
	AdminPerWindow int           `yaml:"admin_per_window" envconfig:"ADMIN_PER_WINDOW"`
	AdminWindow    time.Duration `yaml:"admin_window" envconfig:"ADMIN_WINDOW"`
}

// ExpiryConfig tunes the expiry monitor.
type ExpiryConfig struct {
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	Horizon  time.Duration `yaml:"horizon" envconfig:"HORIZON"`
	// Timezone is the reference zone for the daily usage counter boundary.
	Timezone string `yaml:"timezone" envconfig:"TIMEZONE"`
}

// WebSocketConfig tunes the broadcast transport.
type WebSocketConfig struct {
	ReadBufferSize  int `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:8080"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Driver:        "memory",
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "entitle",
			OpTimeout:     5 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  100 * time.Millisecond,
		},
		Token: TokenConfig{Algorithm: "HS256"},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			IssuePerWindow: 10,
			IssueWindow:    15 * time.Minute,
			CheckPerWindow: 60,
			CheckWindow:    time.Minute,
			AdminPerWindow: 30,
			AdminWindow:    time.Minute,
		},
		Expiry: ExpiryConfig{
			Interval: 24 * time.Hour,
			Horizon:  7 * 24 * time.Hour,
			Timezone: "UTC",
		},
		WebSocket: WebSocketConfig{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Load layers the optional file (ENTITLE_CONFIG_FILE, default config.yaml if
// present) and the environment over the defaults, then validates. Fields
// without a tag default are only touched by envconfig when their variable is
// set, which is what keeps file values from being clobbered.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("ENTITLE_CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := envconfig.Process("ENTITLE", &cfg); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks constraints the type system cannot express.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	switch c.Store.Driver {
	case "mongo", "memory":
	default:
		return fmt.Errorf("unknown store driver %q (want mongo or memory)", c.Store.Driver)
	}
	if c.Expiry.Interval <= 0 {
		return fmt.Errorf("expiry interval must be positive")
	}
	if c.Expiry.Horizon <= 0 {
		return fmt.Errorf("expiry horizon must be positive")
	}
	if _, err := time.LoadLocation(c.Expiry.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Expiry.Timezone, err)
	}
	return nil
}

// Location resolves the configured reference timezone. Validate has already
// ensured it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Expiry.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
