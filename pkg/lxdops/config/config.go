// Package config provides configuration management for lxdops.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// EnvPrefix prefixes every environment override, e.g. LXDOPS_SERVER_URL
const EnvPrefix = "LXDOPS"

// Config holds all configuration for lxdops.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Operations OperationsConfig `mapstructure:"operations"`
	Events     EventsConfig     `mapstructure:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig locates the hypervisor API.
type ServerConfig struct {
	// URL takes precedence over UnixSocket when both are set
	URL                string `mapstructure:"url"`
	UnixSocket         string `mapstructure:"unix_socket"`
	ClientCert         string `mapstructure:"client_cert"`
	ClientKey          string `mapstructure:"client_key"`
	ServerCert         string `mapstructure:"server_cert"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	Project            string `mapstructure:"project"`
}

// OperationsConfig bounds how long callers wait for operations.
type OperationsConfig struct {
	WaitTimeout     time.Duration `mapstructure:"wait_timeout"`
	FallbackTimeout time.Duration `mapstructure:"fallback_timeout"`
	// BulkConcurrency caps bulk fan-out, 0 means unbounded
	BulkConcurrency int `mapstructure:"bulk_concurrency"`
}

// EventsConfig configures the push channel.
type EventsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Transport is "websocket" or "sse"
	Transport      string        `mapstructure:"transport"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	BackoffSteps   int           `mapstructure:"backoff_steps"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An empty
// path searches the usual locations and tolerates finding nothing.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("lxdops")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/lxdops")
		v.AddConfigPath("/etc/lxdops/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in defaults, ignoring files and environment
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.url", "")
	v.SetDefault("server.unix_socket", "/var/snap/lxd/common/lxd/unix.socket")
	v.SetDefault("server.client_cert", "")
	v.SetDefault("server.client_key", "")
	v.SetDefault("server.server_cert", "")
	v.SetDefault("server.insecure_skip_verify", false)
	v.SetDefault("server.project", "default")

	// Operation defaults
	v.SetDefault("operations.wait_timeout", core.DefaultWaitTimeout.String())
	v.SetDefault("operations.fallback_timeout", "1s")
	v.SetDefault("operations.bulk_concurrency", 0)

	// Event stream defaults
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.transport", "websocket")
	v.SetDefault("events.backoff_initial", "500ms")
	v.SetDefault("events.backoff_max", "30s")
	v.SetDefault("events.backoff_factor", 2.0)
	v.SetDefault("events.backoff_steps", 8)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9100")
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" && c.Server.UnixSocket == "" {
		return fmt.Errorf("either server url or unix socket is required")
	}

	if c.Server.URL != "" && !strings.HasPrefix(c.Server.URL, "https://") && !strings.HasPrefix(c.Server.URL, "http://") {
		return fmt.Errorf("server url must be http or https: %q", c.Server.URL)
	}

	if (c.Server.ClientCert == "") != (c.Server.ClientKey == "") {
		return fmt.Errorf("client certificate and key must be set together")
	}

	if c.Operations.WaitTimeout < time.Second || c.Operations.WaitTimeout%time.Second != 0 {
		return fmt.Errorf("wait timeout must be a whole number of seconds: %s", c.Operations.WaitTimeout)
	}

	if c.Operations.FallbackTimeout < time.Second || c.Operations.FallbackTimeout%time.Second != 0 {
		return fmt.Errorf("fallback timeout must be a whole number of seconds: %s", c.Operations.FallbackTimeout)
	}

	if c.Operations.BulkConcurrency < 0 {
		return fmt.Errorf("bulk concurrency must not be negative")
	}

	if c.Events.Enabled {
		switch c.Events.Transport {
		case "websocket", "sse":
		default:
			return fmt.Errorf("unknown event transport %q", c.Events.Transport)
		}
		if c.Events.BackoffInitial <= 0 {
			return fmt.Errorf("event backoff must be positive")
		}
		if c.Events.BackoffFactor < 1 {
			return fmt.Errorf("event backoff factor must be at least 1")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return fmt.Errorf("metrics address is required")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics path must start with /")
		}
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	return nil
}
