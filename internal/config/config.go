package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFile is read from the working directory when no path is given
	DefaultFile = "mclub.yml"

	// PathEnv names an alternative config file
	PathEnv = "MCLUB_CONFIG"

	// Version is the only supported config schema version
	Version = "1.0"
)

// Config is the top-level mclub.yml configuration.
// Values are resolved in this order, last wins: built-in defaults, the YAML
// file, environment variables.
type Config struct {
	Version     string            `yaml:"version" env-default:"1.0"`
	API         APIConfig         `yaml:"api"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Credentials CredentialsConfig `yaml:"credentials,omitempty"`
	Store       StoreConfig       `yaml:"store"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics,omitempty"`
	Relay       RelayConfig       `yaml:"relay"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// APIConfig locates the loyalty backend
type APIConfig struct {
	BaseURL string            `yaml:"base_url" env:"MCLUB_API_URL" env-default:"http://localhost:4000/v1" env-description:"Base URL of the loyalty API, including the version prefix"`
	Timeout time.Duration     `yaml:"timeout" env:"MCLUB_API_TIMEOUT" env-default:"30s" env-description:"Timeout for a single API request"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// RealtimeConfig tunes the event stream
type RealtimeConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"MCLUB_RECONNECT_DELAY" env-default:"5s" env-description:"Fixed delay between event stream connections"`
	TokenInQuery   bool          `yaml:"token_in_query" env:"MCLUB_TOKEN_IN_QUERY" env-description:"Send the access token as ?token= instead of a header"`
}

// CredentialsConfig supplies a non-interactive login.
// Either Email or DNI identifies the user.
type CredentialsConfig struct {
	Email    string `yaml:"email,omitempty" env:"MCLUB_EMAIL" env-description:"Login email"`
	DNI      string `yaml:"dni,omitempty" env:"MCLUB_DNI" env-description:"Login national identity number"`
	Password string `yaml:"password,omitempty" env:"MCLUB_PASSWORD" env-description:"Login password"`
}

// StoreConfig identifies the point of sale a cashier operates
type StoreConfig struct {
	ID string `yaml:"id" env:"MCLUB_STORE_ID" env-default:"00000000-0000-0000-0000-000000000000" env-description:"Store UUID used for purchases and rewards"`
}

// LogConfig controls diagnostic logging on stderr
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"warn" env-description:"debug, info, warn or error"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text" env-description:"text or json"`
}

// MetricsConfig enables the Prometheus endpoint of long-running commands
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" env:"MCLUB_METRICS_ADDR" env-description:"host:port serving /metrics, empty disables it"`
}

// RelayConfig forwards received events to Redis pub/sub
type RelayConfig struct {
	RedisURL      string `yaml:"redis_url,omitempty" env:"MCLUB_REDIS_URL" env-description:"redis:// URL, empty disables the relay"`
	ChannelPrefix string `yaml:"channel_prefix" env:"MCLUB_RELAY_PREFIX" env-default:"mclub" env-description:"Prefix of relay channel names"`
}

// TracingConfig exports HTTP client spans over OTLP
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-description:"OTLP gRPC collector endpoint, empty disables tracing"`
	ServiceName  string `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"mclub"`
	Insecure     bool   `yaml:"insecure,omitempty" env:"OTEL_EXPORTER_OTLP_INSECURE" env-description:"Disable TLS towards the collector"`
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	return &Config{
		Version: Version,
		API: APIConfig{
			BaseURL: "http://localhost:4000/v1",
			Timeout: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			ReconnectDelay: 5 * time.Second,
		},
		Store: StoreConfig{ID: uuid.Nil.String()},
		Log:   LogConfig{Level: "warn", Format: "text"},
		Relay: RelayConfig{ChannelPrefix: "mclub"},
		Tracing: TracingConfig{
			ServiceName: "mclub",
		},
	}
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("unsupported version: %s (expected: %s)", c.Version, Version)
	}

	if err := c.API.Validate(); err != nil {
		return err
	}

	if c.Realtime.ReconnectDelay <= 0 {
		return fmt.Errorf("realtime.reconnect_delay must be positive, got %v", c.Realtime.ReconnectDelay)
	}

	if c.Credentials.Email != "" && c.Credentials.DNI != "" {
		return fmt.Errorf("credentials: set either email or dni, not both")
	}

	if _, err := uuid.Parse(c.Store.ID); err != nil {
		return fmt.Errorf("store.id must be a UUID: %w", err)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (must be 'text' or 'json')", c.Log.Format)
	}

	if c.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			return fmt.Errorf("invalid metrics.addr %q: %w", c.Metrics.Addr, err)
		}
	}

	if c.Relay.RedisURL != "" {
		if !strings.HasPrefix(c.Relay.RedisURL, "redis://") && !strings.HasPrefix(c.Relay.RedisURL, "rediss://") {
			return fmt.Errorf("relay.redis_url must start with redis:// or rediss://")
		}
		if c.Relay.ChannelPrefix == "" {
			return fmt.Errorf("relay.channel_prefix is required when relay.redis_url is set")
		}
	}

	return nil
}

// Validate checks the API section
func (a *APIConfig) Validate() error {
	u, err := url.Parse(a.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid api.base_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute http(s) URL, got %q", a.BaseURL)
	}
	if a.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive, got %v", a.Timeout)
	}
	return nil
}

// StoreID returns the configured store, or uuid.Nil when none is set.
func (c *Config) StoreID() uuid.UUID {
	id, err := uuid.Parse(c.Store.ID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// HasCredentials reports whether a non-interactive login is configured.
func (c *Config) HasCredentials() bool {
	return (c.Credentials.Email != "" || c.Credentials.DNI != "") && c.Credentials.Password != ""
}

// Load reads and validates the configuration.
// The file is path if given, else $MCLUB_CONFIG, else ./mclub.yml if present.
// With no file, defaults and environment variables alone are used.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Write saves cfg as YAML, refusing to replace an existing file unless force is set.
// The file is created with 0600 permissions since it may hold a password.
func Write(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Redacted returns a copy of cfg safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Credentials.Password != "" {
		out.Credentials.Password = "********"
	}
	return &out
}

// EnvUsage describes every environment variable the configuration reads.
func EnvUsage() (string, error) {
	header := "Environment variables:"
	return cleanenv.GetDescription(&Config{}, &header)
}
