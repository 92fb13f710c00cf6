// Package config loads the broker configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Auth modes.
const (
	// AuthModeLocal runs the auth service inside the broker
	AuthModeLocal = "local"
	// AuthModeDelegated expects a remote auth service to connect as the
	// privileged auth stream
	AuthModeDelegated = "delegated"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MESHGATE_"

var (
	// ErrEmptyBrokerID is returned when the broker ID is empty
	ErrEmptyBrokerID = errors.New("broker ID cannot be empty")
	// ErrInvalidListenAddress is returned when the listen address is empty
	ErrInvalidListenAddress = errors.New("listen address cannot be empty")
	// ErrInvalidAuthMode is returned for an unknown auth mode
	ErrInvalidAuthMode = errors.New("auth mode must be local or delegated")
	// ErrMissingSecret is returned when local auth has no signing secret
	ErrMissingSecret = errors.New("local auth requires a token secret")
	// ErrPrivilegedStreamClash is returned when both privileged ids are equal
	ErrPrivilegedStreamClash = errors.New("data-access and auth-service stream IDs must differ")
)

// Config is the complete broker configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Transport TransportConfig `yaml:"transport"`
	Tokens    TokenConfig     `yaml:"tokens"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// BrokerConfig configures the gateways.
type BrokerConfig struct {
	ID                  string        `yaml:"id"`
	DataAccessStreamID  string        `yaml:"data_access_stream_id"`
	AuthServiceStreamID string        `yaml:"auth_service_stream_id"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	StartupTimeout      time.Duration `yaml:"startup_timeout"`

	// ServiceSecret is the credential remote services present to connect
	// under a privileged stream id. When empty only in-process services can
	// use those ids.
	ServiceSecret string `yaml:"service_secret"`
}

// TransportConfig configures the gRPC listener.
type TransportConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// TokenConfig configures the token cache.
type TokenConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ValidationTimeout time.Duration `yaml:"validation_timeout"`
}

// AuthConfig selects and configures the auth service.
type AuthConfig struct {
	Mode         string            `yaml:"mode"`
	Secret       string            `yaml:"secret"`
	TokenTTL     time.Duration     `yaml:"token_ttl"`
	RotateBefore time.Duration     `yaml:"rotate_before"`
	Users        map[string]string `yaml:"users"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Broker.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Broker.ID = host
		}
	}
	if c.Broker.DataAccessStreamID == "" {
		c.Broker.DataAccessStreamID = "data-access"
	}
	if c.Broker.AuthServiceStreamID == "" {
		c.Broker.AuthServiceStreamID = "auth-service"
	}
	if c.Broker.ConnectTimeout <= 0 {
		c.Broker.ConnectTimeout = 30 * time.Second
	}
	if c.Broker.FetchTimeout <= 0 {
		c.Broker.FetchTimeout = 10 * time.Second
	}
	if c.Broker.StartupTimeout <= 0 {
		c.Broker.StartupTimeout = 30 * time.Second
	}

	if c.Transport.ListenAddress == "" {
		c.Transport.ListenAddress = ":7070"
	}
	if c.Transport.SendQueueSize <= 0 {
		c.Transport.SendQueueSize = 1000
	}

	if c.Tokens.SweepInterval <= 0 {
		c.Tokens.SweepInterval = 60 * time.Second
	}
	if c.Tokens.ValidationTimeout <= 0 {
		c.Tokens.ValidationTimeout = 30 * time.Second
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeDelegated
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Auth.RotateBefore <= 0 {
		c.Auth.RotateBefore = time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Broker.ID == "" {
		return ErrEmptyBrokerID
	}
	if c.Transport.ListenAddress == "" {
		return ErrInvalidListenAddress
	}
	if c.Broker.DataAccessStreamID == c.Broker.AuthServiceStreamID {
		return ErrPrivilegedStreamClash
	}

	switch c.Auth.Mode {
	case AuthModeLocal:
		if c.Auth.Secret == "" {
			return ErrMissingSecret
		}
	case AuthModeDelegated:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAuthMode, c.Auth.Mode)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ApplyEnv overrides fields from MESHGATE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BROKER_ID":              &c.Broker.ID,
		"DATA_ACCESS_STREAM_ID":  &c.Broker.DataAccessStreamID,
		"AUTH_SERVICE_STREAM_ID": &c.Broker.AuthServiceStreamID,
		"SERVICE_SECRET":         &c.Broker.ServiceSecret,
		"LISTEN_ADDRESS":         &c.Transport.ListenAddress,
		"AUTH_MODE":              &c.Auth.Mode,
		"AUTH_SECRET":            &c.Auth.Secret,
		"METRICS_ADDRESS":        &c.Metrics.ListenAddress,
		"LOG_LEVEL":              &c.Log.Level,
		"LOG_FORMAT":             &c.Log.Format,
	}
	for key, field := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"CONNECT_TIMEOUT": &c.Broker.ConnectTimeout,
		"FETCH_TIMEOUT":   &c.Broker.FetchTimeout,
		"STARTUP_TIMEOUT": &c.Broker.StartupTimeout,
		"SWEEP_INTERVAL":  &c.Tokens.SweepInterval,
	}
	for key, field := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*field = d
	}

	if v, ok := lookup(EnvPrefix + "SEND_QUEUE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sSEND_QUEUE_SIZE: %w", EnvPrefix, err)
		}
		c.Transport.SendQueueSize = n
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}
