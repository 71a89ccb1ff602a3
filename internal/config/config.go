// Package config loads the relay's YAML configuration.
//
// Values of the form ${VAR} are replaced from the environment before
// parsing. LoadDotEnv can seed the environment from .env files first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RelayConfig is the top-level relay configuration.
type RelayConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Poller   PollerConfig   `yaml:"poller"`
	Upstream UpstreamConfig `yaml:"upstream"`
	API      APIConfig      `yaml:"api"`
	Source   SourceConfig   `yaml:"source"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifies this relay replica.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// ServerConfig configures the downstream websocket listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	Path         string        `yaml:"path"`
	ReadLimit    int64         `yaml:"read_limit"`
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	RateLimit    float64       `yaml:"rate_limit"` // inbound messages per second per connection
	RateBurst    int           `yaml:"rate_burst"`
}

// PollerConfig sets the poll cadence shared by every poll task.
type PollerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// UpstreamConfig configures the optional upstream websocket bridge.
type UpstreamConfig struct {
	Enabled            bool          `yaml:"enabled"`
	WSURL              string        `yaml:"ws_url"`
	Channels           []string      `yaml:"channels"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// APIConfig configures the REST client used by the poll fetchers.
type APIConfig struct {
	RestURL        string        `yaml:"rest_url"`
	APIKey         string        `yaml:"api_key"`
	KeyID          string        `yaml:"key_id"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	OrderbookDepth int           `yaml:"orderbook_depth"`
	OrderStatus    string        `yaml:"order_status"`
}

// Signed reports whether requests should be RSA-PSS signed.
func (a APIConfig) Signed() bool {
	return a.KeyID != "" && a.PrivateKeyPath != ""
}

// Orderbook sources.
const (
	SourceREST      = "rest"
	SourceTimescale = "timescale"
)

// SourceConfig picks where each polled channel reads from.
type SourceConfig struct {
	Orderbook string `yaml:"orderbook"` // rest or timescale
}

// DatabaseConfig holds database connections.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single PostgreSQL connection configuration.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig configures the shared snapshot cache.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

// BreakerConfig configures the per-channel circuit breakers around REST
// fetchers.
type BreakerConfig struct {
	Disabled    bool          `yaml:"disabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// MetricsConfig configures the health and metrics server.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with its value. Unset variables expand to "".
// Bare $VAR is left alone so passwords containing $ survive.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files are
// skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load reads and parses the config file at path without applying defaults.
func Load(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg RelayConfig
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads the config and fills unset fields with defaults.
func LoadWithDefaults(path string) (*RelayConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads the config, applies defaults and validates it.
func LoadAndValidate(path string) (*RelayConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
