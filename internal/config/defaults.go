package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerAddr         = ":8080"
	DefaultServerPath         = "/ws"
	DefaultReadLimit          = 64 * 1024
	DefaultSendBuffer         = 256
	DefaultWriteTimeout       = 10 * time.Second
	DefaultServerPingInterval = 30 * time.Second
	DefaultRateLimit          = 20
	DefaultRateBurst          = 40
	DefaultPollInterval       = 3 * time.Second
	DefaultFetchTimeout       = 10 * time.Second
	DefaultWSURL              = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultPingTimeout        = 10 * time.Second
	DefaultBufferSize         = 10000
	DefaultRestURL            = "https://api.elections.kalshi.com/trade-api/v2"
	DefaultAPITimeout         = 10 * time.Second
	DefaultMaxRetries         = 3
	DefaultOrderbookSource    = SourceREST
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultRedisPrefix        = "relay:snapshot:"
	DefaultBreakerMaxFailures = 5
	DefaultBreakerOpenTimeout = 30 * time.Second
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// DefaultUpstreamChannels are the channels the bridge serves when none are
// configured.
func DefaultUpstreamChannels() []string {
	return []string{"trade", "ticker"}
}

func (c *RelayConfig) applyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultServerPath
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = DefaultReadLimit
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = DefaultSendBuffer
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultServerPingInterval
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = DefaultRateLimit
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = DefaultRateBurst
	}

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.FetchTimeout == 0 {
		c.Poller.FetchTimeout = DefaultFetchTimeout
	}

	// Upstream defaults
	if c.Upstream.WSURL == "" {
		c.Upstream.WSURL = DefaultWSURL
	}
	if len(c.Upstream.Channels) == 0 {
		c.Upstream.Channels = DefaultUpstreamChannels()
	}
	if c.Upstream.ReconnectBaseDelay == 0 {
		c.Upstream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Upstream.ReconnectMaxDelay == 0 {
		c.Upstream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Upstream.PingInterval == 0 {
		c.Upstream.PingInterval = DefaultPingInterval
	}
	if c.Upstream.PingTimeout == 0 {
		c.Upstream.PingTimeout = DefaultPingTimeout
	}
	if c.Upstream.BufferSize == 0 {
		c.Upstream.BufferSize = DefaultBufferSize
	}

	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	if c.Source.Orderbook == "" {
		c.Source.Orderbook = DefaultOrderbookSource
	}

	applyDBDefaults(&c.Database.Timescale)

	// Redis defaults; snapshots are shared for one poll interval unless set.
	if c.Redis.TTL == 0 {
		c.Redis.TTL = c.Poller.Interval
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = DefaultRedisPrefix
	}

	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = DefaultBreakerMaxFailures
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = DefaultBreakerOpenTimeout
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
