package relay

import (
	"errors"
	"time"

	"github.com/rickgao/market-relay/internal/poller"
	"github.com/rickgao/market-relay/internal/subscription"
)

// Errors
var (
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrMissingParam     = errors.New("missing required param")
	ErrUpstreamDisabled = errors.New("upstream bridge not configured")
	ErrShutdown         = errors.New("relay shut down")
)

// Interest is notified of subscription reference-count transitions.
// Activate runs on 0->1, Deactivate on 1->0. Neither may block on I/O.
type Interest interface {
	// Validate checks a subscribe request before it reaches the registry.
	Validate(channel string, params map[string]string) error
	Activate(key subscription.Key) error
	Deactivate(key subscription.Key)
}

// Config holds downstream server and connection settings.
type Config struct {
	Path         string        // HTTP path upgraded to WebSocket (default: /ws)
	ReadLimit    int64         // Max inbound frame size in bytes (default: 64KiB)
	SendBuffer   int           // Per-connection outbound queue (default: 256)
	WriteTimeout time.Duration // Per-frame write deadline (default: 10s)
	PingInterval time.Duration // Keepalive ping cadence (default: 30s)
	RateLimit    float64       // Inbound frames per second per connection (default: 20)
	RateBurst    int           // Inbound burst (default: 40)
	Poll         poller.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:         "/ws",
		ReadLimit:    64 * 1024,
		SendBuffer:   256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		RateLimit:    20,
		RateBurst:    40,
		Poll:         poller.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Connections   int    `json:"connections"`
	Subscribed    int    `json:"subscribed_connections"`
	Keys          int    `json:"keys"`
	Subscriptions int    `json:"subscriptions"`
	PollTasks     int    `json:"poll_tasks"`
	Upstream      string `json:"upstream"`
}
