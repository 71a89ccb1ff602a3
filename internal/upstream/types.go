package upstream

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// State is the bridge connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Command is a WebSocket command sent to the upstream feed.
type Command struct {
	ID     int64       `json:"id"`
	Cmd    string      `json:"cmd"`
	Params interface{} `json:"params"`
}

// SubscribeParams are parameters for a subscribe command.
type SubscribeParams struct {
	Channels     []string `json:"channels"`
	MarketTicker string   `json:"market_ticker,omitempty"`
}

// UnsubscribeParams are parameters for an unsubscribe command.
type UnsubscribeParams struct {
	SIDs []int64 `json:"sids"`
}

// Response is a command response from the server.
type Response struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"` // "subscribed", "unsubscribed", "error", "ok"
	Msg  json.RawMessage `json:"msg"`
}

// SubscribedMsg is the message content for a "subscribed" response.
type SubscribedMsg struct {
	SID     int64  `json:"sid"`
	Channel string `json:"channel"`
}

// ErrorMsg is the message content for an "error" response.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeaderFunc builds handshake headers. It runs on every dial so signed
// headers carry a fresh timestamp.
type HeaderFunc func() (http.Header, error)

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL
	Header           HeaderFunc    // Handshake headers (nil = none)
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingInterval     time.Duration // How often to send keepalive pings
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// Config configures the Bridge.
type Config struct {
	URL               string        // Upstream feed URL
	Channels          []string      // Channels served by the feed instead of polling
	ReconnectBaseWait time.Duration // Initial (and post-success) reconnect delay
	ReconnectMaxWait  time.Duration // Backoff cap
	QueueSize         int           // Max upstream messages awaiting fan-out
	Client            ClientConfig  // Per-dial client settings
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Channels:          []string{"trade", "ticker"},
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
		QueueSize:         10000,
		Client:            DefaultClientConfig(),
	}
}
