package poller

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/market-relay/internal/subscription"
)

// Errors returned by Pool.Create.
var (
	ErrNoFetcher   = errors.New("no fetcher for channel")
	ErrPoolStopped = errors.New("poll pool stopped")
)

// Fetcher returns the current snapshot of the resource named by key.
// Implementations must be safe for concurrent use across keys.
type Fetcher interface {
	Fetch(ctx context.Context, key subscription.Key) (json.RawMessage, error)
}

// FetcherFunc is a function adapter for Fetcher.
type FetcherFunc func(ctx context.Context, key subscription.Key) (json.RawMessage, error)

func (f FetcherFunc) Fetch(ctx context.Context, key subscription.Key) (json.RawMessage, error) {
	return f(ctx, key)
}

// Publisher receives encoded update frames. It returns the number of
// connections the frame was queued to.
type Publisher interface {
	Publish(key subscription.Key, frame []byte) int
}

// Config holds poll pool configuration.
type Config struct {
	Interval time.Duration // Cadence between cycles (default: 3s)
	Timeout  time.Duration // Per-fetch timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 3 * time.Second,
		Timeout:  10 * time.Second,
	}
}
