package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rickgao/market-relay/internal/api"
	"github.com/rickgao/market-relay/internal/metrics"
	"github.com/rickgao/market-relay/internal/poller"
	"github.com/rickgao/market-relay/internal/subscription"
)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	MaxFailures uint32        // Consecutive failures that open the breaker (default: 5)
	OpenTimeout time.Duration // Time open before a half-open probe (default: 30s)
	HalfOpenMax uint32        // Requests allowed while half-open (default: 1)
}

// Breaker stops a failing fetcher from being called by every poll task on
// every cycle. Requests rejected by an open breaker fail with ErrBreakerOpen.
type Breaker struct {
	next poller.Fetcher
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a breaker named name.
func NewBreaker(name string, next poller.Fetcher, cfg BreakerConfig, m *metrics.SourceMetrics, logger *slog.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax == 0 {
		cfg.HalfOpenMax = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	m.SetBreakerState(name, int(gobreaker.StateClosed))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMax,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			m.SetBreakerState(name, int(to))
		},
	})

	return &Breaker{next: next, cb: cb}
}

// Fetch implements poller.Fetcher.
func (b *Breaker) Fetch(ctx context.Context, key subscription.Key) (json.RawMessage, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Fetch(ctx, key)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, b.cb.Name())
	}
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// isBreakerSuccess counts unknown resources and malformed keys as healthy
// upstream responses.
func isBreakerSuccess(err error) bool {
	return err == nil || api.IsNotFound(err) || errors.Is(err, ErrMissingParam)
}
