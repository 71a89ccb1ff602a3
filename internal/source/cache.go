package source

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/market-relay/internal/metrics"
	"github.com/rickgao/market-relay/internal/poller"
	"github.com/rickgao/market-relay/internal/subscription"
)

// Store is the subset of *redis.Client the cache needs.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// CacheConfig holds shared snapshot cache configuration.
type CacheConfig struct {
	TTL    time.Duration // How long a snapshot is shared (default: 3s)
	Prefix string        // Key prefix (default: "relay:snapshot:")
}

// Cache shares snapshots across relay replicas through Redis. Redis errors
// degrade to calling the wrapped fetcher directly.
type Cache struct {
	next    poller.Fetcher
	store   Store
	cfg     CacheConfig
	group   singleflight.Group
	metrics *metrics.SourceMetrics
	logger  *slog.Logger
}

// NewCache wraps next with a Redis-backed snapshot cache.
func NewCache(next poller.Fetcher, store Store, cfg CacheConfig, m *metrics.SourceMetrics, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "relay:snapshot:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		next:    next,
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Fetch implements poller.Fetcher.
func (c *Cache) Fetch(ctx context.Context, key subscription.Key) (json.RawMessage, error) {
	ck := c.cfg.Prefix + key.String()

	data, err := c.store.Get(ctx, ck).Bytes()
	switch {
	case err == nil:
		c.metrics.CacheHit(key.Channel)
		return data, nil
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("snapshot cache read failed", "key", ck, "err", err)
	}
	c.metrics.CacheMiss(key.Channel)

	v, err, _ := c.group.Do(ck, func() (any, error) {
		data, err := c.next.Fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(ctx, ck, []byte(data), c.cfg.TTL).Err(); err != nil {
			c.logger.Warn("snapshot cache write failed", "key", ck, "err", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}
