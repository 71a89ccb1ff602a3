package main

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/market-relay/internal/api"
	"github.com/rickgao/market-relay/internal/config"
	"github.com/rickgao/market-relay/internal/metrics"
	"github.com/rickgao/market-relay/internal/poller"
	"github.com/rickgao/market-relay/internal/source"
)

// buildFetchers assembles the polled channel table. Each fetcher is wrapped
// in a circuit breaker and, when Redis is configured, the shared cache sits
// in front of the breaker.
func buildFetchers(
	cfg *config.RelayConfig,
	client *api.Client,
	db source.Querier,
	store source.Store,
	m *metrics.SourceMetrics,
	logger *slog.Logger,
) map[string]poller.Fetcher {
	rest := source.NewREST(client,
		source.WithDepth(cfg.API.OrderbookDepth),
		source.WithOrderStatus(cfg.API.OrderStatus),
	)

	var orderbook poller.Fetcher = rest.Orderbook()
	if cfg.Source.Orderbook == config.SourceTimescale && db != nil {
		orderbook = source.NewTimescaleOrderbook(db)
	}

	raw := map[string]poller.Fetcher{
		"orderbook":   orderbook,
		"market":      rest.Market(),
		"user_orders": rest.UserOrders(),
	}

	out := make(map[string]poller.Fetcher, len(raw))
	for channel, f := range raw {
		if !cfg.Breaker.Disabled {
			f = source.NewBreaker(channel, f, source.BreakerConfig{
				MaxFailures: cfg.Breaker.MaxFailures,
				OpenTimeout: cfg.Breaker.OpenTimeout,
			}, m, logger.With("component", "breaker", "channel", channel))
		}
		if store != nil {
			f = source.NewCache(f, store, source.CacheConfig{
				TTL:    cfg.Redis.TTL,
				Prefix: cfg.Redis.Prefix,
			}, m, logger.With("component", "cache", "channel", channel))
		}
		out[channel] = f
	}

	logger.Info("polled channels configured",
		"orderbook_source", cfg.Source.Orderbook,
		"breaker", !cfg.Breaker.Disabled,
		"cache", store != nil,
	)
	return out
}

// redisStore returns rdb as a cache store, or nil when Redis is disabled.
func redisStore(rdb *redis.Client) source.Store {
	if rdb == nil {
		return nil
	}
	return rdb
}
