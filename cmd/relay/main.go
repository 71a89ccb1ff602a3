package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/market-relay/internal/api"
	"github.com/rickgao/market-relay/internal/auth"
	"github.com/rickgao/market-relay/internal/config"
	"github.com/rickgao/market-relay/internal/database"
	"github.com/rickgao/market-relay/internal/metrics"
	"github.com/rickgao/market-relay/internal/poller"
	"github.com/rickgao/market-relay/internal/relay"
	"github.com/rickgao/market-relay/internal/source"
	"github.com/rickgao/market-relay/internal/upstream"
	"github.com/rickgao/market-relay/internal/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "configs/relay.local.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional env file loaded before the config is expanded")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func run(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger) error {
	reg := metrics.NewRegistry()
	sourceMetrics := metrics.NewSourceMetrics(reg)

	var (
		creds *auth.Credentials
		err   error
	)
	if cfg.API.Signed() {
		creds, err = auth.LoadCredentials(cfg.API.KeyID, cfg.API.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
	}

	apiOpts := []api.ClientOption{
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	}
	if creds != nil {
		apiOpts = append(apiOpts, api.WithSigner(creds))
	}
	apiClient := api.NewClient(cfg.API.RestURL, cfg.API.APIKey, apiOpts...)

	checkExchange(ctx, apiClient, logger)

	var tsPool *pgxpool.Pool
	if cfg.Source.Orderbook == config.SourceTimescale {
		logger.Info("connecting to timescale",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)
		tsPool, err = database.Connect(ctx, cfg.Database.Timescale, "market-relay "+cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect timescale: %w", err)
		}
		defer tsPool.Close()
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache degrades to direct fetches, so a cold Redis is not fatal.
			logger.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	var db source.Querier
	if tsPool != nil {
		db = tsPool
	}
	fetchers := buildFetchers(cfg, apiClient, db, redisStore(rdb), sourceMetrics, logger)

	relayOpts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithRegisterer(reg),
	}
	if cfg.Upstream.Enabled {
		var upOpts []upstream.Option
		if creds != nil {
			upOpts = append(upOpts, upstream.WithHeader(creds.WebSocketHeader("")))
		}
		relayOpts = append(relayOpts, relay.WithUpstream(upstreamConfig(cfg), upOpts...))
	}
	r := relay.New(relayConfig(cfg), fetchers, relayOpts...)

	checks := map[string]func(context.Context) error{}
	if tsPool != nil {
		checks["timescaledb"] = tsPool.Ping
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler(r, checks))
	mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	l, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	if err := r.Initialize(l); err != nil {
		l.Close()
		return fmt.Errorf("initialize relay: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting ops server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	if cfg.Upstream.Enabled {
		g.Go(func() error {
			return r.ConnectUpstream(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return errors.Join(
			r.Shutdown(shutdownCtx),
			opsServer.Shutdown(shutdownCtx),
		)
	})

	logger.Info("relay running",
		"addr", r.Addr().String(),
		"path", cfg.Server.Path,
		"channels", len(fetchers),
		"upstream", cfg.Upstream.Enabled,
	)

	return g.Wait()
}

// checkExchange logs the exchange status. Polling still starts when the
// exchange is closed; fetches fail and are retried each cycle.
func checkExchange(ctx context.Context, client *api.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status, err := client.GetExchangeStatus(ctx)
	if err != nil {
		logger.Warn("failed to get exchange status", "error", err)
		return
	}
	logger.Info("exchange status",
		"exchange_active", status.ExchangeActive,
		"trading_active", status.TradingActive,
	)
}

func relayConfig(cfg *config.RelayConfig) relay.Config {
	return relay.Config{
		Path:         cfg.Server.Path,
		ReadLimit:    cfg.Server.ReadLimit,
		SendBuffer:   cfg.Server.SendBuffer,
		WriteTimeout: cfg.Server.WriteTimeout,
		PingInterval: cfg.Server.PingInterval,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		Poll: poller.Config{
			Interval: cfg.Poller.Interval,
			Timeout:  cfg.Poller.FetchTimeout,
		},
	}
}

func upstreamConfig(cfg *config.RelayConfig) upstream.Config {
	client := upstream.DefaultClientConfig()
	client.URL = cfg.Upstream.WSURL
	client.PingInterval = cfg.Upstream.PingInterval
	client.PingTimeout = cfg.Upstream.PingTimeout

	return upstream.Config{
		URL:               cfg.Upstream.WSURL,
		Channels:          cfg.Upstream.Channels,
		ReconnectBaseWait: cfg.Upstream.ReconnectBaseDelay,
		ReconnectMaxWait:  cfg.Upstream.ReconnectMaxDelay,
		QueueSize:         cfg.Upstream.BufferSize,
		Client:            client,
	}
}
