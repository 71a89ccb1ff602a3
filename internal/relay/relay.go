package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/market-relay/internal/metrics"
	"github.com/rickgao/market-relay/internal/poller"
	"github.com/rickgao/market-relay/internal/subscription"
	"github.com/rickgao/market-relay/internal/upstream"
)

// DefaultChannels returns the required params of each built-in channel.
// Channels absent from a deployment's fetchers and bridge are rejected at
// subscribe time regardless of this table.
func DefaultChannels() map[string][]string {
	return map[string][]string{
		"orderbook":   {"resource_id"},
		"market":      {"resource_id"},
		"user_orders": {"address"},
		"trade":       nil,
		"ticker":      nil,
	}
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithClock sets the clock shared by poll tasks, keepalives and backoff.
func WithClock(c clockwork.Clock) Option {
	return func(r *Relay) {
		r.clock = c
	}
}

// WithRegisterer registers relay metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Relay) {
		r.reg = reg
	}
}

// WithChannels replaces the channel -> required params table.
func WithChannels(required map[string][]string) Option {
	return func(r *Relay) {
		r.required = required
	}
}

// WithUpstream enables the upstream bridge. The bridge is not dialed
// until ConnectUpstream.
func WithUpstream(cfg upstream.Config, opts ...upstream.Option) Option {
	return func(r *Relay) {
		r.upstreamCfg = &cfg
		r.upstreamOpts = opts
	}
}

// Relay wires the registry, connection manager, dispatcher, poll pool and
// optional upstream bridge together.
type Relay struct {
	cfg      Config
	clock    clockwork.Clock
	reg      prometheus.Registerer
	required map[string][]string
	logger   *slog.Logger

	upstreamCfg  *upstream.Config
	upstreamOpts []upstream.Option

	registry   *subscription.Registry
	manager    *Manager
	dispatcher *Dispatcher
	pool       *poller.Pool
	bridge     *upstream.Bridge
	handler    *Handler

	mu       sync.Mutex
	server   *http.Server
	addr     net.Addr
	shutdown bool
}

// New builds a relay. fetchers maps each polled channel to its source.
func New(cfg Config, fetchers map[string]poller.Fetcher, opts ...Option) *Relay {
	r := &Relay{
		cfg:      cfg.withDefaults(),
		clock:    clockwork.NewRealClock(),
		required: DefaultChannels(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	var (
		connMetrics *metrics.ConnectionMetrics
		pollMetrics *metrics.PollerMetrics
		upMetrics   *metrics.UpstreamMetrics
	)
	if r.reg != nil {
		connMetrics = metrics.NewConnectionMetrics(r.reg)
		pollMetrics = metrics.NewPollerMetrics(r.reg)
		if r.upstreamCfg != nil {
			upMetrics = metrics.NewUpstreamMetrics(r.reg)
		}
	}

	r.registry = subscription.NewRegistry()
	r.manager = NewManager(r.cfg, r.registry, r, r.clock, connMetrics, r.logger.With("component", "manager"))
	r.dispatcher = NewDispatcher(r.registry, r.manager, connMetrics, r.logger.With("component", "dispatcher"))
	r.pool = poller.NewPool(r.cfg.Poll, fetchers, r.dispatcher, r.logger.With("component", "poller"),
		poller.WithClock(r.clock),
		poller.WithMetrics(pollMetrics),
	)
	r.handler = NewHandler(r.manager, r.cfg, r.clock, r.logger.With("component", "handler"))

	if r.upstreamCfg != nil {
		bridgeOpts := append([]upstream.Option{
			upstream.WithClock(r.clock),
			upstream.WithMetrics(upMetrics),
			upstream.WithLogger(r.logger),
		}, r.upstreamOpts...)
		r.bridge = upstream.NewBridge(*r.upstreamCfg, r.dispatcher, bridgeOpts...)
	}

	return r
}

// Handler returns the downstream WebSocket handler for mounting on an
// existing mux.
func (r *Relay) Handler() http.Handler {
	return r.handler
}

// Manager returns the connection manager.
func (r *Relay) Manager() *Manager {
	return r.manager
}

// Initialize starts accepting downstream connections on l. Calling it
// again after a successful start is a no-op.
func (r *Relay) Initialize(l net.Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return ErrShutdown
	}
	if r.server != nil {
		return nil
	}
	if l == nil {
		return errors.New("initialize relay: nil listener")
	}

	mux := http.NewServeMux()
	mux.Handle(r.cfg.Path, r.handler)
	r.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.addr = l.Addr()

	srv := r.server
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("downstream server failed", "err", err)
		}
	}()

	r.logger.Info("relay listening", "addr", l.Addr().String(), "path", r.cfg.Path)
	return nil
}

// Addr returns the listener address, or nil before Initialize.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// ConnectUpstream starts the upstream bridge. Idempotent.
func (r *Relay) ConnectUpstream(ctx context.Context) error {
	if r.bridge == nil {
		return ErrUpstreamDisabled
	}

	r.mu.Lock()
	down := r.shutdown
	r.mu.Unlock()
	if down {
		return ErrShutdown
	}

	return r.bridge.Start(ctx)
}

// Shutdown stops accepting, closes every connection (tearing down all poll
// tasks), stops the bridge and waits for workers bounded by ctx.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	srv := r.server
	r.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}

	r.manager.CloseAll()

	if r.bridge != nil {
		if err := r.bridge.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop bridge: %w", err))
		}
	}
	if err := r.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop poll pool: %w", err))
	}
	if err := r.manager.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for writers: %w", err))
	}

	r.logger.Info("relay stopped")
	return errors.Join(errs...)
}

// Stats returns current totals.
func (r *Relay) Stats() Stats {
	rs := r.registry.Stats()
	up := "disabled"
	if r.bridge != nil {
		up = r.bridge.State().String()
	}
	return Stats{
		Connections:   r.manager.Count(),
		Subscribed:    rs.Connections,
		Keys:          rs.Keys,
		Subscriptions: rs.Subscriptions,
		PollTasks:     r.pool.Len(),
		Upstream:      up,
	}
}

// Validate implements Interest.
func (r *Relay) Validate(channel string, params map[string]string) error {
	if !r.pool.Serves(channel) && !(r.bridge != nil && r.bridge.Serves(channel)) {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	for _, name := range r.required[channel] {
		if params[name] == "" {
			return fmt.Errorf("%w %q for channel %s", ErrMissingParam, name, channel)
		}
	}
	return nil
}

// Activate implements Interest. Polled channels take precedence over the
// bridge when both serve a channel.
func (r *Relay) Activate(key subscription.Key) error {
	if r.pool.Serves(key.Channel) {
		return r.pool.Create(key)
	}
	if r.bridge != nil && r.bridge.Serves(key.Channel) {
		if !r.bridge.Subscribe(key) {
			r.logger.Debug("upstream subscribe intent dropped", "key", key.String(), "state", r.bridge.State().String())
		}
		return nil
	}
	return fmt.Errorf("activate %s: %w", key, ErrUnknownChannel)
}

// Deactivate implements Interest.
func (r *Relay) Deactivate(key subscription.Key) {
	if r.pool.Destroy(key) {
		return
	}
	if r.bridge != nil && r.bridge.Serves(key.Channel) {
		r.bridge.Unsubscribe(key)
	}
}
