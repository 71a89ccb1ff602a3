package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/market-relay/internal/metrics"
	"github.com/rickgao/market-relay/internal/protocol"
	"github.com/rickgao/market-relay/internal/subscription"
)

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the clock driving poll cadence.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) {
		p.clock = c
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.PollerMetrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// Pool owns one PollTask per subscribed key.
//
// Tasks are created and destroyed only by the caller in response to
// registry reference-count transitions; the pool never decides on its own
// that a task should stop.
type Pool struct {
	cfg      Config
	fetchers map[string]Fetcher
	pub      Publisher
	clock    clockwork.Clock
	metrics  *metrics.PollerMetrics
	logger   *slog.Logger

	// base bounds every fetch; cancelled only by Stop.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[subscription.Key]*task
	stopped bool
}

// task is one PollTask. Absence from Pool.tasks is its stopped state.
type task struct {
	key     subscription.Key
	fetcher Fetcher
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// NewPool creates a pool. fetchers maps a channel name to the Fetcher
// serving it.
func NewPool(cfg Config, fetchers map[string]Fetcher, pub Publisher, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	p := &Pool{
		cfg:      cfg,
		fetchers: fetchers,
		pub:      pub,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		tasks:    make(map[subscription.Key]*task),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.base, p.cancel = context.WithCancel(context.Background())
	return p
}

// Serves reports whether channel has a fetcher.
func (p *Pool) Serves(channel string) bool {
	_, ok := p.fetchers[channel]
	return ok
}

// Channels returns the polled channel names, sorted.
func (p *Pool) Channels() []string {
	out := make([]string, 0, len(p.fetchers))
	for name := range p.fetchers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Create starts a PollTask for key: an immediate fetch, then one cycle per
// interval. Creating a key that already has a task is a no-op.
func (p *Pool) Create(key subscription.Key) error {
	fetcher, ok := p.fetchers[key.Channel]
	if !ok {
		return fmt.Errorf("create %s: %w", key, ErrNoFetcher)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if _, exists := p.tasks[key]; exists {
		return nil
	}

	t := &task{
		key:     key,
		fetcher: fetcher,
		logger:  p.logger.With("key", key.String()),
	}
	t.ctx, t.cancel = context.WithCancel(p.base)
	p.tasks[key] = t

	p.wg.Add(1)
	go p.run(t)

	p.metrics.TaskStarted()
	t.logger.Info("poll task started", "interval", p.cfg.Interval)
	return nil
}

// Destroy cancels the task for key. A fetch already in flight runs to
// completion and its result is discarded. Returns false if no task existed.
func (p *Pool) Destroy(key subscription.Key) bool {
	p.mu.Lock()
	t, ok := p.tasks[key]
	if ok {
		delete(p.tasks, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	t.cancel()
	p.metrics.TaskStopped()
	t.logger.Info("poll task stopped")
	return true
}

// Has reports whether key has a live task.
func (p *Pool) Has(key subscription.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[key]
	return ok
}

// Len returns the number of live tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Stop cancels every task and in-flight fetch, then waits for the task
// goroutines to exit or ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	for key, t := range p.tasks {
		delete(p.tasks, key)
		t.cancel()
		p.metrics.TaskStopped()
	}
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poll pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the task loop. The next timer is armed only after the current
// cycle returns, so a task never has two fetches in flight.
func (p *Pool) run(t *task) {
	defer p.wg.Done()

	for {
		p.cycle(t)

		timer := p.clock.NewTimer(p.cfg.Interval)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		if t.ctx.Err() != nil {
			return
		}
	}
}

// cycle performs one fetch and publishes the result.
func (p *Pool) cycle(t *task) {
	// The fetch deadline hangs off the pool, not the task, so Destroy
	// does not abort a request mid-flight.
	ctx, cancel := context.WithTimeout(p.base, p.cfg.Timeout)
	start := p.clock.Now()
	data, err := t.fetcher.Fetch(ctx, t.key)
	cancel()
	p.metrics.ObserveFetch(t.key.Channel, p.clock.Since(start), err)

	if t.ctx.Err() != nil {
		t.logger.Debug("discarding fetch result after teardown")
		return
	}
	if err != nil {
		t.logger.Warn("fetch failed", "err", err)
		return
	}

	frame, err := protocol.Encode(protocol.NewUpdate(t.key.Channel, t.key.Params(), data))
	if err != nil {
		t.logger.Warn("failed to encode update", "err", err)
		return
	}

	n := p.pub.Publish(t.key, frame)
	t.logger.Debug("published update", "subscribers", n, "bytes", len(frame))
}
