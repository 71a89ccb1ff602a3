package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/market-relay/internal/metrics"
	"github.com/rickgao/market-relay/internal/subscription"
)

// Forwarder delivers an upstream frame downstream. It returns the number
// of connections the frame was queued to.
type Forwarder interface {
	Broadcast(frame []byte) int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock sets the clock driving reconnect backoff.
func WithClock(c clockwork.Clock) Option {
	return func(b *Bridge) {
		b.clock = c
	}
}

// WithClientFactory replaces how per-dial clients are built.
func WithClientFactory(f func(ClientConfig, *slog.Logger) Client) Option {
	return func(b *Bridge) {
		b.newClient = f
	}
}

// WithHeader sets the handshake header builder used on every dial.
func WithHeader(h HeaderFunc) Option {
	return func(b *Bridge) {
		b.cfg.Client.Header = h
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.UpstreamMetrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// Bridge maintains one outbound connection to the upstream feed.
type Bridge struct {
	cfg       Config
	fwd       Forwarder
	clock     clockwork.Clock
	newClient func(ClientConfig, *slog.Logger) Client
	metrics   *metrics.UpstreamMetrics
	logger    *slog.Logger

	channels map[string]struct{}
	state    atomic.Int32
	cmdID    atomic.Int64

	// outbox carries encoded commands to the session goroutine, which owns
	// all writes to the client.
	outbox chan []byte
	queue  *queue[[]byte]

	subsMu  sync.Mutex
	pending   map[int64]subscription.Key // subscribe command id -> key
	cancelled map[int64]struct{}         // subscribe ids whose key was released before the ack
	sids      map[subscription.Key]int64 // upstream subscription id per key

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBridge creates a bridge that forwards to fwd. It does not connect
// until Start.
func NewBridge(cfg Config, fwd Forwarder, opts ...Option) *Bridge {
	defaults := DefaultConfig()
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = defaults.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = cfg.ReconnectBaseWait
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Client.URL == "" {
		cfg.Client.URL = cfg.URL
	}

	b := &Bridge{
		cfg:       cfg,
		fwd:       fwd,
		clock:     clockwork.NewRealClock(),
		newClient: NewClient,
		logger:    slog.Default(),
		channels:  make(map[string]struct{}, len(cfg.Channels)),
		outbox:    make(chan []byte, 256),
		pending:   make(map[int64]subscription.Key),
		cancelled: make(map[int64]struct{}),
		sids:      make(map[subscription.Key]int64),
	}
	for _, ch := range cfg.Channels {
		b.channels[ch] = struct{}{}
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "upstream", "url", cfg.URL)
	return b
}

// Serves reports whether channel is delivered by the feed.
func (b *Bridge) Serves(channel string) bool {
	_, ok := b.channels[channel]
	return ok
}

// State returns the current connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	b.metrics.SetState(int(s))
}

// Start begins the connect/reconnect loop. Calling Start again is a no-op.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)
	b.queue = newQueue[[]byte](64, b.cfg.QueueSize)

	b.wg.Add(2)
	go b.run(ctx)
	go b.forward()

	b.logger.Info("upstream bridge started", "channels", b.cfg.Channels)
	return nil
}

// Stop cancels the loop and waits for it to exit or ctx to expire.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.cancel == nil {
		b.mu.Unlock()
		return nil
	}
	b.cancel()
	b.cancel = nil
	q := b.queue
	b.mu.Unlock()

	q.Close()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("upstream bridge stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe forwards a subscribe intent for key. The intent is dropped,
// not queued, when the bridge is not connected. Returns whether it was
// handed to the connection.
func (b *Bridge) Subscribe(key subscription.Key) bool {
	id := b.cmdID.Add(1)
	cmd := Command{
		ID:  id,
		Cmd: "subscribe",
		Params: SubscribeParams{
			Channels:     []string{key.Channel},
			MarketTicker: key.Param("resource_id"),
		},
	}

	b.subsMu.Lock()
	b.pending[id] = key
	b.subsMu.Unlock()

	if !b.enqueue(cmd, key) {
		b.subsMu.Lock()
		delete(b.pending, id)
		b.subsMu.Unlock()
		return false
	}
	return true
}

// Unsubscribe forwards an unsubscribe intent for key, if the feed has
// acknowledged a subscription for it on the current connection. Subscribes
// still awaiting their ack are marked cancelled and unsubscribed as soon
// as the ack arrives.
func (b *Bridge) Unsubscribe(key subscription.Key) bool {
	b.subsMu.Lock()
	sid, ok := b.sids[key]
	delete(b.sids, key)
	for id, k := range b.pending {
		if k == key {
			delete(b.pending, id)
			b.cancelled[id] = struct{}{}
		}
	}
	b.subsMu.Unlock()

	if !ok {
		b.logger.Debug("no upstream subscription to cancel", "key", key.String())
		return false
	}

	cmd := Command{
		ID:     b.cmdID.Add(1),
		Cmd:    "unsubscribe",
		Params: UnsubscribeParams{SIDs: []int64{sid}},
	}
	return b.enqueue(cmd, key)
}

// enqueue hands cmd to the session goroutine without blocking.
func (b *Bridge) enqueue(cmd Command, key subscription.Key) bool {
	if b.State() != StateConnected {
		b.logger.Debug("dropping intent, not connected", "cmd", cmd.Cmd, "key", key.String())
		return false
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		b.logger.Warn("failed to encode command", "cmd", cmd.Cmd, "err", err)
		return false
	}

	select {
	case b.outbox <- data:
		return true
	default:
		b.logger.Warn("command queue full, dropping intent", "cmd", cmd.Cmd, "key", key.String())
		return false
	}
}

// run is the connection state machine.
func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	defer b.setState(StateDisconnected)

	wait := b.cfg.ReconnectBaseWait

	for {
		b.setState(StateConnecting)
		client := b.newClient(b.cfg.Client, b.logger)

		if err := client.Connect(ctx); err != nil {
			client.Close()
			b.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("upstream connect failed", "err", err, "retry_in", wait)
			if !b.sleep(ctx, wait) {
				return
			}
			b.metrics.Reconnect()
			wait *= 2
			if wait > b.cfg.ReconnectMaxWait {
				wait = b.cfg.ReconnectMaxWait
			}
			continue
		}

		wait = b.cfg.ReconnectBaseWait
		b.setState(StateConnected)
		b.logger.Info("upstream connected")

		err := b.session(ctx, client)

		b.setState(StateDisconnected)
		client.Close()
		b.resetSession()

		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("upstream disconnected", "err", err, "retry_in", wait)
		if !b.sleep(ctx, wait) {
			return
		}
		b.metrics.Reconnect()
	}
}

// sleep waits d on the bridge clock. Returns false if ctx ended first.
func (b *Bridge) sleep(ctx context.Context, d time.Duration) bool {
	timer := b.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

// session pumps one connection until it fails or ctx ends.
func (b *Bridge) session(ctx context.Context, client Client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-client.Errors():
			return err

		case msg, ok := <-client.Messages():
			if !ok {
				return ErrNotConnected
			}
			b.handle(msg.Data)

		case cmd := <-b.outbox:
			if err := client.Send(cmd); err != nil {
				return err
			}
		}
	}
}

// resetSession forgets per-connection state. Intents queued for the old
// connection are dropped; subscription ids do not survive reconnects.
func (b *Bridge) resetSession() {
drain:
	for {
		select {
		case <-b.outbox:
		default:
			break drain
		}
	}

	b.subsMu.Lock()
	b.pending = make(map[int64]subscription.Key)
	b.cancelled = make(map[int64]struct{})
	b.sids = make(map[subscription.Key]int64)
	b.subsMu.Unlock()
}

// handle routes one upstream frame: command responses are consumed here,
// everything else is queued for fan-out.
func (b *Bridge) handle(data []byte) {
	if resp, ok := tryParseResponse(data); ok {
		b.handleResponse(resp)
		return
	}

	if !b.queue.Push(data) {
		b.metrics.Drop()
		b.logger.Warn("forward queue full, dropping message")
	}
}

func (b *Bridge) handleResponse(resp Response) {
	var sub SubscribedMsg
	if resp.Type == "subscribed" {
		if err := json.Unmarshal(resp.Msg, &sub); err != nil {
			b.logger.Warn("undecodable subscribed response", "id", resp.ID, "msg", string(resp.Msg), "err", err)
		}
	}

	b.subsMu.Lock()
	key, pending := b.pending[resp.ID]
	delete(b.pending, resp.ID)
	_, cancelled := b.cancelled[resp.ID]
	delete(b.cancelled, resp.ID)
	if pending && resp.Type == "subscribed" && sub.SID != 0 {
		b.sids[key] = sub.SID
	}
	b.subsMu.Unlock()

	switch {
	case resp.Type == "error":
		var e ErrorMsg
		if err := json.Unmarshal(resp.Msg, &e); err != nil {
			b.logger.Warn("upstream command failed", "id", resp.ID, "msg", string(resp.Msg), "err", err)
			return
		}
		b.logger.Warn("upstream command failed", "id", resp.ID, "code", e.Code, "message", e.Message)
		return
	case cancelled && resp.Type == "subscribed" && sub.SID != 0:
		// The last subscriber left before the ack. Called from the session
		// goroutine, so the command is only queued, never written inline.
		b.cancelSID(sub.SID)
		return
	}
	b.logger.Debug("upstream command response", "id", resp.ID, "type", resp.Type, "key", key.String())
}

// cancelSID queues an unsubscribe for an acknowledged subscription that no
// key holds anymore.
func (b *Bridge) cancelSID(sid int64) {
	cmd := Command{
		ID:     b.cmdID.Add(1),
		Cmd:    "unsubscribe",
		Params: UnsubscribeParams{SIDs: []int64{sid}},
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		b.logger.Warn("failed to encode command", "cmd", cmd.Cmd, "err", err)
		return
	}
	select {
	case b.outbox <- data:
		b.logger.Debug("cancelling released upstream subscription", "sid", sid)
	default:
		b.logger.Warn("command queue full, released upstream subscription left open", "sid", sid)
	}
}

// forward drains the queue into the forwarder.
func (b *Bridge) forward() {
	defer b.wg.Done()

	for {
		data, ok := b.queue.Pop()
		if !ok {
			return
		}
		if n := b.fwd.Broadcast(data); n == 0 {
			b.metrics.Drop()
			continue
		}
		b.metrics.Forward()
	}
}

// tryParseResponse attempts to parse a message as a command response.
func tryParseResponse(data []byte) (Response, bool) {
	// Quick check for response markers
	if !bytes.Contains(data, []byte(`"id":`)) {
		return Response{}, false
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}

	switch resp.Type {
	case "subscribed", "unsubscribed", "error", "ok":
		return resp, true
	}

	return Response{}, false
}
