package upstream

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/market-relay/internal/metrics"
	"github.com/rickgao/market-relay/internal/subscription"
)

var errDial = errors.New("dial refused")

// fakeClient is a scripted Client.
type fakeClient struct {
	connectErr error
	messages   chan TimestampedMessage
	errors     chan error
	sent       chan []byte
	closed     atomic.Bool
}

func (c *fakeClient) Connect(context.Context) error { return c.connectErr }
func (c *fakeClient) Close() error                  { c.closed.Store(true); return nil }
func (c *fakeClient) Messages() <-chan TimestampedMessage {
	return c.messages
}
func (c *fakeClient) Errors() <-chan error { return c.errors }
func (c *fakeClient) IsConnected() bool    { return c.connectErr == nil && !c.closed.Load() }
func (c *fakeClient) Send(data []byte) error {
	c.sent <- data
	return nil
}

func (c *fakeClient) push(data string) {
	c.messages <- TimestampedMessage{Data: []byte(data), ReceivedAt: time.Now()}
}

// dialer hands out fakeClients whose Connect results follow script; dials
// past the end of the script succeed.
type dialer struct {
	mu     sync.Mutex
	script []error
	n      int
	dialed chan *fakeClient
}

func newDialer(script ...error) *dialer {
	return &dialer{script: script, dialed: make(chan *fakeClient, 16)}
}

func (d *dialer) new(ClientConfig, *slog.Logger) Client {
	d.mu.Lock()
	var err error
	if d.n < len(d.script) {
		err = d.script[d.n]
	}
	d.n++
	d.mu.Unlock()

	c := &fakeClient{
		connectErr: err,
		messages:   make(chan TimestampedMessage, 16),
		errors:     make(chan error, 1),
		sent:       make(chan []byte, 16),
	}
	d.dialed <- c
	return c
}

func (d *dialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func (d *dialer) next(t *testing.T) *fakeClient {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// recordingForwarder records broadcast frames and reports n subscribers.
type recordingForwarder struct {
	n      int
	frames chan []byte
}

func (f *recordingForwarder) Broadcast(frame []byte) int {
	f.frames <- frame
	return f.n
}

func (f *recordingForwarder) next(t *testing.T) []byte {
	t.Helper()
	select {
	case fr := <-f.frames:
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a forwarded frame")
		return nil
	}
}

func testConfig() Config {
	return Config{
		URL:               "ws://upstream.test/feed",
		Channels:          []string{"trade", "ticker"},
		ReconnectBaseWait: time.Second,
		ReconnectMaxWait:  8 * time.Second,
		QueueSize:         16,
	}
}

func startBridge(t *testing.T, d *dialer, fwd Forwarder, clock clockwork.Clock, opts ...Option) *Bridge {
	t.Helper()
	opts = append([]Option{WithClock(clock), WithClientFactory(d.new)}, opts...)
	b := NewBridge(testConfig(), fwd, opts...)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireState(t *testing.T, b *Bridge, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return b.State() == want },
		2*time.Second, 5*time.Millisecond, "bridge never reached %s", want)
}

// Failed dials back off 1s, 2s; a successful connect resets the delay so
// the next drop waits 1s again rather than 4s.
func TestBridge_BackoffResetsOnConnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer(errDial, errDial)
	b := startBridge(t, d, &recordingForwarder{n: 1, frames: make(chan []byte, 16)}, clock)

	d.next(t)
	require.NoError(t, clock.BlockUntilContext(waitCtx(t), 1))
	clock.Advance(time.Second)

	d.next(t)
	require.NoError(t, clock.BlockUntilContext(waitCtx(t), 1))
	clock.Advance(time.Second)
	assert.Equal(t, 2, d.attempts(), "second delay must be longer than the first")
	clock.Advance(time.Second)

	c3 := d.next(t)
	requireState(t, b, StateConnected)

	c3.errors <- errors.New("connection reset by peer")
	require.NoError(t, clock.BlockUntilContext(waitCtx(t), 1))
	assert.True(t, c3.closed.Load())
	assert.Equal(t, StateDisconnected, b.State())
	clock.Advance(time.Second)

	d.next(t)
	requireState(t, b, StateConnected)
	assert.Equal(t, 4, d.attempts())
}

func TestBridge_BackoffCapped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer(errDial, errDial, errDial, errDial, errDial)
	startBridge(t, d, &recordingForwarder{n: 1, frames: make(chan []byte, 16)}, clock)

	// Delays: 1, 2, 4, 8, 8 (capped).
	for _, wait := range []time.Duration{1, 2, 4, 8, 8} {
		d.next(t)
		require.NoError(t, clock.BlockUntilContext(waitCtx(t), 1))
		clock.Advance(wait * time.Second)
	}
	d.next(t)
	assert.Equal(t, 6, d.attempts())
}

func TestBridge_ForwardsDataNotResponses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer()
	fwd := &recordingForwarder{n: 2, frames: make(chan []byte, 16)}
	m := metrics.NewUpstreamMetrics(prometheus.NewRegistry())
	b := startBridge(t, d, fwd, clock, WithMetrics(m))

	c := d.next(t)
	requireState(t, b, StateConnected)

	c.push(`{"id":3,"type":"ok","msg":{}}`)
	c.push(`{"type":"trade","sid":1,"msg":{"market_ticker":"M1","yes_price":52}}`)

	assert.JSONEq(t, `{"type":"trade","sid":1,"msg":{"market_ticker":"M1","yes_price":52}}`, string(fwd.next(t)))
	assert.Eventually(t, func() bool { return testutil.ToFloat64(m.Forwarded) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.State))
}

func TestBridge_NoSubscribersDrops(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer()
	fwd := &recordingForwarder{n: 0, frames: make(chan []byte, 16)}
	m := metrics.NewUpstreamMetrics(prometheus.NewRegistry())
	b := startBridge(t, d, fwd, clock, WithMetrics(m))

	c := d.next(t)
	requireState(t, b, StateConnected)
	c.push(`{"type":"ticker","msg":{}}`)

	fwd.next(t)
	assert.Eventually(t, func() bool { return testutil.ToFloat64(m.Dropped) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Forwarded))
}

func TestBridge_IntentsDroppedWhileDisconnected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer(errDial)
	b := startBridge(t, d, &recordingForwarder{n: 1, frames: make(chan []byte, 16)}, clock)
	key := subscription.NewKey("trade", map[string]string{"resource_id": "M1"})

	first := d.next(t)
	require.NoError(t, clock.BlockUntilContext(waitCtx(t), 1))
	assert.False(t, b.Subscribe(key))

	clock.Advance(time.Second)
	c := d.next(t)
	requireState(t, b, StateConnected)

	// The earlier intent is not replayed after connecting.
	select {
	case cmd := <-c.sent:
		t.Fatalf("unexpected command after connect: %s", cmd)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, first.sent)
}

func TestBridge_SubscribeThenUnsubscribe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer()
	fwd := &recordingForwarder{n: 1, frames: make(chan []byte, 16)}
	b := startBridge(t, d, fwd, clock)
	key := subscription.NewKey("trade", map[string]string{"resource_id": "M1"})

	c := d.next(t)
	requireState(t, b, StateConnected)

	require.True(t, b.Subscribe(key))
	select {
	case cmd := <-c.sent:
		assert.JSONEq(t, `{"id":1,"cmd":"subscribe","params":{"channels":["trade"],"market_ticker":"M1"}}`, string(cmd))
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe command never sent")
	}

	// The data frame is handled after the response, so once it is
	// forwarded the subscription id is known.
	c.push(`{"id":1,"type":"subscribed","msg":{"sid":9,"channel":"trade"}}`)
	c.push(`{"type":"trade","sid":9,"msg":{}}`)
	fwd.next(t)

	require.True(t, b.Unsubscribe(key))
	select {
	case cmd := <-c.sent:
		assert.JSONEq(t, `{"id":2,"cmd":"unsubscribe","params":{"sids":[9]}}`, string(cmd))
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe command never sent")
	}

	assert.False(t, b.Unsubscribe(key), "second unsubscribe has nothing to cancel")
}

// Releasing a key before the feed acks its subscribe must still cancel the
// upstream subscription once the sid is known.
func TestBridge_UnsubscribeBeforeAckCancelsSID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer()
	fwd := &recordingForwarder{n: 1, frames: make(chan []byte, 16)}
	b := startBridge(t, d, fwd, clock)
	key := subscription.NewKey("trade", map[string]string{"resource_id": "M1"})

	c := d.next(t)
	requireState(t, b, StateConnected)

	require.True(t, b.Subscribe(key))
	select {
	case <-c.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe command never sent")
	}

	assert.False(t, b.Unsubscribe(key), "no sid known yet")

	c.push(`{"id":1,"type":"subscribed","msg":{"sid":7,"channel":"trade"}}`)
	select {
	case cmd := <-c.sent:
		assert.JSONEq(t, `{"id":2,"cmd":"unsubscribe","params":{"sids":[7]}}`, string(cmd))
	case <-time.After(2 * time.Second):
		t.Fatal("released subscription was never cancelled")
	}

	// Resubscribing opens exactly one new upstream subscription.
	require.True(t, b.Subscribe(key))
	select {
	case cmd := <-c.sent:
		assert.JSONEq(t, `{"id":3,"cmd":"subscribe","params":{"channels":["trade"],"market_ticker":"M1"}}`, string(cmd))
	case <-time.After(2 * time.Second):
		t.Fatal("resubscribe never sent")
	}
	c.push(`{"id":3,"type":"subscribed","msg":{"sid":8,"channel":"trade"}}`)
	c.push(`{"type":"trade","sid":8,"msg":{}}`)
	fwd.next(t)

	require.True(t, b.Unsubscribe(key))
	select {
	case cmd := <-c.sent:
		assert.JSONEq(t, `{"id":4,"cmd":"unsubscribe","params":{"sids":[8]}}`, string(cmd))
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe never sent")
	}
}

// syncBuffer is a bytes.Buffer safe for a logger and a test reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestBridge_UndecodableErrorResponseLogsRaw(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer()
	fwd := &recordingForwarder{n: 1, frames: make(chan []byte, 16)}
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := startBridge(t, d, fwd, clock, WithLogger(logger))

	c := d.next(t)
	requireState(t, b, StateConnected)

	c.push(`{"id":5,"type":"error","msg":"rate limited"}`)
	c.push(`{"type":"trade","msg":{}}`)
	fwd.next(t)

	out := logs.String()
	assert.Contains(t, out, "upstream command failed")
	assert.Contains(t, out, "rate limited")
}

func TestBridge_StartStopIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newDialer()
	b := NewBridge(testConfig(), &recordingForwarder{n: 1, frames: make(chan []byte, 16)},
		WithClock(clock), WithClientFactory(d.new))

	require.NoError(t, b.Stop(context.Background()), "stop before start")
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	c := d.next(t)
	requireState(t, b, StateConnected)

	require.NoError(t, b.Stop(waitCtx(t)))
	require.NoError(t, b.Stop(waitCtx(t)))
	assert.Equal(t, StateDisconnected, b.State())
	assert.True(t, c.closed.Load())
	assert.Equal(t, 1, d.attempts())
}

func TestBridge_Serves(t *testing.T) {
	b := NewBridge(testConfig(), &recordingForwarder{})
	assert.True(t, b.Serves("trade"))
	assert.True(t, b.Serves("ticker"))
	assert.False(t, b.Serves("orderbook"))
}

func TestTryParseResponse(t *testing.T) {
	tests := []struct {
		name string
		data string
		ok   bool
	}{
		{"subscribed", `{"id":1,"type":"subscribed","msg":{"sid":2}}`, true},
		{"error", `{"id":4,"type":"error","msg":{"code":"6","message":"bad"}}`, true},
		{"data with id-like field", `{"type":"trade","msg":{"trade_id":"x"}}`, false},
		{"data message", `{"type":"ticker","sid":1,"msg":{}}`, false},
		{"unknown type with id", `{"id":1,"type":"trade"}`, false},
		{"invalid json", `{"id":`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tryParseResponse([]byte(tt.data))
			assert.Equal(t, tt.ok, ok)
		})
	}
}
