package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/market-relay/internal/poller"
	"github.com/rickgao/market-relay/internal/subscription"
	"github.com/rickgao/market-relay/internal/upstream"
)

const pollInterval = 3 * time.Second

// countingFetcher returns {"ticker":<id>,"n":<call>} and counts calls per key.
type countingFetcher struct {
	mu    sync.Mutex
	calls map[subscription.Key]int
}

func (f *countingFetcher) Fetch(_ context.Context, key subscription.Key) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[subscription.Key]int)
	}
	f.calls[key]++
	data, _ := json.Marshal(map[string]any{"ticker": key.Param("resource_id"), "n": f.calls[key]})
	return data, nil
}

func (f *countingFetcher) count(key subscription.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func newTestRelay(t *testing.T, clock clockwork.Clock, opts ...Option) (*Relay, *countingFetcher) {
	t.Helper()
	f := &countingFetcher{}
	cfg := DefaultConfig()
	cfg.Poll = poller.Config{Interval: pollInterval, Timeout: time.Second}
	opts = append([]Option{WithClock(clock), WithRegisterer(prometheus.NewRegistry())}, opts...)
	r := New(cfg, map[string]poller.Fetcher{"orderbook": f, "market": f}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, f
}

func blockCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// A subscribes, B joins the same key, A leaves, B leaves: one poll task
// throughout, torn down only when the last subscriber goes.
func TestRelay_SharedPollTaskLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, f := newTestRelay(t, clock)
	m := r.Manager()

	a, fa := accept(t, m)
	m.HandleInbound(a, []byte(subM1))
	fa.expectType(t, "subscribed")
	up := fa.expectType(t, "orderbook_update")
	assert.Equal(t, "orderbook", up.Channel)
	assert.JSONEq(t, `{"ticker":"M1","n":1}`, string(up.Data))
	assert.Equal(t, 1, r.Stats().PollTasks)

	b, fb := accept(t, m)
	m.HandleInbound(b, []byte(subM1))
	fb.expectType(t, "subscribed")
	assert.Equal(t, 1, r.Stats().PollTasks)

	require.NoError(t, clock.BlockUntilContext(blockCtx(t), 1))
	clock.Advance(pollInterval)
	assert.JSONEq(t, `{"ticker":"M1","n":2}`, string(fa.expectType(t, "orderbook_update").Data))
	assert.JSONEq(t, `{"ticker":"M1","n":2}`, string(fb.expectType(t, "orderbook_update").Data))

	m.Close(a)
	assert.Equal(t, 1, r.Stats().PollTasks)

	require.NoError(t, clock.BlockUntilContext(blockCtx(t), 1))
	clock.Advance(pollInterval)
	fb.expectType(t, "orderbook_update")

	m.HandleInbound(b, []byte(unsubM1))
	fb.expectType(t, "unsubscribed")
	assert.Equal(t, 0, r.Stats().PollTasks)

	clock.Advance(10 * pollInterval)
	fb.expectNothing(t)
	assert.Equal(t, 3, f.count(m1))
}

func TestRelay_UpdatesOnlyReachSubscribersOfKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, _ := newTestRelay(t, clock)
	m := r.Manager()

	a, fa := accept(t, m)
	b, fb := accept(t, m)
	_, fc := accept(t, m)

	m.HandleInbound(a, []byte(subM1))
	fa.expectType(t, "subscribed")
	fa.expectType(t, "orderbook_update")

	m.HandleInbound(b, []byte(`{"type":"subscribe","channel":"market","params":{"resource_id":"M1"}}`))
	fb.expectType(t, "subscribed")
	mk := fb.expectType(t, "market_update")
	assert.Equal(t, "market", mk.Channel)

	fa.expectNothing(t)
	fc.expectNothing(t)
}

func TestRelay_Validate(t *testing.T) {
	r, _ := newTestRelay(t, clockwork.NewFakeClock())

	assert.NoError(t, r.Validate("orderbook", map[string]string{"resource_id": "M1"}))
	assert.True(t, errors.Is(r.Validate("orderbook", map[string]string{}), ErrMissingParam))
	assert.True(t, errors.Is(r.Validate("candles", nil), ErrUnknownChannel))
	// Bridge channels are unknown without a bridge.
	assert.True(t, errors.Is(r.Validate("trade", nil), ErrUnknownChannel))
}

func TestRelay_ConnectUpstreamDisabled(t *testing.T) {
	r, _ := newTestRelay(t, clockwork.NewFakeClock())
	assert.True(t, errors.Is(r.ConnectUpstream(context.Background()), ErrUpstreamDisabled))
	assert.Equal(t, "disabled", r.Stats().Upstream)
}

// stubClient is a connected upstream client fed by the test.
type stubClient struct {
	messages chan upstream.TimestampedMessage
	errors   chan error
}

func (c *stubClient) Connect(context.Context) error                { return nil }
func (c *stubClient) Close() error                                 { return nil }
func (c *stubClient) Send([]byte) error                            { return nil }
func (c *stubClient) Messages() <-chan upstream.TimestampedMessage { return c.messages }
func (c *stubClient) Errors() <-chan error                         { return c.errors }
func (c *stubClient) IsConnected() bool                            { return true }

func TestRelay_UpstreamFanOutToSubscribedConnections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	stub := &stubClient{messages: make(chan upstream.TimestampedMessage, 8), errors: make(chan error, 1)}
	factory := func(upstream.ClientConfig, *slog.Logger) upstream.Client { return stub }

	r, _ := newTestRelay(t, clock, WithUpstream(upstream.Config{
		URL:      "ws://upstream.test",
		Channels: []string{"trade"},
	}, upstream.WithClientFactory(factory)))
	m := r.Manager()

	require.NoError(t, r.ConnectUpstream(context.Background()))
	require.NoError(t, r.ConnectUpstream(context.Background()))
	require.Eventually(t, func() bool { return r.Stats().Upstream == "connected" }, 2*time.Second, 5*time.Millisecond)

	a, fa := accept(t, m)
	_, idle := accept(t, m)
	m.HandleInbound(a, []byte(`{"type":"subscribe","channel":"trade","params":{}}`))
	fa.expectType(t, "subscribed")
	assert.Equal(t, 0, r.Stats().PollTasks)

	stub.messages <- upstream.TimestampedMessage{Data: []byte(`{"type":"trade","msg":{"market_ticker":"M9"}}`)}

	fr := fa.next(t)
	assert.JSONEq(t, `{"type":"trade","msg":{"market_ticker":"M9"}}`, string(fr.Raw))
	idle.expectNothing(t)
}

func TestRelay_InitializeServesWebSocket(t *testing.T) {
	r, _ := newTestRelay(t, clockwork.NewRealClock())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, r.Initialize(l))
	require.NoError(t, r.Initialize(l), "second initialize is a no-op")

	url := "ws://" + r.Addr().String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]any {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}

	hello := read()
	assert.Equal(t, "connected", hello["type"])
	assert.NotEmpty(t, hello["clientId"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(subM1)))
	assert.Equal(t, "subscribed", read()["type"])
	up := read()
	assert.Equal(t, "orderbook_update", up["type"])
	assert.Equal(t, map[string]any{"resource_id": "M1"}, up["params"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", read()["type"])

	stats := r.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Subscribed)
	assert.Equal(t, 1, stats.PollTasks)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	// Shutdown closed the downstream connection and released the task.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, r.Stats().PollTasks)
	assert.Equal(t, 0, r.Stats().Connections)
	assert.True(t, errors.Is(r.Initialize(l), ErrShutdown))
}

func TestRelay_ClientDisconnectReleasesTask(t *testing.T) {
	r, _ := newTestRelay(t, clockwork.NewRealClock())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, r.Initialize(l))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+r.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(subM1)))
	require.Eventually(t, func() bool { return r.Stats().PollTasks == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		s := r.Stats()
		return s.PollTasks == 0 && s.Connections == 0
	}, 2*time.Second, 5*time.Millisecond)
}
