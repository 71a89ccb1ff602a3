package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/market-relay/internal/metrics"
	"github.com/rickgao/market-relay/internal/protocol"
	"github.com/rickgao/market-relay/internal/subscription"
)

// Manager owns every live downstream connection.
type Manager struct {
	cfg      Config
	registry *subscription.Registry
	interest Interest
	clock    clockwork.Clock
	metrics  *metrics.ConnectionMetrics
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*connection

	// subMu serializes registry transitions with the Activate/Deactivate
	// they trigger, so a 0->1 and a 1->0 for the same key never reorder.
	subMu sync.Mutex

	wg sync.WaitGroup
}

// NewManager creates a connection manager.
func NewManager(cfg Config, registry *subscription.Registry, interest Interest, clock clockwork.Clock, m *metrics.ConnectionMetrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		registry: registry,
		interest: interest,
		clock:    clock,
		metrics:  m,
		logger:   logger,
		conns:    make(map[string]*connection),
	}
}

// Accept registers t as a new connection with no subscriptions, starts its
// writer and queues the connected frame. Returns the connection id.
func (m *Manager) Accept(t Transport) string {
	id := uuid.NewString()
	c := newConnection(id, t, m.cfg, m.logger)

	m.mu.Lock()
	m.conns[id] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go m.writeLoop(c)

	m.metrics.Opened()
	c.logger.Info("connection accepted")

	m.reply(c, protocol.NewConnected(id, m.clock.Now()))
	return id
}

// HandleInbound processes one frame from connection id. Malformed or
// rejected frames are logged and ignored; the connection stays open.
func (m *Manager) HandleInbound(id string, data []byte) {
	c := m.get(id)
	if c == nil {
		m.logger.Debug("inbound frame for unknown connection", "conn_id", id)
		return
	}

	if !c.limiter.Allow() {
		m.metrics.Reject(metrics.RejectRateLimited)
		c.logger.Warn("rate limit exceeded, dropping frame")
		return
	}

	msg, err := protocol.Parse(data)
	if err != nil {
		m.metrics.Reject(metrics.RejectMalformed)
		c.logger.Warn("ignoring malformed message", "err", err)
		return
	}

	switch v := msg.(type) {
	case protocol.Subscribe:
		m.subscribe(c, v)
	case protocol.Unsubscribe:
		m.unsubscribe(c, v)
	case protocol.Ping:
		m.reply(c, protocol.NewPong())
	}
}

func (m *Manager) subscribe(c *connection, req protocol.Subscribe) {
	if err := m.interest.Validate(req.Channel, req.Params); err != nil {
		m.metrics.Reject(metrics.RejectInvalid)
		c.logger.Warn("rejecting subscribe", "channel", req.Channel, "err", err)
		m.reply(c, protocol.NewError(err.Error()))
		return
	}

	key := subscription.NewKey(req.Channel, req.Params)

	m.subMu.Lock()
	// Close marks the connection before dropping it from the registry, so
	// this check keeps a racing subscribe from outliving the connection.
	if c.closed() {
		m.subMu.Unlock()
		return
	}
	// The ack is queued before the connection joins the subscriber set so
	// it always precedes the first update for key.
	m.reply(c, protocol.NewSubscribed(req.Channel, req.Params))
	if m.registry.Subscribe(c.id, key) {
		if err := m.interest.Activate(key); err != nil {
			m.registry.Unsubscribe(c.id, key)
			m.subMu.Unlock()
			c.logger.Warn("failed to activate subscription", "key", key.String(), "err", err)
			// The subscribed ack is already queued; retract it.
			m.reply(c, protocol.NewError(err.Error()))
			m.reply(c, protocol.NewUnsubscribed(req.Channel, req.Params))
			return
		}
	}
	m.subMu.Unlock()

	m.updateSubscriptions()
	c.logger.Debug("subscribed", "key", key.String())
}

func (m *Manager) unsubscribe(c *connection, req protocol.Unsubscribe) {
	key := subscription.NewKey(req.Channel, req.Params)

	m.subMu.Lock()
	if m.registry.Unsubscribe(c.id, key) {
		m.interest.Deactivate(key)
	}
	m.subMu.Unlock()

	m.updateSubscriptions()
	c.logger.Debug("unsubscribed", "key", key.String())
	m.reply(c, protocol.NewUnsubscribed(req.Channel, req.Params))
}

// Close removes connection id and every subscription it held. Closing an
// unknown or already closed connection is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	c.shutdown()

	m.subMu.Lock()
	emptied := m.registry.DropConnection(id)
	for _, key := range emptied {
		m.interest.Deactivate(key)
	}
	m.subMu.Unlock()

	m.metrics.Closed()
	m.updateSubscriptions()
	c.logger.Info("connection closed", "released", len(emptied))
}

// CloseAll closes every connection.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Wait blocks until every writer goroutine has exited or ctx expires.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues frame for connection id. It never blocks: frames for closed
// or backed-up connections are dropped. Returns whether frame was queued.
func (m *Manager) Send(id string, frame []byte) bool {
	c := m.get(id)
	if c == nil {
		m.metrics.Dropped(metrics.DropClosed)
		return false
	}
	return m.send(c, frame)
}

func (m *Manager) send(c *connection, frame []byte) bool {
	if reason := c.enqueue(frame); reason != "" {
		m.metrics.Dropped(reason)
		c.logger.Debug("dropping frame", "reason", reason)
		return false
	}
	return true
}

func (m *Manager) reply(c *connection, msg any) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Warn("failed to encode reply", "err", err)
		return
	}
	m.send(c, frame)
}

// Count returns the number of open connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) get(id string) *connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

func (m *Manager) updateSubscriptions() {
	m.metrics.SetSubscriptions(m.registry.Stats().Subscriptions)
}

// writeLoop drains one connection's queue. A write error closes the
// connection.
func (m *Manager) writeLoop(c *connection) {
	defer m.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.transport.WriteMessage(frame); err != nil {
				c.logger.Warn("write failed, closing connection", "err", err)
				m.Close(c.id)
				return
			}
			m.metrics.Sent()
		}
	}
}
