package relay

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rickgao/market-relay/internal/metrics"
)

// Transport writes whole frames to one downstream peer.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// connection is one accepted downstream peer. Its subscriptions live in
// the registry, not here.
type connection struct {
	id        string
	transport Transport
	limiter   *rate.Limiter
	logger    *slog.Logger

	// send is never closed; done signals shutdown to the writer.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, t Transport, cfg Config, logger *slog.Logger) *connection {
	return &connection{
		id:        id,
		transport: t,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:    logger.With("conn_id", id),
		send:      make(chan []byte, cfg.SendBuffer),
		done:      make(chan struct{}),
	}
}

// enqueue queues frame without blocking. It returns the drop reason, or
// "" when queued.
func (c *connection) enqueue(frame []byte) string {
	select {
	case <-c.done:
		return metrics.DropClosed
	default:
	}

	select {
	case c.send <- frame:
		return ""
	default:
		return metrics.DropBufferFull
	}
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// shutdown stops the writer and closes the transport. Safe to call twice.
func (c *connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("transport close", "err", err)
		}
	})
}
