package relay

import (
	"log/slog"

	"github.com/rickgao/market-relay/internal/metrics"
	"github.com/rickgao/market-relay/internal/subscription"
)

// Dispatcher fans frames out to subscribers. Each target is handed the
// frame through its own non-blocking queue, so a slow peer never delays
// the others.
type Dispatcher struct {
	registry *subscription.Registry
	manager  *Manager
	metrics  *metrics.ConnectionMetrics
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over registry and manager.
func NewDispatcher(registry *subscription.Registry, manager *Manager, m *metrics.ConnectionMetrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		manager:  manager,
		metrics:  m,
		logger:   logger,
	}
}

// Publish queues frame to every current subscriber of key and returns how
// many accepted it.
func (d *Dispatcher) Publish(key subscription.Key, frame []byte) int {
	return d.deliver(d.registry.SubscribersOf(key), frame)
}

// Broadcast queues frame to every connection holding at least one
// subscription. With no such connection the frame is dropped.
func (d *Dispatcher) Broadcast(frame []byte) int {
	ids := d.registry.Connections()
	if len(ids) == 0 {
		d.metrics.Dropped(metrics.DropNoTarget)
		d.logger.Debug("no subscribers, dropping broadcast")
		return 0
	}
	return d.deliver(ids, frame)
}

func (d *Dispatcher) deliver(ids []string, frame []byte) int {
	n := 0
	for _, id := range ids {
		if d.manager.Send(id, frame) {
			n++
		}
	}
	return n
}
