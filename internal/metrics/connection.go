package metrics

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons for outbound frames.
const (
	DropBufferFull = "buffer_full"
	DropClosed     = "closed"
	DropNoTarget   = "no_target"
)

// Reject reasons for inbound frames.
const (
	RejectMalformed   = "malformed"
	RejectInvalid     = "invalid"
	RejectRateLimited = "rate_limited"
)

// ConnectionMetrics covers downstream connections. A nil *ConnectionMetrics
// is valid and records nothing.
type ConnectionMetrics struct {
	Active        prometheus.Gauge
	Subscriptions prometheus.Gauge
	FramesSent    prometheus.Counter
	FramesDropped *prometheus.CounterVec
	Rejected      *prometheus.CounterVec
}

// NewConnectionMetrics creates and registers connection metrics on reg.
func NewConnectionMetrics(reg prometheus.Registerer) *ConnectionMetrics {
	m := &ConnectionMetrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of open downstream connections.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "subscriptions",
			Help:      "Number of (connection, key) subscriptions.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "frames_sent_total",
			Help:      "Total frames written to downstream connections.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "frames_dropped_total",
			Help:      "Total outbound frames dropped, by reason.",
		}, []string{"reason"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "inbound_rejected_total",
			Help:      "Total inbound frames ignored, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.Active, m.Subscriptions, m.FramesSent, m.FramesDropped, m.Rejected)
	return m
}

func (m *ConnectionMetrics) Opened() {
	if m == nil {
		return
	}
	m.Active.Inc()
}

func (m *ConnectionMetrics) Closed() {
	if m == nil {
		return
	}
	m.Active.Dec()
}

// SetSubscriptions sets the current subscription total.
func (m *ConnectionMetrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

func (m *ConnectionMetrics) Sent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

func (m *ConnectionMetrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *ConnectionMetrics) Reject(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}
