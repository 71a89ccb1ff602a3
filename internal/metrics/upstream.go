package metrics

import "github.com/prometheus/client_golang/prometheus"

// UpstreamMetrics covers the upstream bridge. A nil *UpstreamMetrics is
// valid and records nothing.
type UpstreamMetrics struct {
	State      prometheus.Gauge
	Reconnects prometheus.Counter
	Forwarded  prometheus.Counter
	Dropped    prometheus.Counter
}

// NewUpstreamMetrics creates and registers bridge metrics on reg.
func NewUpstreamMetrics(reg prometheus.Registerer) *UpstreamMetrics {
	m := &UpstreamMetrics{
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "state",
			Help:      "Bridge state (0=disconnected, 1=connecting, 2=connected).",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts after a disconnect or failed dial.",
		}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "forwarded_total",
			Help:      "Total upstream messages forwarded downstream.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "dropped_total",
			Help:      "Total upstream messages dropped (queue full or no subscribers).",
		}),
	}

	reg.MustRegister(m.State, m.Reconnects, m.Forwarded, m.Dropped)
	return m
}

// SetState records the bridge state as its ordinal.
func (m *UpstreamMetrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}

func (m *UpstreamMetrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *UpstreamMetrics) Forward() {
	if m == nil {
		return
	}
	m.Forwarded.Inc()
}

func (m *UpstreamMetrics) Drop() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}
