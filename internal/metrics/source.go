package metrics

import "github.com/prometheus/client_golang/prometheus"

// SourceMetrics covers fetcher decorators (shared cache and circuit
// breaker). A nil *SourceMetrics is valid and records nothing.
type SourceMetrics struct {
	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec
}

// NewSourceMetrics creates and registers source metrics on reg.
func NewSourceMetrics(reg prometheus.Registerer) *SourceMetrics {
	m := &SourceMetrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot_cache",
			Name:      "hits_total",
			Help:      "Total shared snapshot cache hits, by channel.",
		}, []string{"channel"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot_cache",
			Name:      "misses_total",
			Help:      "Total shared snapshot cache misses, by channel.",
		}, []string{"channel"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open), by breaker.",
		}, []string{"breaker"}),
	}

	reg.MustRegister(m.CacheHits, m.CacheMisses, m.BreakerState)
	return m
}

func (m *SourceMetrics) CacheHit(channel string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(channel).Inc()
}

func (m *SourceMetrics) CacheMiss(channel string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(channel).Inc()
}

// SetBreakerState records a breaker transition as its ordinal.
func (m *SourceMetrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
