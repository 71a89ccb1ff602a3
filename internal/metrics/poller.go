package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PollerMetrics covers the PollTask pool. A nil *PollerMetrics is valid and
// records nothing.
type PollerMetrics struct {
	Tasks         prometheus.Gauge
	Fetches       *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
}

// NewPollerMetrics creates and registers poller metrics on reg.
func NewPollerMetrics(reg prometheus.Registerer) *PollerMetrics {
	m := &PollerMetrics{
		Tasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "tasks",
			Help:      "Number of active poll tasks.",
		}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fetches_total",
			Help:      "Total fetch cycles, by channel and result.",
		}, []string{"channel", "result"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fetch_duration_seconds",
			Help:      "Fetch latency in seconds, by channel.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
	}

	reg.MustRegister(m.Tasks, m.Fetches, m.FetchDuration)
	return m
}

// TaskStarted records a new poll task.
func (m *PollerMetrics) TaskStarted() {
	if m == nil {
		return
	}
	m.Tasks.Inc()
}

// TaskStopped records a torn down poll task.
func (m *PollerMetrics) TaskStopped() {
	if m == nil {
		return
	}
	m.Tasks.Dec()
}

// ObserveFetch records one fetch cycle.
func (m *PollerMetrics) ObserveFetch(channel string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(channel, result(err)).Inc()
	m.FetchDuration.WithLabelValues(channel).Observe(d.Seconds())
}
