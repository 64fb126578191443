package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	attempts   prometheus.Counter
	outcomes   *prometheus.CounterVec
	replayed   prometheus.Counter
	skipped    prometheus.Counter
	dropped    *prometheus.CounterVec
	duration   prometheus.Histogram
	queueDepth prometheus.Gauge
}

// NewMetrics registers the engine metrics with reg. A nil reg creates
// unregistered instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounter(prometheus.CounterOpts{
			Name: "localsync_sync_attempts_total",
			Help: "Sync attempts started.",
		}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localsync_sync_outcomes_total",
			Help: "TriggerSync results by outcome.",
		}, []string{"outcome"}),
		replayed: f.NewCounter(prometheus.CounterOpts{
			Name: "localsync_ops_replayed_total",
			Help: "Queued operations confirmed by the authority.",
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Name: "localsync_ops_skipped_total",
			Help: "Queued removals skipped because the record was already gone.",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localsync_ops_dropped_total",
			Help: "Queued operations discarded.",
		}, []string{"reason"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "localsync_sync_duration_seconds",
			Help:    "Duration of sync attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "localsync_queue_depth",
			Help: "Operations waiting to be synced.",
		}),
	}
}

func (m *Metrics) attempt() {
	if m != nil {
		m.attempts.Inc()
	}
}

func (m *Metrics) outcome(o Outcome) {
	if m != nil {
		m.outcomes.WithLabelValues(o.String()).Inc()
	}
}

func (m *Metrics) replay() {
	if m != nil {
		m.replayed.Inc()
	}
}

func (m *Metrics) skip() {
	if m != nil {
		m.skipped.Inc()
	}
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) observe(seconds float64) {
	if m != nil {
		m.duration.Observe(seconds)
	}
}

func (m *Metrics) depth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}
