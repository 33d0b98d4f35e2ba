// Package metrics exposes Prometheus metrics for sync attempts and the queue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetops/fieldsync/internal/models"
)

const namespace = "fieldsync"

// Metrics records sync engine activity on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	attempts   *prometheus.CounterVec
	duration   prometheus.Histogram
	pushes     *prometheus.CounterVec
	pulled     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

// New creates Metrics with every collector registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_attempts_total",
				Help:      "Total number of sync attempts by result",
			},
			[]string{"result"},
		),

		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of completed sync attempts",
				Buckets:   prometheus.DefBuckets,
			},
		),

		pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_operations_total",
				Help:      "Total number of pushed queue operations",
			},
			[]string{"kind", "type", "result"},
		),

		pulled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pulled_records_total",
				Help:      "Total number of server records merged locally",
			},
			[]string{"kind"},
		),

		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_operations_total",
				Help:      "Total number of operations dropped after exhausting retries",
			},
			[]string{"kind"},
		),

		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_total",
				Help:      "Total number of concurrent edits detected during pull",
			},
			[]string{"kind"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of operations waiting in the sync queue",
			},
		),
	}

	m.registry.MustRegister(
		m.attempts,
		m.duration,
		m.pushes,
		m.pulled,
		m.dropped,
		m.conflicts,
		m.queueDepth,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt counts an attempt; skipped attempts carry no duration.
func (m *Metrics) ObserveAttempt(result string, d time.Duration) {
	m.attempts.WithLabelValues(result).Inc()
	if d > 0 {
		m.duration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObservePush(kind models.EntityKind, typ models.OperationType, result string) {
	m.pushes.WithLabelValues(string(kind), string(typ), result).Inc()
}

func (m *Metrics) ObservePulled(kind models.EntityKind, n int) {
	m.pulled.WithLabelValues(string(kind)).Add(float64(n))
}

func (m *Metrics) ObserveDropped(kind models.EntityKind) {
	m.dropped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ObserveConflict(kind models.EntityKind) {
	m.conflicts.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}
