package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
)

// CatalogMetrics holds metrics for catalog operations. It implements
// catalog.MetricsRecorder and plugs into catalog.NewInstrumentedCatalog.
type CatalogMetrics struct {
	// LatencyHistogram tracks catalog operation latencies.
	// Labels: operation, status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// OperationsTotal counts catalog operations.
	// Labels: operation, status (success, failure)
	OperationsTotal *prometheus.CounterVec

	// CommitLatencyHistogram tracks commit transaction latencies.
	// Labels: outcome (committed, conflict, flagged, unknown, error)
	CommitLatencyHistogram *prometheus.HistogramVec

	// CommitsTotal counts commit transactions by outcome.
	CommitsTotal *prometheus.CounterVec
}

// Operation status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// DefaultCatalogLatencyBuckets are latency buckets for catalog queries,
// which are expected to stay well under a second.
var DefaultCatalogLatencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
}

// NewCatalogMetrics creates catalog metrics registered with the default
// Prometheus registry.
func NewCatalogMetrics() *CatalogMetrics {
	return NewCatalogMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewCatalogMetricsWithRegistry creates catalog metrics registered with a
// custom registry. Useful for testing to avoid conflicts with the default
// registry.
func NewCatalogMetricsWithRegistry(reg prometheus.Registerer) *CatalogMetrics {
	factory := promauto.With(reg)

	return &CatalogMetrics{
		LatencyHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "iox",
				Subsystem: "catalog",
				Name:      "operation_latency_seconds",
				Help:      "Catalog operation latency in seconds, broken down by operation and status.",
				Buckets:   DefaultCatalogLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iox",
				Subsystem: "catalog",
				Name:      "operations_total",
				Help:      "Total number of catalog operations, broken down by operation and status.",
			},
			[]string{"operation", "status"},
		),
		CommitLatencyHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "iox",
				Subsystem: "catalog",
				Name:      "commit_latency_seconds",
				Help:      "Commit transaction latency in seconds, broken down by outcome.",
				Buckets:   DefaultCatalogLatencyBuckets,
			},
			[]string{"outcome"},
		),
		CommitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iox",
				Subsystem: "catalog",
				Name:      "commits_total",
				Help:      "Total number of commit transactions, broken down by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// RecordOp records one catalog operation.
func (m *CatalogMetrics) RecordOp(op string, durationSeconds float64, success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.LatencyHistogram.WithLabelValues(op, status).Observe(durationSeconds)
	m.OperationsTotal.WithLabelValues(op, status).Inc()
}

// RecordCommit records one commit transaction by outcome.
func (m *CatalogMetrics) RecordCommit(durationSeconds float64, outcome string) {
	m.CommitLatencyHistogram.WithLabelValues(outcome).Observe(durationSeconds)
	m.CommitsTotal.WithLabelValues(outcome).Inc()
}

// Verify interface compliance at compile time.
var _ catalog.MetricsRecorder = (*CatalogMetrics)(nil)
