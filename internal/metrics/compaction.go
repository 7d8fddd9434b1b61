package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CompactionMetrics holds metrics for scheduler cycles, compaction backlog,
// and job execution.
type CompactionMetrics struct {
	// CyclesTotal counts completed scheduler cycles.
	CyclesTotal prometheus.Counter

	// PartitionsSelectedTotal counts partitions dispatched for compaction.
	PartitionsSelectedTotal prometheus.Counter

	// BacklogPartitionsGauge tracks partitions currently needing
	// compaction, as observed by the latest scheduler cycle.
	BacklogPartitionsGauge prometheus.Gauge

	// BacklogFilesGauge tracks live files across all backlog partitions.
	BacklogFilesGauge prometheus.Gauge

	// BacklogBytesGauge tracks live bytes across all backlog partitions.
	BacklogBytesGauge prometheus.Gauge

	// BacklogExceededGauge is set to 1 when the backlog exceeds the
	// configured thresholds, 0 otherwise. Intended for alerting.
	BacklogExceededGauge prometheus.Gauge

	// JobsActiveGauge tracks running compaction jobs.
	// Labels: output_level (L1, L2)
	JobsActiveGauge *prometheus.GaugeVec

	// JobDurationHistogram tracks job duration in seconds.
	// Labels: output_level, status (success, failed, conflict, deferred)
	JobDurationHistogram *prometheus.HistogramVec

	// JobBytesWrittenCounter tracks bytes written by completed jobs.
	// Labels: output_level
	JobBytesWrittenCounter *prometheus.CounterVec

	// JobRowsWrittenCounter tracks rows written by completed jobs.
	// Labels: output_level
	JobRowsWrittenCounter *prometheus.CounterVec

	// JobRowsDedupedCounter tracks rows dropped as duplicates.
	// Labels: output_level
	JobRowsDedupedCounter *prometheus.CounterVec

	// JobSourceBytesGauge tracks input bytes of running jobs, useful when
	// chasing memory blowups. Labels: output_level, partition
	JobSourceBytesGauge *prometheus.GaugeVec

	// MemoryReservedGauge tracks bytes currently reserved from the
	// executor memory budget.
	MemoryReservedGauge prometheus.Gauge

	// mu protects threshold configuration.
	mu sync.RWMutex
	// partitionsThreshold is the backlog partition count above which the
	// alert gauge fires. 0 disables.
	partitionsThreshold int64
	// bytesThreshold is the backlog byte count above which the alert
	// gauge fires. 0 disables.
	bytesThreshold int64
}

// Job status label values.
const (
	JobStatusSuccess  = "success"
	JobStatusFailed   = "failed"
	JobStatusConflict = "conflict"
	JobStatusDeferred = "deferred"
)

// NewCompactionMetrics creates compaction metrics registered with the
// default Prometheus registry.
func NewCompactionMetrics() *CompactionMetrics {
	return NewCompactionMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewCompactionMetricsWithRegistry creates compaction metrics registered
// with a custom registry. Useful for testing to avoid conflicts with the
// default registry.
func NewCompactionMetricsWithRegistry(reg prometheus.Registerer) *CompactionMetrics {
	factory := promauto.With(reg)

	return &CompactionMetrics{
		CyclesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "cycles_total",
				Help:      "Total number of completed scheduler cycles.",
			},
		),
		PartitionsSelectedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "partitions_selected_total",
				Help:      "Total number of partitions dispatched for compaction.",
			},
		),
		BacklogPartitionsGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "backlog_partitions",
				Help:      "Partitions currently needing compaction.",
			},
		),
		BacklogFilesGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "backlog_files",
				Help:      "Live files across all partitions needing compaction.",
			},
		),
		BacklogBytesGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "backlog_bytes",
				Help:      "Live bytes across all partitions needing compaction.",
			},
		),
		BacklogExceededGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "backlog_exceeded",
				Help:      "Set to 1 when the compaction backlog exceeds thresholds, 0 otherwise.",
			},
		),
		JobsActiveGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "jobs_active",
				Help:      "Number of running compaction jobs.",
			},
			[]string{"output_level"},
		),
		JobDurationHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "job_duration_seconds",
				Help:      "Duration of compaction jobs in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"output_level", "status"},
		),
		JobBytesWrittenCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "job_bytes_written_total",
				Help:      "Total bytes written by completed compaction jobs.",
			},
			[]string{"output_level"},
		),
		JobRowsWrittenCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "job_rows_written_total",
				Help:      "Total rows written by completed compaction jobs.",
			},
			[]string{"output_level"},
		),
		JobRowsDedupedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "job_rows_deduped_total",
				Help:      "Total rows dropped as duplicates by compaction jobs.",
			},
			[]string{"output_level"},
		),
		JobSourceBytesGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "job_source_bytes",
				Help:      "Input bytes of running compaction jobs.",
			},
			[]string{"output_level", "partition"},
		),
		MemoryReservedGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "iox",
				Subsystem: "compactor",
				Name:      "memory_reserved_bytes",
				Help:      "Bytes currently reserved from the executor memory budget.",
			},
		),
	}
}

// SetBacklogThresholds configures the alerting thresholds. Set a threshold
// to 0 to disable it. If either is exceeded, the alert gauge fires.
func (m *CompactionMetrics) SetBacklogThresholds(partitions, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitionsThreshold = partitions
	m.bytesThreshold = bytes
}

// RecordBacklog updates the backlog gauges from one scheduler observation.
func (m *CompactionMetrics) RecordBacklog(partitions, files, bytes int64) {
	m.BacklogPartitionsGauge.Set(float64(partitions))
	m.BacklogFilesGauge.Set(float64(files))
	m.BacklogBytesGauge.Set(float64(bytes))

	m.mu.RLock()
	partitionsThreshold := m.partitionsThreshold
	bytesThreshold := m.bytesThreshold
	m.mu.RUnlock()

	exceeded := (partitionsThreshold > 0 && partitions > partitionsThreshold) ||
		(bytesThreshold > 0 && bytes > bytesThreshold)
	if exceeded {
		m.BacklogExceededGauge.Set(1)
	} else {
		m.BacklogExceededGauge.Set(0)
	}
}

// RecordCycle counts one completed scheduler cycle and the partitions it
// dispatched.
func (m *CompactionMetrics) RecordCycle(partitionsSelected int) {
	m.CyclesTotal.Inc()
	m.PartitionsSelectedTotal.Add(float64(partitionsSelected))
}

// RecordMemoryReserved updates the memory budget gauge.
func (m *CompactionMetrics) RecordMemoryReserved(bytes int64) {
	m.MemoryReservedGauge.Set(float64(bytes))
}

// JobTracker tracks metrics for a single compaction job. Create one with
// StartJob and finish it with exactly one of Complete, Failed, Conflicted,
// or Deferred.
type JobTracker struct {
	metrics     *CompactionMetrics
	outputLevel string
	partition   string
	startTime   time.Time
}

// StartJob begins tracking a compaction job writing at outputLevel.
func (m *CompactionMetrics) StartJob(outputLevel string, partitionID int64, sourceBytes int64) *JobTracker {
	partition := strconv.FormatInt(partitionID, 10)
	m.JobsActiveGauge.WithLabelValues(outputLevel).Inc()
	m.JobSourceBytesGauge.WithLabelValues(outputLevel, partition).Set(float64(sourceBytes))

	return &JobTracker{
		metrics:     m,
		outputLevel: outputLevel,
		partition:   partition,
		startTime:   time.Now(),
	}
}

func (t *JobTracker) finish(status string) float64 {
	duration := time.Since(t.startTime).Seconds()
	t.metrics.JobsActiveGauge.WithLabelValues(t.outputLevel).Dec()
	t.metrics.JobSourceBytesGauge.DeleteLabelValues(t.outputLevel, t.partition)
	t.metrics.JobDurationHistogram.WithLabelValues(t.outputLevel, status).Observe(duration)
	return duration
}

// Complete marks the job committed and records its output volume.
func (t *JobTracker) Complete(bytesWritten, rowsWritten, rowsDeduped int64) {
	t.finish(JobStatusSuccess)
	t.metrics.JobBytesWrittenCounter.WithLabelValues(t.outputLevel).Add(float64(bytesWritten))
	t.metrics.JobRowsWrittenCounter.WithLabelValues(t.outputLevel).Add(float64(rowsWritten))
	t.metrics.JobRowsDedupedCounter.WithLabelValues(t.outputLevel).Add(float64(rowsDeduped))
}

// Failed marks the job failed.
func (t *JobTracker) Failed() {
	t.finish(JobStatusFailed)
}

// Conflicted marks the job as having lost a commit race; its outputs were
// discarded.
func (t *JobTracker) Conflicted() {
	t.finish(JobStatusConflict)
}

// Deferred marks the job as postponed, typically because the memory budget
// could not admit it.
func (t *JobTracker) Deferred() {
	t.finish(JobStatusDeferred)
}
