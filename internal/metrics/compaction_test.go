package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCompactionMetrics_RecordBacklog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCompactionMetricsWithRegistry(reg)

	m.RecordBacklog(12, 340, 17*1024*1024)

	if got := gatherValue(t, reg, "iox_compactor_backlog_partitions", nil); got != 12 {
		t.Errorf("backlog_partitions = %f, want 12", got)
	}
	if got := gatherValue(t, reg, "iox_compactor_backlog_files", nil); got != 340 {
		t.Errorf("backlog_files = %f, want 340", got)
	}
	if got := gatherValue(t, reg, "iox_compactor_backlog_bytes", nil); got != 17*1024*1024 {
		t.Errorf("backlog_bytes = %f, want %d", got, 17*1024*1024)
	}
	if got := gatherValue(t, reg, "iox_compactor_backlog_exceeded", nil); got != 0 {
		t.Errorf("backlog_exceeded = %f, want 0 (no thresholds)", got)
	}
}

func TestCompactionMetrics_BacklogThresholds(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCompactionMetricsWithRegistry(reg)

	m.SetBacklogThresholds(10, 0)

	m.RecordBacklog(5, 0, 0)
	if got := gatherValue(t, reg, "iox_compactor_backlog_exceeded", nil); got != 0 {
		t.Errorf("backlog_exceeded = %f, want 0 below threshold", got)
	}

	m.RecordBacklog(11, 0, 0)
	if got := gatherValue(t, reg, "iox_compactor_backlog_exceeded", nil); got != 1 {
		t.Errorf("backlog_exceeded = %f, want 1 above threshold", got)
	}

	// Falls back below: gauge resets.
	m.RecordBacklog(3, 0, 0)
	if got := gatherValue(t, reg, "iox_compactor_backlog_exceeded", nil); got != 0 {
		t.Errorf("backlog_exceeded = %f, want 0 after recovery", got)
	}

	// Bytes threshold fires independently.
	m.SetBacklogThresholds(0, 1000)
	m.RecordBacklog(3, 0, 2000)
	if got := gatherValue(t, reg, "iox_compactor_backlog_exceeded", nil); got != 1 {
		t.Errorf("backlog_exceeded = %f, want 1 above bytes threshold", got)
	}
}

func TestCompactionMetrics_RecordCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCompactionMetricsWithRegistry(reg)

	m.RecordCycle(4)
	m.RecordCycle(0)
	m.RecordCycle(2)

	if got := gatherValue(t, reg, "iox_compactor_cycles_total", nil); got != 3 {
		t.Errorf("cycles_total = %f, want 3", got)
	}
	if got := gatherValue(t, reg, "iox_compactor_partitions_selected_total", nil); got != 6 {
		t.Errorf("partitions_selected_total = %f, want 6", got)
	}
}

func TestCompactionMetrics_JobTrackerComplete(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCompactionMetricsWithRegistry(reg)

	tracker := m.StartJob("L1", 42, 4096)

	if got := gatherValue(t, reg, "iox_compactor_jobs_active", map[string]string{"output_level": "L1"}); got != 1 {
		t.Errorf("jobs_active = %f, want 1 while running", got)
	}
	if got := gatherValue(t, reg, "iox_compactor_job_source_bytes", map[string]string{"output_level": "L1", "partition": "42"}); got != 4096 {
		t.Errorf("job_source_bytes = %f, want 4096", got)
	}

	tracker.Complete(2048, 100, 7)

	if got := gatherValue(t, reg, "iox_compactor_jobs_active", map[string]string{"output_level": "L1"}); got != 0 {
		t.Errorf("jobs_active = %f, want 0 after completion", got)
	}
	if got := gatherValue(t, reg, "iox_compactor_job_bytes_written_total", map[string]string{"output_level": "L1"}); got != 2048 {
		t.Errorf("job_bytes_written_total = %f, want 2048", got)
	}
	if got := gatherValue(t, reg, "iox_compactor_job_rows_written_total", map[string]string{"output_level": "L1"}); got != 100 {
		t.Errorf("job_rows_written_total = %f, want 100", got)
	}
	if got := gatherValue(t, reg, "iox_compactor_job_rows_deduped_total", map[string]string{"output_level": "L1"}); got != 7 {
		t.Errorf("job_rows_deduped_total = %f, want 7", got)
	}

	// The per-job source gauge is removed once the job finishes.
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	sourceMF := findMetricFamily(mfs, "iox_compactor_job_source_bytes")
	if sourceMF != nil && len(sourceMF.Metric) != 0 {
		t.Errorf("job_source_bytes should have no samples after completion, got %d", len(sourceMF.Metric))
	}

	durationMF := findMetricFamily(mfs, "iox_compactor_job_duration_seconds")
	if durationMF == nil {
		t.Fatal("iox_compactor_job_duration_seconds not found")
	}
	if got := getHistogramCount(durationMF, map[string]string{"output_level": "L1", "status": JobStatusSuccess}); got != 1 {
		t.Errorf("expected 1 success duration sample, got %d", got)
	}
}

func TestCompactionMetrics_JobTrackerOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCompactionMetricsWithRegistry(reg)

	m.StartJob("L1", 1, 100).Failed()
	m.StartJob("L1", 2, 100).Conflicted()
	m.StartJob("L2", 3, 100).Deferred()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	durationMF := findMetricFamily(mfs, "iox_compactor_job_duration_seconds")
	if durationMF == nil {
		t.Fatal("iox_compactor_job_duration_seconds not found")
	}

	checks := []struct {
		level  string
		status string
	}{
		{"L1", JobStatusFailed},
		{"L1", JobStatusConflict},
		{"L2", JobStatusDeferred},
	}
	for _, check := range checks {
		labels := map[string]string{"output_level": check.level, "status": check.status}
		if got := getHistogramCount(durationMF, labels); got != 1 {
			t.Errorf("expected 1 %s/%s duration sample, got %d", check.level, check.status, got)
		}
	}

	// No output counters for jobs that did not complete.
	if bytesMF := findMetricFamily(mfs, "iox_compactor_job_bytes_written_total"); bytesMF != nil && len(bytesMF.Metric) != 0 {
		t.Error("failed jobs must not count bytes written")
	}
}

func TestCompactionMetrics_RecordMemoryReserved(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCompactionMetricsWithRegistry(reg)

	m.RecordMemoryReserved(512 * 1024 * 1024)
	if got := gatherValue(t, reg, "iox_compactor_memory_reserved_bytes", nil); got != 512*1024*1024 {
		t.Errorf("memory_reserved_bytes = %f", got)
	}

	m.RecordMemoryReserved(0)
	if got := gatherValue(t, reg, "iox_compactor_memory_reserved_bytes", nil); got != 0 {
		t.Errorf("memory_reserved_bytes = %f, want 0 after release", got)
	}
}
