package compaction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
	"github.com/gulio-python/influxdb-iox/internal/compaction/planner"
	"github.com/gulio-python/influxdb-iox/internal/compaction/worker"
	"github.com/gulio-python/influxdb-iox/internal/events"
	"github.com/gulio-python/influxdb-iox/internal/metrics"
	"github.com/gulio-python/influxdb-iox/internal/objectstore"
	"github.com/gulio-python/influxdb-iox/internal/retry"
)

// capturePublisher records job events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (p *capturePublisher) Publish(_ context.Context, ev events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) Close() {}

func (p *capturePublisher) byStatus(status events.Status) []events.JobEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.JobEvent
	for _, ev := range p.events {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

// seedParquetFile writes rows as a real Parquet object and registers it in
// the catalog at the given level.
func seedParquetFile(t *testing.T, cat *catalog.MockCatalog, store *objectstore.MockStore, partition catalog.Partition, level catalog.Level, rows []worker.Row) catalog.File {
	t.Helper()
	ctx := context.Background()

	data, stats, err := worker.WriteToBuffer(worker.CodecSnappy, rows)
	if err != nil {
		t.Fatalf("writing fixture parquet: %v", err)
	}

	f, err := cat.AddFile(ctx, catalog.FileParams{
		ID:          uuid.New(),
		PartitionID: partition.ID,
		TableID:     partition.TableID,
		MinTime:     stats.MinTime,
		MaxTime:     stats.MaxTime,
		SizeBytes:   stats.SizeBytes,
		RowCount:    stats.RowCount,
		Level:       level,
		Codec:       "snappy",
	})
	if err != nil {
		t.Fatalf("registering fixture file: %v", err)
	}

	if err := store.Put(ctx, f.ObjectKey(), bytes.NewReader(data), int64(len(data)), "application/vnd.apache.parquet"); err != nil {
		t.Fatalf("storing fixture object: %v", err)
	}
	return f
}

func newTestScheduler(t *testing.T, cat *catalog.MockCatalog, store *objectstore.MockStore, cfg SchedulerConfig, pub events.Publisher, budgetBytes int64) (*Scheduler, *worker.MemoryBudget) {
	t.Helper()

	m := metrics.NewCompactionMetricsWithRegistry(prometheus.NewRegistry())
	budget := worker.NewMemoryBudget(budgetBytes)
	exec := worker.NewExecutor(store, budget, worker.ExecutorConfig{
		OutputCodec: worker.CodecSnappy,
		Retry: retry.Policy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}, m)

	s := NewScheduler(cfg, cat, planner.New(planner.Config{}), exec, NewCommitter(cat), pub, m)
	return s, budget
}

// newTestExecutor builds a standalone executor for tests that drive the
// plan-execute-commit pipeline by hand.
func newTestExecutor(store objectstore.Store) *worker.Executor {
	return worker.NewExecutor(store, worker.NewMemoryBudget(1<<30), worker.ExecutorConfig{
		OutputCodec: worker.CodecSnappy,
		Retry: retry.Policy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}, metrics.NewCompactionMetricsWithRegistry(prometheus.NewRegistry()))
}

// hotPartition seeds four level-0 files with one duplicate row across files.
func hotPartition(t *testing.T, cat *catalog.MockCatalog, store *objectstore.MockStore) catalog.Partition {
	t.Helper()
	part, err := cat.CreatePartition(context.Background(), catalog.PartitionParams{TableID: 3})
	if err != nil {
		t.Fatalf("creating partition: %v", err)
	}

	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "cpu,host=a", Timestamp: 10, Fields: []byte("stale")},
		{SeriesKey: "cpu,host=a", Timestamp: 20, Fields: []byte("b")},
	})
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "cpu,host=a", Timestamp: 10, Fields: []byte("fresh")},
		{SeriesKey: "mem,host=a", Timestamp: 5, Fields: []byte("m")},
	})
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "cpu,host=a", Timestamp: 30, Fields: []byte("c")},
	})
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "disk,host=a", Timestamp: 1, Fields: []byte("d")},
	})
	return part
}

func hotCycleConfig() SchedulerConfig {
	return SchedulerConfig{
		NodeID:                "compactor-test",
		CycleInterval:         time.Hour,
		MaxPartitionsPerCycle: 4,
		Strategy:              RankLastCompacted,
		Level0FileTrigger:     4,
		Workers:               2,
	}
}

func TestSchedulerCompactsHotPartition(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMockCatalog()
	store := objectstore.NewMockStore()
	part := hotPartition(t, cat, store)

	pub := &capturePublisher{}
	s, budget := newTestScheduler(t, cat, store, hotCycleConfig(), pub, 1<<30)

	s.runCycle(ctx)

	live, err := cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
	if err != nil {
		t.Fatalf("LiveFiles: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("%d live files after the cycle, want 1 merged output", len(live))
	}
	out := live[0]
	if out.Level != catalog.Level1 {
		t.Errorf("output level = %s, want L1", out.Level)
	}
	if out.RowCount != 5 {
		t.Errorf("output rows = %d, want 5 after deduplication", out.RowCount)
	}

	// The duplicate at cpu,host=a@10 must resolve to the later file's value.
	rc, err := store.Get(ctx, out.ObjectKey())
	if err != nil {
		t.Fatalf("reading output object: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("reading output object: %v", err)
	}
	rows, err := worker.NewReader(data).ReadAll()
	if err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("output holds %d rows, want 5", len(rows))
	}
	if rows[0].SeriesKey != "cpu,host=a" || rows[0].Timestamp != 10 || string(rows[0].Fields) != "fresh" {
		t.Errorf("first output row = %+v, want the fresh duplicate", rows[0])
	}

	after, _ := cat.GetPartition(ctx, part.ID)
	if after.Generation != 1 {
		t.Errorf("generation = %d, want 1", after.Generation)
	}

	completed := pub.byStatus(events.StatusCompleted)
	if len(completed) != 1 {
		t.Fatalf("%d completed events, want 1", len(completed))
	}
	ev := completed[0]
	if ev.PartitionID != part.ID || ev.NodeID != "compactor-test" || ev.OutputLevel != "L1" {
		t.Errorf("event = %+v, want partition %d on node compactor-test at L1", ev, part.ID)
	}
	if ev.InputFiles != 4 || ev.OutputFiles != 1 || ev.RowsWritten != 5 || ev.RowsDeduped != 1 {
		t.Errorf("event volumes = %+v, want 4 inputs, 1 output, 5 rows, 1 deduped", ev)
	}

	if got := budget.Reserved(); got != 0 {
		t.Errorf("budget still holds %d bytes after the cycle", got)
	}
}

func TestSchedulerQuarantinesCorruptPartition(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMockCatalog()
	store := objectstore.NewMockStore()

	part, _ := cat.CreatePartition(ctx, catalog.PartitionParams{TableID: 3})
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "cpu", Timestamp: 10, Fields: []byte("a")},
	})
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "cpu", Timestamp: 20, Fields: []byte("b")},
	})
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "cpu", Timestamp: 40, Fields: []byte("d")},
	})
	// Mis-sorted rows: written exactly as given, so the file is corrupt.
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "cpu", Timestamp: 35, Fields: []byte("late")},
		{SeriesKey: "cpu", Timestamp: 30, Fields: []byte("early")},
	})

	pub := &capturePublisher{}
	s, _ := newTestScheduler(t, cat, store, hotCycleConfig(), pub, 1<<30)

	s.runCycle(ctx)

	after, _ := cat.GetPartition(ctx, part.ID)
	if !after.Flagged() {
		t.Fatal("corrupt partition not quarantined")
	}
	if after.Generation != 0 {
		t.Errorf("generation = %d, want 0: nothing should commit", after.Generation)
	}
	live, _ := cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
	if len(live) != 4 {
		t.Errorf("%d live files, want the original 4", len(live))
	}

	failed := pub.byStatus(events.StatusFailed)
	if len(failed) != 1 {
		t.Fatalf("%d failed events, want 1", len(failed))
	}
	if failed[0].Error == "" {
		t.Error("failed event carries no error")
	}

	// The next cycle must not touch the quarantined partition.
	s.runCycle(ctx)
	if got := len(pub.byStatus(events.StatusFailed)); got != 1 {
		t.Errorf("%d failed events after a second cycle, want still 1", got)
	}
}

func TestSchedulerColdPartitionClimbsToMaxLevel(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMockCatalog()
	store := objectstore.NewMockStore()

	// Files created a day ago, well past the cold cutoff.
	past := time.Now().Add(-24 * time.Hour)
	cat.Now = func() time.Time { return past }

	part, _ := cat.CreatePartition(ctx, catalog.PartitionParams{TableID: 3})
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "cpu", Timestamp: 10, Fields: []byte("a")},
	})
	seedParquetFile(t, cat, store, part, catalog.Level1, []worker.Row{
		{SeriesKey: "cpu", Timestamp: 20, Fields: []byte("b")},
		{SeriesKey: "mem", Timestamp: 15, Fields: []byte("m")},
	})
	cat.Now = time.Now

	cfg := hotCycleConfig()
	cfg.Level0FileTrigger = 4 // two files never trigger the hot path
	cfg.ColdAge = 8 * time.Hour

	pub := &capturePublisher{}
	s, _ := newTestScheduler(t, cat, store, cfg, pub, 1<<30)

	s.runCycle(ctx)

	live, err := cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
	if err != nil {
		t.Fatalf("LiveFiles: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("%d live files after the cold pass, want 1", len(live))
	}
	if live[0].Level != catalog.LevelMax {
		t.Errorf("cold output level = %s, want %s", live[0].Level, catalog.LevelMax)
	}
	if live[0].RowCount != 3 {
		t.Errorf("cold output rows = %d, want 3", live[0].RowCount)
	}
}

func TestSchedulerHonorsCycleCap(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMockCatalog()
	store := objectstore.NewMockStore()

	first := hotPartition(t, cat, store)
	second := hotPartition(t, cat, store)

	cfg := hotCycleConfig()
	cfg.MaxPartitionsPerCycle = 1

	pub := &capturePublisher{}
	s, _ := newTestScheduler(t, cat, store, cfg, pub, 1<<30)

	// Neither partition was ever compacted, so the tie breaks on ID and the
	// first one wins the only slot.
	s.runCycle(ctx)

	p1, _ := cat.GetPartition(ctx, first.ID)
	p2, _ := cat.GetPartition(ctx, second.ID)
	if p1.Generation != 1 {
		t.Errorf("first partition generation = %d, want 1", p1.Generation)
	}
	if p2.Generation != 0 {
		t.Errorf("second partition generation = %d, want 0 until the next cycle", p2.Generation)
	}

	// The compacted partition leaves the backlog, so the next cycle serves
	// the one that waited.
	s.runCycle(ctx)

	p2, _ = cat.GetPartition(ctx, second.ID)
	if p2.Generation != 1 {
		t.Errorf("second partition generation = %d after two cycles, want 1", p2.Generation)
	}
	if got := len(pub.byStatus(events.StatusCompleted)); got != 2 {
		t.Errorf("%d completed events, want 2", got)
	}
}

func TestSchedulerDefersJobsWhenMemoryExhausted(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMockCatalog()
	store := objectstore.NewMockStore()
	part := hotPartition(t, cat, store)

	pub := &capturePublisher{}
	s, budget := newTestScheduler(t, cat, store, hotCycleConfig(), pub, 100)

	// Another job holds most of the tiny budget, so this cycle's job cannot
	// reserve even its clamped claim.
	if !budget.Reserve(60) {
		t.Fatal("pre-reservation failed")
	}

	s.runCycle(ctx)

	after, _ := cat.GetPartition(ctx, part.ID)
	if after.Generation != 0 {
		t.Errorf("generation = %d, want 0 for a deferred job", after.Generation)
	}
	if after.Flagged() {
		t.Error("deferred job must not quarantine the partition")
	}
	if got := len(pub.events); got != 0 {
		t.Errorf("%d events for a deferred job, want none", got)
	}
	if got := budget.Reserved(); got != 60 {
		t.Errorf("budget reservation = %d, want the pre-existing 60", got)
	}
}

func TestSchedulerConflictDiscardsOutputs(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMockCatalog()
	store := objectstore.NewMockStore()
	part := hotPartition(t, cat, store)

	pub := &capturePublisher{}
	s, _ := newTestScheduler(t, cat, store, hotCycleConfig(), pub, 1<<30)

	cat.CommitErr = fmt.Errorf("catalog: partition %d: %w", part.ID, catalog.ErrCommitConflict)
	s.runCycle(ctx)

	after, _ := cat.GetPartition(ctx, part.ID)
	if after.Flagged() {
		t.Error("a commit conflict must not quarantine the partition")
	}
	live, _ := cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
	if len(live) != 4 {
		t.Errorf("%d live files, want the original 4", len(live))
	}

	conflicts := pub.byStatus(events.StatusConflict)
	if len(conflicts) != 1 {
		t.Fatalf("%d conflict events, want 1", len(conflicts))
	}
	if conflicts[0].OutputFiles != 1 {
		t.Errorf("conflict event reports %d abandoned outputs, want 1", conflicts[0].OutputFiles)
	}
}

func TestSchedulerUnknownCommitOutcomeIsNotRetried(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMockCatalog()
	store := objectstore.NewMockStore()
	part := hotPartition(t, cat, store)

	pub := &capturePublisher{}
	s, _ := newTestScheduler(t, cat, store, hotCycleConfig(), pub, 1<<30)

	cat.CommitErr = catalog.ErrCommitOutcomeUnknown
	s.runCycle(ctx)

	// Exactly one commit attempt: one failed event, no conflict, no flag.
	if got := len(pub.byStatus(events.StatusFailed)); got != 1 {
		t.Fatalf("%d failed events, want 1", got)
	}
	after, _ := cat.GetPartition(ctx, part.ID)
	if after.Flagged() {
		t.Error("an unknown outcome must not quarantine the partition")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMockCatalog()
	store := objectstore.NewMockStore()
	part := hotPartition(t, cat, store)

	s, _ := newTestScheduler(t, cat, store, hotCycleConfig(), &capturePublisher{}, 1<<30)

	s.Start()
	s.Start() // second Start is a no-op

	deadline := time.Now().Add(5 * time.Second)
	for {
		p, err := cat.GetPartition(ctx, part.ID)
		if err != nil {
			t.Fatalf("GetPartition: %v", err)
		}
		if p.Generation == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("the immediate first cycle never committed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Stop()
	s.Stop() // Stop after Stop returns immediately
}

func TestCompactionPassKeepsSameLevelOutputsDisjoint(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMockCatalog()
	store := objectstore.NewMockStore()

	part, err := cat.CreatePartition(ctx, catalog.PartitionParams{TableID: 3})
	if err != nil {
		t.Fatalf("creating partition: %v", err)
	}

	// A wide file, a file straddling its middle, and a disjoint one. With a
	// one-byte job cap every legal boundary is taken, so the straddling file
	// must ride along with the wide one or the pass would emit two
	// overlapping files at the same level.
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "cpu,host=a", Timestamp: 0, Fields: []byte("a")},
		{SeriesKey: "cpu,host=a", Timestamp: 100, Fields: []byte("b")},
	})
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "mem,host=a", Timestamp: 50, Fields: []byte("c")},
		{SeriesKey: "mem,host=a", Timestamp: 60, Fields: []byte("d")},
	})
	seedParquetFile(t, cat, store, part, catalog.Level0, []worker.Row{
		{SeriesKey: "cpu,host=a", Timestamp: 200, Fields: []byte("e")},
	})

	files, err := cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
	if err != nil {
		t.Fatalf("LiveFiles: %v", err)
	}

	pln := planner.New(planner.Config{MaxJobBytes: 1, MaxFilesPerJob: 10, PromotionThreshold: 1})
	jobs := pln.Plan(part, files, catalog.Level1)
	if len(jobs) != 2 {
		t.Fatalf("planned %d jobs, want 2: the overlapping pair plus the disjoint file", len(jobs))
	}

	exec := newTestExecutor(store)
	committer := NewCommitter(cat)
	for i, job := range jobs {
		res, err := exec.Execute(ctx, job)
		if err != nil {
			t.Fatalf("executing job %d: %v", i, err)
		}
		if _, err := committer.Commit(ctx, job, res); err != nil {
			t.Fatalf("committing job %d: %v", i, err)
		}
	}

	live, err := cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
	if err != nil {
		t.Fatalf("LiveFiles: %v", err)
	}
	for i, a := range live {
		if a.Level == catalog.Level0 {
			t.Errorf("file %s still at L0 after the pass", a.ID)
		}
		for _, b := range live[i+1:] {
			if a.Level == b.Level && a.Overlaps(b.MinTime, b.MaxTime) {
				t.Errorf("live %s files overlap: [%d, %d] and [%d, %d]",
					a.Level, a.MinTime, a.MaxTime, b.MinTime, b.MaxTime)
			}
		}
	}
}

func TestSchedulerCrashBeforeCommitConverges(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMockCatalog()
	store := objectstore.NewMockStore()
	part := hotPartition(t, cat, store)

	// First run: the outputs reach the object store, then the process dies
	// before the commit. Only the uploaded objects survive.
	files, err := cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
	if err != nil {
		t.Fatalf("LiveFiles: %v", err)
	}
	jobs := planner.New(planner.Config{}).Plan(part, files, catalog.Level1)
	if len(jobs) != 1 {
		t.Fatalf("planned %d jobs, want 1", len(jobs))
	}
	crashed, err := newTestExecutor(store).Execute(ctx, jobs[0])
	if err != nil {
		t.Fatalf("executing doomed job: %v", err)
	}
	orphan := crashed.Outputs[0]

	// The catalog never learned about the attempt.
	live, _ := cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
	if len(live) != 4 {
		t.Fatalf("%d live files after the crash, want the original 4", len(live))
	}

	// A fresh cycle replans from the unchanged catalog and converges to the
	// same state the crashed run was about to commit.
	pub := &capturePublisher{}
	s, _ := newTestScheduler(t, cat, store, hotCycleConfig(), pub, 1<<30)
	s.runCycle(ctx)

	live, err = cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
	if err != nil {
		t.Fatalf("LiveFiles: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("%d live files after the fresh cycle, want 1", len(live))
	}
	out := live[0]
	if out.Level != catalog.Level1 || out.RowCount != 5 {
		t.Errorf("fresh output = %s with %d rows, want L1 with 5", out.Level, out.RowCount)
	}
	if out.ID == orphan.ID {
		t.Error("committed output reuses the crashed run's id; every attempt must write fresh objects")
	}
	after, _ := cat.GetPartition(ctx, part.ID)
	if after.Generation != 1 {
		t.Errorf("generation = %d, want 1", after.Generation)
	}

	// The crashed run's object is orphaned: still present, referenced by
	// nothing, left for garbage collection.
	if _, err := store.Head(ctx, objectstore.DataFileKey(orphan.TableID, orphan.PartitionID, orphan.ID)); err != nil {
		t.Errorf("orphaned object gone from the store: %v", err)
	}
	for _, f := range cat.DeletedFiles(part.ID) {
		if f.ID == orphan.ID {
			t.Error("orphan from the crashed run leaked into the catalog")
		}
	}
}

func TestSchedulerCommitOrderIndependence(t *testing.T) {
	ctx := context.Background()

	type world struct {
		cat   *catalog.MockCatalog
		store *objectstore.MockStore
		parts []catalog.Partition
	}
	newWorld := func() world {
		cat := catalog.NewMockCatalog()
		store := objectstore.NewMockStore()
		return world{cat: cat, store: store, parts: []catalog.Partition{
			hotPartition(t, cat, store),
			hotPartition(t, cat, store),
		}}
	}

	// run executes one job per partition, then commits them in the given
	// order. Both jobs are in flight before either commit lands, the way
	// two workers race in production.
	run := func(w world, order []int) {
		pln := planner.New(planner.Config{})
		exec := newTestExecutor(w.store)
		committer := NewCommitter(w.cat)

		var (
			jobs    []planner.Job
			results []*worker.Result
		)
		for _, part := range w.parts {
			files, err := w.cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
			if err != nil {
				t.Fatalf("LiveFiles: %v", err)
			}
			pjobs := pln.Plan(part, files, catalog.Level1)
			if len(pjobs) != 1 {
				t.Fatalf("planned %d jobs for partition %d, want 1", len(pjobs), part.ID)
			}
			res, err := exec.Execute(ctx, pjobs[0])
			if err != nil {
				t.Fatalf("executing partition %d: %v", part.ID, err)
			}
			jobs = append(jobs, pjobs[0])
			results = append(results, res)
		}
		for _, i := range order {
			if _, err := committer.Commit(ctx, jobs[i], results[i]); err != nil {
				t.Fatalf("committing job %d: %v", i, err)
			}
		}
	}

	// Output ids and sequence numbers differ per run, so equality is over
	// the catalog state that matters: file count, level, bounds, rows, and
	// the partition generation.
	type summary struct {
		level      catalog.Level
		minTime    int64
		maxTime    int64
		rows       int64
		generation int64
	}
	summarize := func(w world, part catalog.Partition) summary {
		live, err := w.cat.LiveFiles(ctx, part.ID, catalog.LevelMax)
		if err != nil {
			t.Fatalf("LiveFiles: %v", err)
		}
		if len(live) != 1 {
			t.Fatalf("partition %d holds %d live files, want 1", part.ID, len(live))
		}
		p, err := w.cat.GetPartition(ctx, part.ID)
		if err != nil {
			t.Fatalf("GetPartition: %v", err)
		}
		return summary{
			level:      live[0].Level,
			minTime:    live[0].MinTime,
			maxTime:    live[0].MaxTime,
			rows:       live[0].RowCount,
			generation: p.Generation,
		}
	}

	forward, reversed := newWorld(), newWorld()
	run(forward, []int{0, 1})
	run(reversed, []int{1, 0})

	for i := range forward.parts {
		want := summarize(forward, forward.parts[i])
		got := summarize(reversed, reversed.parts[i])
		if got != want {
			t.Errorf("partition %d state depends on commit order:\n got %+v\nwant %+v", i, got, want)
		}
	}
}
