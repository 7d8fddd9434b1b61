// Package compaction wires the compaction pipeline together: the scheduler
// selects partitions from the catalog, the planner batches their files into
// jobs, a bounded worker pool executes the jobs, and the committer publishes
// each result through one atomic catalog transaction. There is no lock
// anywhere in the pipeline; concurrent compactors race on commit and the
// loser re-plans.
package compaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
	"github.com/gulio-python/influxdb-iox/internal/compaction/planner"
	"github.com/gulio-python/influxdb-iox/internal/compaction/worker"
	"github.com/gulio-python/influxdb-iox/internal/events"
	"github.com/gulio-python/influxdb-iox/internal/logging"
	"github.com/gulio-python/influxdb-iox/internal/metrics"
)

// SchedulerConfig controls the selection loop.
type SchedulerConfig struct {
	// NodeID identifies this compactor in job events.
	NodeID string

	// CycleInterval is the pause between scheduling cycles.
	CycleInterval time.Duration

	// MaxPartitionsPerCycle caps how many partitions one cycle dispatches.
	// The rest stay in the backlog for later cycles.
	MaxPartitionsPerCycle int

	// Strategy orders the backlog when it exceeds the per-cycle cap.
	Strategy RankStrategy

	// Level0FileTrigger is the minimum number of live level-0 files that
	// makes a partition a candidate.
	Level0FileTrigger int

	// ColdAge makes a partition a candidate once no new file has arrived
	// for this long and files below the maximum level remain. Zero
	// disables cold selection.
	ColdAge time.Duration

	// Workers bounds how many jobs run concurrently.
	Workers int
}

// DefaultSchedulerConfig returns selection settings matching the
// configuration defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CycleInterval:         30 * time.Second,
		MaxPartitionsPerCycle: 16,
		Strategy:              RankLastCompacted,
		Level0FileTrigger:     4,
		ColdAge:               8 * time.Hour,
		Workers:               4,
	}
}

// Scheduler periodically asks the catalog which partitions need compaction,
// ranks them, and runs their jobs on a bounded pool. One cycle finishes all
// of its jobs before the next begins, so a partition is never planned twice
// from the same stale listing.
type Scheduler struct {
	cfg       SchedulerConfig
	cat       catalog.Catalog
	planner   *planner.Planner
	executor  *worker.Executor
	committer *Committer
	pool      *worker.Pool
	publisher events.Publisher
	metrics   *metrics.CompactionMetrics
	log       *logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler. The publisher may be nil when job events
// are disabled; metrics must not be nil.
func NewScheduler(
	cfg SchedulerConfig,
	cat catalog.Catalog,
	pln *planner.Planner,
	exec *worker.Executor,
	committer *Committer,
	publisher events.Publisher,
	m *metrics.CompactionMetrics,
) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = def.CycleInterval
	}
	if cfg.MaxPartitionsPerCycle <= 0 {
		cfg.MaxPartitionsPerCycle = def.MaxPartitionsPerCycle
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.Level0FileTrigger <= 0 {
		cfg.Level0FileTrigger = def.Level0FileTrigger
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Scheduler{
		cfg:       cfg,
		cat:       cat,
		planner:   pln,
		executor:  exec,
		committer: committer,
		pool:      worker.NewPool(cfg.Workers),
		publisher: publisher,
		metrics:   m,
		log:       logging.Global(),
		now:       time.Now,
	}
}

// Start begins the scheduling loop. The first cycle runs immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run()
}

// Stop cancels in-flight jobs and waits for the loop to drain. Jobs that had
// already uploaded outputs but not committed leave unreferenced objects
// behind, which is safe: the catalog never learned about them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	s.runCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle performs one full selection pass: list candidates, rank, plan,
// execute, commit. A failed candidate listing aborts only this cycle; a
// failed partition skips only that partition. The cycle blocks until every
// dispatched job has finished.
func (s *Scheduler) runCycle(ctx context.Context) {
	criteria := catalog.Criteria{MinLevel0Files: s.cfg.Level0FileTrigger}
	var coldCutoff time.Time
	if s.cfg.ColdAge > 0 {
		coldCutoff = s.now().Add(-s.cfg.ColdAge)
		criteria.ColdCutoff = coldCutoff
	}

	candidates, err := s.cat.PartitionsNeedingCompaction(ctx, criteria)
	if err != nil {
		s.log.Warnf("listing compaction candidates failed", map[string]any{
			"error": err.Error(),
		})
		return
	}

	var backlogFiles, backlogBytes int64
	for _, cand := range candidates {
		backlogFiles += cand.FileCount
		backlogBytes += cand.TotalBytes
	}
	s.metrics.RecordBacklog(int64(len(candidates)), backlogFiles, backlogBytes)

	rankCandidates(candidates, s.cfg.Strategy)
	admitted := candidates
	if len(admitted) > s.cfg.MaxPartitionsPerCycle {
		admitted = admitted[:s.cfg.MaxPartitionsPerCycle]
	}
	s.metrics.RecordCycle(len(admitted))

	if len(admitted) > 0 {
		s.log.Infof("scheduling cycle", map[string]any{
			"backlog":  len(candidates),
			"admitted": len(admitted),
		})
	}

	for _, cand := range admitted {
		select {
		case <-ctx.Done():
			s.pool.Wait()
			return
		default:
		}

		files, err := s.cat.LiveFiles(ctx, cand.Partition.ID, catalog.LevelMax)
		if err != nil {
			s.log.WithPartition(cand.Partition.ID).Warnf("listing live files failed", map[string]any{
				"error": err.Error(),
			})
			continue
		}

		// A partition past the cold cutoff gets pushed to the top level in
		// one pass; a hot one only merges the churning low levels.
		var jobs []planner.Job
		if !coldCutoff.IsZero() && !cand.NewestFileAt.After(coldCutoff) {
			jobs = s.planner.PlanCold(cand.Partition, files)
		} else {
			jobs = s.planner.Plan(cand.Partition, files, catalog.Level1)
		}

		for _, job := range jobs {
			if err := s.pool.Submit(ctx, func() { s.runJob(ctx, job) }); err != nil {
				s.pool.Wait()
				return
			}
		}
	}

	s.pool.Wait()
}

// runJob carries one job through execution and commit, translating each
// outcome into metrics, logs, and an optional event. Exhausted memory defers
// the job without an event: the partition is still in the backlog and a
// later cycle will pick it up again.
func (s *Scheduler) runJob(ctx context.Context, job planner.Job) {
	log := s.log.WithJobID(uuid.NewString()).WithPartition(job.PartitionID)
	tracker := s.metrics.StartJob(job.OutputLevel.String(), job.PartitionID, job.InputBytes)

	log.Infof("compaction job started", map[string]any{
		"inputFiles":  len(job.Inputs),
		"inputBytes":  job.InputBytes,
		"outputLevel": job.OutputLevel.String(),
	})

	result, err := s.executor.Execute(ctx, job)
	switch {
	case errors.Is(err, worker.ErrResourceExhausted):
		tracker.Deferred()
		log.Infof("job deferred, memory budget exhausted", map[string]any{
			"inputBytes": job.InputBytes,
		})
		return
	case errors.Is(err, worker.ErrDataIntegrity):
		tracker.Failed()
		log.Errorf("data integrity failure, quarantining partition", map[string]any{
			"error": err.Error(),
		})
		if flagErr := s.cat.FlagPartition(ctx, job.PartitionID, err.Error()); flagErr != nil {
			log.Errorf("quarantining partition failed", map[string]any{
				"error": flagErr.Error(),
			})
		}
		s.publish(ctx, job, nil, events.StatusFailed, err)
		return
	case err != nil:
		tracker.Failed()
		log.Errorf("compaction job failed", map[string]any{
			"error": err.Error(),
		})
		s.publish(ctx, job, nil, events.StatusFailed, err)
		return
	}

	created, err := s.committer.Commit(ctx, job, result)
	switch {
	case errors.Is(err, catalog.ErrCommitConflict):
		tracker.Conflicted()
		log.Warnf("commit lost to a concurrent writer, outputs abandoned", map[string]any{
			"error": err.Error(),
		})
		s.publish(ctx, job, result, events.StatusConflict, err)
		return
	case errors.Is(err, catalog.ErrCommitOutcomeUnknown):
		// Retrying could double-apply the transaction. Leave the partition
		// alone; the next cycle reads fresh state and sees what happened.
		tracker.Failed()
		log.Warnf("commit outcome unknown, deferring to a fresh catalog read", map[string]any{
			"error": err.Error(),
		})
		s.publish(ctx, job, result, events.StatusFailed, err)
		return
	case err != nil:
		tracker.Failed()
		log.Errorf("commit failed", map[string]any{
			"error": err.Error(),
		})
		s.publish(ctx, job, result, events.StatusFailed, err)
		return
	}

	tracker.Complete(result.BytesWritten, result.RowsWritten, result.RowsDeduped)
	log.Infof("compaction job committed", map[string]any{
		"outputFiles":  len(created),
		"rowsWritten":  result.RowsWritten,
		"rowsDeduped":  result.RowsDeduped,
		"bytesWritten": result.BytesWritten,
	})
	s.publish(ctx, job, result, events.StatusCompleted, nil)
}

// publish sends a job event. Delivery is advisory and never affects job
// handling; failures are logged and dropped.
func (s *Scheduler) publish(ctx context.Context, job planner.Job, result *worker.Result, status events.Status, jobErr error) {
	ev := events.JobEvent{
		Status:      status,
		NodeID:      s.cfg.NodeID,
		PartitionID: job.PartitionID,
		TableID:     job.TableID,
		OutputLevel: job.OutputLevel.String(),
		InputFiles:  len(job.Inputs),
	}
	if result != nil {
		ev.OutputFiles = len(result.Outputs)
		ev.RowsWritten = result.RowsWritten
		ev.RowsDeduped = result.RowsDeduped
		ev.BytesRead = result.BytesRead
		ev.BytesWritten = result.BytesWritten
	}
	if jobErr != nil {
		ev.Error = jobErr.Error()
	}

	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.WithPartition(job.PartitionID).Warnf("publishing job event failed", map[string]any{
			"error": err.Error(),
		})
	}
}
