package compaction

import (
	"context"
	"fmt"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
	"github.com/gulio-python/influxdb-iox/internal/compaction/planner"
	"github.com/gulio-python/influxdb-iox/internal/compaction/worker"
)

// Committer publishes an executed job to the catalog. The commit is a single
// atomic transaction that soft-deletes the inputs and inserts the outputs;
// there is no lock and no second phase. If another committer got to any of
// the inputs first the transaction fails with ErrCommitConflict, the outputs
// are abandoned in the object store, and the partition is simply re-planned
// from fresh state on a later cycle.
type Committer struct {
	cat catalog.Catalog
}

// NewCommitter creates a committer backed by cat.
func NewCommitter(cat catalog.Catalog) *Committer {
	return &Committer{cat: cat}
}

// Commit validates the executed outputs against the job and submits the
// transaction. It is called exactly once per executed job and is never
// retried: the transaction is not idempotent, so on ErrCommitOutcomeUnknown
// the caller must leave the partition alone until a fresh catalog read shows
// what actually happened.
func (c *Committer) Commit(ctx context.Context, job planner.Job, result *worker.Result) ([]catalog.File, error) {
	if err := c.validateOutputs(job, result.Outputs); err != nil {
		return nil, fmt.Errorf("committer: partition %d: %w", job.PartitionID, err)
	}

	txn := catalog.Transaction{
		PartitionID: job.PartitionID,
		Delete:      job.InputIDs(),
		Create:      result.Outputs,
	}
	if err := txn.Validate(); err != nil {
		return nil, fmt.Errorf("committer: partition %d: %w", job.PartitionID, err)
	}

	created, err := c.cat.CommitTransaction(ctx, txn)
	if err != nil {
		return nil, fmt.Errorf("committer: partition %d: %w", job.PartitionID, err)
	}
	return created, nil
}

// validateOutputs rejects outputs that would corrupt the level structure
// before they reach the catalog. Every output must sit at the job's output
// level, and outputs must be disjoint in time: the executor routes rows into
// non-overlapping windows, so an overlap here means the executor is broken.
// An empty output set is legal; it means deduplication consumed every row.
func (c *Committer) validateOutputs(job planner.Job, outputs []catalog.FileParams) error {
	for i, out := range outputs {
		if out.PartitionID != job.PartitionID {
			return fmt.Errorf("output %d targets partition %d", i, out.PartitionID)
		}
		if out.Level != job.OutputLevel {
			return fmt.Errorf("output %d written at %s, job targets %s", i, out.Level, job.OutputLevel)
		}
		if i > 0 && out.MinTime <= outputs[i-1].MaxTime {
			return fmt.Errorf("output %d overlaps its predecessor: [%d, %d] vs [%d, %d]",
				i, out.MinTime, out.MaxTime, outputs[i-1].MinTime, outputs[i-1].MaxTime)
		}
	}
	return nil
}
