package catalog

import (
	"context"
	"errors"
	"time"
)

// MetricsRecorder receives timing observations from InstrumentedCatalog.
type MetricsRecorder interface {
	// RecordOp records one catalog operation by name.
	RecordOp(op string, durationSeconds float64, success bool)

	// RecordCommit records a commit transaction with its outcome, one of
	// "committed", "conflict", "flagged", "unknown", or "error".
	RecordCommit(durationSeconds float64, outcome string)
}

// CommitOutcome classifies a CommitTransaction error for metrics and logs.
func CommitOutcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrCommitConflict):
		return "conflict"
	case errors.Is(err, ErrPartitionFlagged):
		return "flagged"
	case errors.Is(err, ErrCommitOutcomeUnknown):
		return "unknown"
	default:
		return "error"
	}
}

// InstrumentedCatalog wraps a Catalog and records operation timings.
type InstrumentedCatalog struct {
	catalog Catalog
	metrics MetricsRecorder
}

// NewInstrumentedCatalog wraps catalog. A nil metrics recorder disables
// recording but keeps the wrapper functional.
func NewInstrumentedCatalog(catalog Catalog, metrics MetricsRecorder) *InstrumentedCatalog {
	return &InstrumentedCatalog{
		catalog: catalog,
		metrics: metrics,
	}
}

func (c *InstrumentedCatalog) record(op string, start time.Time, err error) {
	if c.metrics != nil {
		c.metrics.RecordOp(op, time.Since(start).Seconds(), err == nil)
	}
}

func (c *InstrumentedCatalog) CreatePartition(ctx context.Context, params PartitionParams) (Partition, error) {
	start := time.Now()
	p, err := c.catalog.CreatePartition(ctx, params)
	c.record("create_partition", start, err)
	return p, err
}

func (c *InstrumentedCatalog) GetPartition(ctx context.Context, id int64) (Partition, error) {
	start := time.Now()
	p, err := c.catalog.GetPartition(ctx, id)
	c.record("get_partition", start, err)
	return p, err
}

func (c *InstrumentedCatalog) AddFile(ctx context.Context, params FileParams) (File, error) {
	start := time.Now()
	f, err := c.catalog.AddFile(ctx, params)
	c.record("add_file", start, err)
	return f, err
}

func (c *InstrumentedCatalog) PartitionsNeedingCompaction(ctx context.Context, criteria Criteria) ([]Candidate, error) {
	start := time.Now()
	candidates, err := c.catalog.PartitionsNeedingCompaction(ctx, criteria)
	c.record("select_partitions", start, err)
	return candidates, err
}

func (c *InstrumentedCatalog) LiveFiles(ctx context.Context, partitionID int64, maxLevel Level) ([]File, error) {
	start := time.Now()
	files, err := c.catalog.LiveFiles(ctx, partitionID, maxLevel)
	c.record("live_files", start, err)
	return files, err
}

func (c *InstrumentedCatalog) CommitTransaction(ctx context.Context, txn Transaction) ([]File, error) {
	start := time.Now()
	created, err := c.catalog.CommitTransaction(ctx, txn)
	if c.metrics != nil {
		c.metrics.RecordCommit(time.Since(start).Seconds(), CommitOutcome(err))
	}
	return created, err
}

func (c *InstrumentedCatalog) FlagPartition(ctx context.Context, partitionID int64, reason string) error {
	start := time.Now()
	err := c.catalog.FlagPartition(ctx, partitionID, reason)
	c.record("flag_partition", start, err)
	return err
}

func (c *InstrumentedCatalog) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.catalog.Ping(ctx)
	c.record("ping", start, err)
	return err
}

func (c *InstrumentedCatalog) Close() {
	c.catalog.Close()
}

// Verify interface compliance at compile time.
var _ Catalog = (*InstrumentedCatalog)(nil)
