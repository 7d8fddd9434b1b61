// Package catalog defines the metadata catalog for partitions and data
// files. The catalog is the source of truth for which files exist: a data
// file in the object store is live if and only if the catalog holds an
// undeleted row for it. All compaction results become visible through a
// single atomic catalog transaction that soft-deletes the inputs and
// inserts the outputs.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gulio-python/influxdb-iox/internal/objectstore"
)

// Common errors returned by catalog implementations.
var (
	// ErrNotFound indicates the requested partition or file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCommitConflict indicates a commit transaction lost an optimistic
	// concurrency race: at least one input file was already soft-deleted
	// by a concurrent committer. The caller must discard its outputs and
	// re-plan from fresh catalog state.
	ErrCommitConflict = errors.New("commit conflict")

	// ErrCommitOutcomeUnknown indicates a commit may or may not have been
	// applied (for example the connection dropped after the commit was
	// sent). The transaction is not idempotent, so the caller must NOT
	// retry it; re-read the catalog and re-plan instead.
	ErrCommitOutcomeUnknown = errors.New("commit outcome unknown")

	// ErrPartitionFlagged indicates the partition has been quarantined
	// after a data integrity failure and is excluded from compaction
	// until an operator clears the flag.
	ErrPartitionFlagged = errors.New("partition flagged")
)

// Level is the compaction level of a data file. Freshly ingested files
// enter at Level0 and may overlap arbitrarily in time; each level above is
// produced only by compaction.
type Level int16

const (
	// Level0 holds files as written by ingesters. Small, unsorted
	// relative to each other, and overlapping in time.
	Level0 Level = 0

	// Level1 holds files produced by first-pass compaction.
	Level1 Level = 1

	// Level2 is the terminal level. Files here are only rewritten when
	// merged with new data arriving from below.
	Level2 Level = 2

	// LevelMax is the highest level a file can reach.
	LevelMax = Level2
)

// Next returns the successor level, saturating at LevelMax.
func (l Level) Next() Level {
	if l >= LevelMax {
		return LevelMax
	}
	return l + 1
}

// Valid reports whether l is a defined compaction level.
func (l Level) Valid() bool {
	return l >= Level0 && l <= LevelMax
}

func (l Level) String() string {
	return fmt.Sprintf("L%d", int16(l))
}

// Partition is a compaction unit: all files of one table partition.
type Partition struct {
	ID      int64
	TableID int64

	// SortKey is the column order persisted data is sorted by. The
	// catalog owns it; compaction preserves it when rewriting files.
	SortKey []string

	// LastCompactedAt is when a compaction last committed against this
	// partition. Nil if never compacted.
	LastCompactedAt *time.Time

	// FlaggedReason is non-empty when the partition is quarantined.
	FlaggedReason string

	// Generation increments on every committed compaction.
	Generation int64
}

// Flagged reports whether the partition is quarantined.
func (p Partition) Flagged() bool {
	return p.FlaggedReason != ""
}

// PartitionParams describes a partition to create.
type PartitionParams struct {
	TableID int64
	SortKey []string
}

// File is a catalog record for one immutable data file in the object store.
type File struct {
	// ID is the file's object identity. It never changes and is never
	// reused; compaction outputs always get fresh IDs.
	ID uuid.UUID

	PartitionID int64
	TableID     int64

	// MinTime and MaxTime bound the row timestamps in the file,
	// inclusive, in nanoseconds since the epoch.
	MinTime int64
	MaxTime int64

	SizeBytes int64
	RowCount  int64
	Level     Level

	// Codec names the compression applied to the encoded field data
	// inside the file.
	Codec string

	// Seq is a catalog-assigned monotone sequence. Later sequence means
	// more recently committed; duplicate rows resolve in favor of the
	// file with the higher Seq.
	Seq int64

	CreatedAt time.Time
}

// ObjectKey returns the object store key this file lives under.
func (f File) ObjectKey() string {
	return objectstore.DataFileKey(f.TableID, f.PartitionID, f.ID)
}

// Overlaps reports whether the file's time range intersects [minTime, maxTime].
func (f File) Overlaps(minTime, maxTime int64) bool {
	return f.MinTime <= maxTime && f.MaxTime >= minTime
}

// FileParams describes a file row to insert. The caller supplies the ID
// because the object must be written to the store before the catalog row
// becomes visible; Seq and CreatedAt are assigned by the catalog.
type FileParams struct {
	ID          uuid.UUID
	PartitionID int64
	TableID     int64
	MinTime     int64
	MaxTime     int64
	SizeBytes   int64
	RowCount    int64
	Level       Level
	Codec       string
}

// Validate checks structural invariants before insertion.
func (p FileParams) Validate() error {
	if p.ID == uuid.Nil {
		return errors.New("file id is required")
	}
	if p.MinTime > p.MaxTime {
		return fmt.Errorf("min_time %d exceeds max_time %d", p.MinTime, p.MaxTime)
	}
	if p.SizeBytes <= 0 {
		return errors.New("size_bytes must be positive")
	}
	if p.RowCount < 0 {
		return errors.New("row_count must not be negative")
	}
	if !p.Level.Valid() {
		return fmt.Errorf("invalid compaction level %d", p.Level)
	}
	return nil
}

// Criteria selects partitions that need compaction.
type Criteria struct {
	// MinLevel0Files selects partitions with at least this many live
	// level-0 files.
	MinLevel0Files int

	// ColdCutoff selects partitions whose newest live file predates this
	// time and which still hold files below LevelMax. Zero disables cold
	// selection.
	ColdCutoff time.Time

	// Limit caps the number of candidates returned. Zero means no cap.
	Limit int
}

// Candidate is a partition nominated for compaction, with the aggregates
// ranking strategies order by.
type Candidate struct {
	Partition Partition

	FileCount   int64
	Level0Count int64
	TotalBytes  int64

	OldestFileAt time.Time
	NewestFileAt time.Time
}

// Transaction atomically publishes a compaction result: the inputs are
// soft-deleted and the outputs inserted in one catalog transaction, so
// readers observe either the old file set or the new one, never both.
type Transaction struct {
	PartitionID int64

	// Delete lists the input file IDs to soft-delete. Every ID must
	// refer to a live file or the whole transaction fails with
	// ErrCommitConflict.
	Delete []uuid.UUID

	// Create lists the output files. May be empty when deduplication
	// collapsed all input rows.
	Create []FileParams
}

// Validate checks the transaction is well formed.
func (t Transaction) Validate() error {
	if t.PartitionID <= 0 {
		return errors.New("partition id is required")
	}
	if len(t.Delete) == 0 {
		return errors.New("transaction must delete at least one input file")
	}
	seen := make(map[uuid.UUID]struct{}, len(t.Delete))
	for _, id := range t.Delete {
		if id == uuid.Nil {
			return errors.New("delete contains nil file id")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("delete contains duplicate file id %s", id)
		}
		seen[id] = struct{}{}
	}
	for i, params := range t.Create {
		if params.PartitionID != t.PartitionID {
			return fmt.Errorf("create[%d] targets partition %d, transaction targets %d", i, params.PartitionID, t.PartitionID)
		}
		if err := params.Validate(); err != nil {
			return fmt.Errorf("create[%d]: %w", i, err)
		}
	}
	return nil
}

// Catalog is the metadata store interface. Implementations must make
// CommitTransaction atomic and enforce its optimistic concurrency check.
type Catalog interface {
	// CreatePartition registers a new partition.
	CreatePartition(ctx context.Context, params PartitionParams) (Partition, error)

	// GetPartition returns one partition, or ErrNotFound.
	GetPartition(ctx context.Context, id int64) (Partition, error)

	// AddFile inserts a live file row, assigning Seq and CreatedAt.
	// This is the ingest path; compaction outputs go through
	// CommitTransaction instead.
	AddFile(ctx context.Context, params FileParams) (File, error)

	// PartitionsNeedingCompaction returns unflagged partitions matching
	// the criteria, with ranking aggregates.
	PartitionsNeedingCompaction(ctx context.Context, criteria Criteria) ([]Candidate, error)

	// LiveFiles returns all undeleted files of a partition at or below
	// maxLevel, ordered by MinTime then Seq.
	LiveFiles(ctx context.Context, partitionID int64, maxLevel Level) ([]File, error)

	// CommitTransaction applies txn atomically. Returns the created
	// files with Seq and CreatedAt assigned. Fails with
	// ErrCommitConflict if any input is no longer live, with
	// ErrPartitionFlagged if the partition was quarantined, and with
	// ErrCommitOutcomeUnknown if the result cannot be determined. An
	// unknown outcome must never be retried.
	CommitTransaction(ctx context.Context, txn Transaction) ([]File, error)

	// FlagPartition quarantines a partition so the scheduler skips it.
	FlagPartition(ctx context.Context, partitionID int64, reason string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close()
}
