package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockCatalog is an in-memory Catalog for testing. It mirrors the Postgres
// implementation's commit semantics, including the optimistic concurrency
// check and the flagged-partition guard.
type MockCatalog struct {
	mu sync.Mutex

	partitions map[int64]*mockPartition
	nextPartID int64
	nextSeq    int64

	// Now supplies the clock; tests override it to exercise cold
	// selection deterministically.
	Now func() time.Time

	// CommitErr, when set, is returned by every CommitTransaction call
	// before any state changes.
	CommitErr error
}

type mockPartition struct {
	partition Partition
	files     map[uuid.UUID]*mockFile
}

type mockFile struct {
	file    File
	deleted bool
}

// NewMockCatalog creates an empty in-memory catalog.
func NewMockCatalog() *MockCatalog {
	return &MockCatalog{
		partitions: make(map[int64]*mockPartition),
		Now:        time.Now,
	}
}

func (c *MockCatalog) CreatePartition(_ context.Context, params PartitionParams) (Partition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sortKey := params.SortKey
	if sortKey == nil {
		sortKey = []string{}
	}

	c.nextPartID++
	p := Partition{
		ID:      c.nextPartID,
		TableID: params.TableID,
		SortKey: sortKey,
	}
	c.partitions[p.ID] = &mockPartition{
		partition: p,
		files:     make(map[uuid.UUID]*mockFile),
	}

	return p, nil
}

func (c *MockCatalog) GetPartition(_ context.Context, id int64) (Partition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mp, ok := c.partitions[id]
	if !ok {
		return Partition{}, fmt.Errorf("catalog: partition %d: %w", id, ErrNotFound)
	}

	return mp.partition, nil
}

func (c *MockCatalog) AddFile(_ context.Context, params FileParams) (File, error) {
	if err := params.Validate(); err != nil {
		return File{}, fmt.Errorf("catalog: invalid file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	mp, ok := c.partitions[params.PartitionID]
	if !ok {
		return File{}, fmt.Errorf("catalog: partition %d: %w", params.PartitionID, ErrNotFound)
	}
	if _, exists := mp.files[params.ID]; exists {
		return File{}, fmt.Errorf("catalog: file %s already exists", params.ID)
	}

	f := c.insertLocked(mp, params)
	return f, nil
}

func (c *MockCatalog) insertLocked(mp *mockPartition, params FileParams) File {
	c.nextSeq++
	f := fileFromParams(params)
	f.Seq = c.nextSeq
	f.CreatedAt = c.Now()
	mp.files[f.ID] = &mockFile{file: f}
	return f
}

func (c *MockCatalog) PartitionsNeedingCompaction(_ context.Context, criteria Criteria) ([]Candidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int64, 0, len(c.partitions))
	for id := range c.partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var candidates []Candidate
	for _, id := range ids {
		mp := c.partitions[id]
		if mp.partition.Flagged() {
			continue
		}

		cand := Candidate{Partition: mp.partition}
		var belowMax int64
		for _, mf := range mp.files {
			if mf.deleted {
				continue
			}
			cand.FileCount++
			cand.TotalBytes += mf.file.SizeBytes
			if mf.file.Level == Level0 {
				cand.Level0Count++
			}
			if mf.file.Level < LevelMax {
				belowMax++
			}
			if cand.OldestFileAt.IsZero() || mf.file.CreatedAt.Before(cand.OldestFileAt) {
				cand.OldestFileAt = mf.file.CreatedAt
			}
			if mf.file.CreatedAt.After(cand.NewestFileAt) {
				cand.NewestFileAt = mf.file.CreatedAt
			}
		}

		if cand.FileCount == 0 {
			continue
		}

		hot := cand.Level0Count >= int64(criteria.MinLevel0Files)
		cold := !criteria.ColdCutoff.IsZero() &&
			!cand.NewestFileAt.After(criteria.ColdCutoff) &&
			(cand.Level0Count > 0 || belowMax > 1)
		if !hot && !cold {
			continue
		}

		candidates = append(candidates, cand)
		if criteria.Limit > 0 && len(candidates) >= criteria.Limit {
			break
		}
	}

	return candidates, nil
}

func (c *MockCatalog) LiveFiles(_ context.Context, partitionID int64, maxLevel Level) ([]File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mp, ok := c.partitions[partitionID]
	if !ok {
		return nil, fmt.Errorf("catalog: partition %d: %w", partitionID, ErrNotFound)
	}

	var files []File
	for _, mf := range mp.files {
		if !mf.deleted && mf.file.Level <= maxLevel {
			files = append(files, mf.file)
		}
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].MinTime != files[j].MinTime {
			return files[i].MinTime < files[j].MinTime
		}
		return files[i].Seq < files[j].Seq
	})

	return files, nil
}

func (c *MockCatalog) CommitTransaction(_ context.Context, txn Transaction) ([]File, error) {
	if err := txn.Validate(); err != nil {
		return nil, fmt.Errorf("catalog: invalid transaction: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CommitErr != nil {
		return nil, c.CommitErr
	}

	mp, ok := c.partitions[txn.PartitionID]
	if !ok {
		return nil, fmt.Errorf("catalog: partition %d: %w", txn.PartitionID, ErrNotFound)
	}
	if mp.partition.Flagged() {
		return nil, fmt.Errorf("catalog: partition %d (%s): %w",
			txn.PartitionID, mp.partition.FlaggedReason, ErrPartitionFlagged)
	}

	// All-or-nothing: verify every input is still live before mutating.
	live := 0
	for _, id := range txn.Delete {
		if mf, exists := mp.files[id]; exists && !mf.deleted {
			live++
		}
	}
	if live != len(txn.Delete) {
		return nil, fmt.Errorf("catalog: partition %d: %d of %d inputs still live: %w",
			txn.PartitionID, live, len(txn.Delete), ErrCommitConflict)
	}

	for _, id := range txn.Delete {
		mp.files[id].deleted = true
	}

	created := make([]File, 0, len(txn.Create))
	for _, params := range txn.Create {
		created = append(created, c.insertLocked(mp, params))
	}

	now := c.Now()
	mp.partition.LastCompactedAt = &now
	mp.partition.Generation++

	return created, nil
}

func (c *MockCatalog) FlagPartition(_ context.Context, partitionID int64, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mp, ok := c.partitions[partitionID]
	if !ok {
		return fmt.Errorf("catalog: partition %d: %w", partitionID, ErrNotFound)
	}

	mp.partition.FlaggedReason = reason
	return nil
}

func (c *MockCatalog) Ping(context.Context) error {
	return nil
}

func (c *MockCatalog) Close() {}

// DeletedFiles returns the soft-deleted files of a partition, for test
// assertions.
func (c *MockCatalog) DeletedFiles(partitionID int64) []File {
	c.mu.Lock()
	defer c.mu.Unlock()

	mp, ok := c.partitions[partitionID]
	if !ok {
		return nil
	}

	var files []File
	for _, mf := range mp.files {
		if mf.deleted {
			files = append(files, mf.file)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Seq < files[j].Seq })
	return files
}

// Verify interface compliance at compile time.
var _ Catalog = (*MockCatalog)(nil)
