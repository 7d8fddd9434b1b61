// Package worker executes compaction jobs: a k-way streaming merge over
// sorted Parquet inputs that drops duplicate rows, re-encodes field
// payloads, splits output on time boundaries, and uploads every output
// under a fresh UUID key before the catalog learns anything about it.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
	"github.com/gulio-python/influxdb-iox/internal/compaction/planner"
	"github.com/gulio-python/influxdb-iox/internal/logging"
	"github.com/gulio-python/influxdb-iox/internal/metrics"
	"github.com/gulio-python/influxdb-iox/internal/objectstore"
	"github.com/gulio-python/influxdb-iox/internal/retry"
)

var (
	// ErrDataIntegrity marks corrupt input: mis-sorted rows, undecodable
	// payloads, or file stats that disagree with the data. The job is fatal
	// and the partition should be flagged for operator attention.
	ErrDataIntegrity = errors.New("data integrity")

	// ErrResourceExhausted means the job's memory reservation cannot be
	// satisfied right now. The job is deferred to a later cycle, not failed.
	ErrResourceExhausted = errors.New("resource exhausted")
)

const parquetContentType = "application/vnd.apache.parquet"

// ExecutorConfig sets the execution geometry for compaction jobs.
type ExecutorConfig struct {
	// OutputCodec is the fields-payload codec output files converge on.
	OutputCodec Codec

	// MaxOutputFileBytes is the target size of each output file. Jobs with
	// more input than this split into multiple time-disjoint outputs.
	MaxOutputFileBytes int64

	// MultipartThresholdBytes switches uploads to multipart at or above
	// this size. Zero keeps every upload a single put.
	MultipartThresholdBytes int64

	// PartSizeBytes is the multipart part size.
	PartSizeBytes int64

	// IteratorBufSize is the number of rows buffered per input file.
	IteratorBufSize int

	// WriteBatchSize is the number of rows accumulated per output window
	// before a writer flush.
	WriteBatchSize int

	// Retry is applied to opening inputs and uploading outputs. Catalog
	// operations are not the executor's business.
	Retry retry.Policy
}

// DefaultExecutorConfig returns execution settings matching the
// configuration defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		OutputCodec:             CodecSnappy,
		MaxOutputFileBytes:      256 * 1024 * 1024,
		MultipartThresholdBytes: 128 * 1024 * 1024,
		PartSizeBytes:           16 * 1024 * 1024,
		IteratorBufSize:         DefaultIteratorBufSize,
		WriteBatchSize:          4096,
		Retry:                   retry.DefaultPolicy(),
	}
}

// Result describes a completed job: the written outputs awaiting a catalog
// commit, plus the merge statistics.
type Result struct {
	// Outputs are the written files in time order, ready to be inserted by
	// the committer. Never reused: each carries a fresh UUID.
	Outputs []catalog.FileParams

	RowsWritten  int64
	RowsDeduped  int64
	BytesRead    int64
	BytesWritten int64
}

// Executor runs compaction jobs against an object store. It never touches
// the catalog: outputs become visible only when the caller commits the
// returned file parameters, so a failed or abandoned job leaves nothing
// behind but unreferenced objects for the garbage collector.
type Executor struct {
	store   objectstore.Store
	budget  *MemoryBudget
	cfg     ExecutorConfig
	metrics *metrics.CompactionMetrics
	log     *logging.Logger
}

// NewExecutor creates an executor. The budget is shared across executors in
// the process; m may be nil when metrics are not wired.
func NewExecutor(store objectstore.Store, budget *MemoryBudget, cfg ExecutorConfig, m *metrics.CompactionMetrics) *Executor {
	def := DefaultExecutorConfig()
	if cfg.OutputCodec == "" {
		cfg.OutputCodec = def.OutputCodec
	}
	if cfg.MaxOutputFileBytes <= 0 {
		cfg.MaxOutputFileBytes = def.MaxOutputFileBytes
	}
	if cfg.PartSizeBytes <= 0 {
		cfg.PartSizeBytes = def.PartSizeBytes
	}
	if cfg.IteratorBufSize <= 0 {
		cfg.IteratorBufSize = def.IteratorBufSize
	}
	if cfg.WriteBatchSize <= 0 {
		cfg.WriteBatchSize = def.WriteBatchSize
	}
	return &Executor{
		store:   store,
		budget:  budget,
		cfg:     cfg,
		metrics: m,
		log:     logging.Global(),
	}
}

// outputWindow accumulates the rows routed to one output file.
type outputWindow struct {
	writer *Writer
	batch  []Row
}

// Execute runs one job end to end and returns the outputs for commit. On
// ErrResourceExhausted nothing was read or written and the job can simply
// be retried later; any other error may leave orphaned output objects,
// which is safe because nothing references them yet.
func (e *Executor) Execute(ctx context.Context, job planner.Job) (*Result, error) {
	if len(job.Inputs) == 0 {
		return nil, errors.New("executor: job has no inputs")
	}

	// Validate input codecs up front rather than per row.
	codecs := make(map[uuid.UUID]Codec, len(job.Inputs))
	for _, f := range job.Inputs {
		c, err := ParseCodec(f.Codec)
		if err != nil {
			return nil, fmt.Errorf("executor: %w: input %s: %v", ErrDataIntegrity, f.ID, err)
		}
		codecs[f.ID] = c
	}

	// Inputs stream through bounded iterator buffers, but every output
	// window holds its complete encoded file in memory until the post-merge
	// upload loop, and the merged output can approach the input volume. The
	// claim covers both sides of the job.
	claim := 2 * job.InputBytes
	if capacity := e.budget.Capacity(); claim > capacity {
		// An oversized degenerate job can exceed the whole budget. Claim
		// everything so it runs alone instead of starving forever.
		e.log.WithPartition(job.PartitionID).Warnf("job exceeds the entire memory budget, running it solo", map[string]any{
			"estimateBytes": claim,
			"budgetBytes":   capacity,
		})
		claim = capacity
	}
	if !e.budget.Reserve(claim) {
		return nil, fmt.Errorf("executor: reserve %d bytes: %w", claim, ErrResourceExhausted)
	}
	defer func() {
		e.budget.Release(claim)
		e.recordReserved()
	}()
	e.recordReserved()

	iterators := make([]*FileIterator, 0, len(job.Inputs))
	defer func() {
		for _, it := range iterators {
			it.Close()
		}
	}()
	for _, f := range job.Inputs {
		var it *FileIterator
		err := e.cfg.Retry.Do(ctx, "open compaction input", func(ctx context.Context) error {
			var err error
			it, err = NewFileIterator(ctx, e.store, f, e.cfg.IteratorBufSize)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("executor: open %s: %w", f.ObjectKey(), err)
		}
		iterators = append(iterators, it)
	}

	minTime, _ := job.TimeRange()
	bounds := splitBounds(job, e.cfg.MaxOutputFileBytes)
	windows := make([]*outputWindow, len(bounds))

	emit := func(row Row, src catalog.File) error {
		payload, err := Recode(row.Fields, codecs[src.ID], e.cfg.OutputCodec)
		if err != nil {
			return fmt.Errorf("recode row from %s: %w", src.ID, err)
		}
		row.Fields = payload

		if row.Timestamp < minTime {
			return fmt.Errorf("%w: row at time %d below the declared range of %s", ErrDataIntegrity, row.Timestamp, src.ID)
		}
		idx := sort.Search(len(bounds), func(i int) bool { return row.Timestamp <= bounds[i] })
		if idx == len(bounds) {
			return fmt.Errorf("%w: row at time %d above the declared range of %s", ErrDataIntegrity, row.Timestamp, src.ID)
		}

		win := windows[idx]
		if win == nil {
			win = &outputWindow{
				writer: NewWriter(e.cfg.OutputCodec),
				batch:  make([]Row, 0, e.cfg.WriteBatchSize),
			}
			windows[idx] = win
		}
		win.batch = append(win.batch, row)
		if len(win.batch) >= e.cfg.WriteBatchSize {
			if err := win.writer.WriteRows(win.batch); err != nil {
				return err
			}
			win.batch = win.batch[:0]
		}
		return nil
	}

	rowsOut, rowsDeduped, err := mergeRows(ctx, iterators, emit)
	if err != nil {
		return nil, fmt.Errorf("executor: merge: %w", err)
	}

	result := &Result{
		RowsWritten: rowsOut,
		RowsDeduped: rowsDeduped,
		BytesRead:   job.InputBytes,
	}

	// Finalize and upload in window order so outputs land time-ordered.
	for _, win := range windows {
		if win == nil {
			continue
		}
		if err := win.writer.WriteRows(win.batch); err != nil {
			return nil, fmt.Errorf("executor: flush output: %w", err)
		}
		data, stats, err := win.writer.Close()
		if err != nil {
			return nil, fmt.Errorf("executor: finalize output: %w", err)
		}

		id := uuid.New()
		key := objectstore.DataFileKey(job.TableID, job.PartitionID, id)
		if err := e.upload(ctx, key, data); err != nil {
			return nil, fmt.Errorf("executor: upload %s: %w", key, err)
		}

		result.BytesWritten += stats.SizeBytes
		result.Outputs = append(result.Outputs, catalog.FileParams{
			ID:          id,
			PartitionID: job.PartitionID,
			TableID:     job.TableID,
			MinTime:     stats.MinTime,
			MaxTime:     stats.MaxTime,
			SizeBytes:   stats.SizeBytes,
			RowCount:    stats.RowCount,
			Level:       job.OutputLevel,
			Codec:       string(e.cfg.OutputCodec),
		})
	}

	return result, nil
}

// splitBounds precomputes the inclusive upper time bound of each output
// file. Inputs are sorted by (series_key, time), not by time alone, so an
// output cannot simply be rotated when it reaches a byte count: consecutive
// outputs would overlap in time and break the level invariant. Instead the
// job's time range is divided into as many equal windows as the input bytes
// suggest, and every merged row is routed to the window holding its
// timestamp. Window ranges are disjoint by construction; the byte bound is
// a target, not a hard cap.
func splitBounds(job planner.Job, maxOutputBytes int64) []int64 {
	minTime, maxTime := job.TimeRange()
	if maxOutputBytes <= 0 || job.InputBytes <= maxOutputBytes || minTime == maxTime {
		return []int64{maxTime}
	}

	n := (job.InputBytes + maxOutputBytes - 1) / maxOutputBytes
	if span := maxTime - minTime; n > span {
		n = span
	}

	bounds := make([]int64, 0, n)
	span := maxTime - minTime
	for i := int64(1); i < n; i++ {
		bounds = append(bounds, minTime+span*i/n)
	}
	return append(bounds, maxTime)
}

// upload writes one output object, never overwriting. Keys are fresh UUIDs
// that only this job writes, so a precondition failure on a retry means the
// earlier, ambiguously-failed attempt actually landed.
func (e *Executor) upload(ctx context.Context, key string, data []byte) error {
	attempt := 0
	return e.cfg.Retry.Do(ctx, "upload compaction output", func(ctx context.Context) error {
		attempt++
		err := e.putObject(ctx, key, data)
		if attempt > 1 && errors.Is(err, objectstore.ErrPreconditionFailed) {
			e.log.Debugf("output already present from a previous attempt", map[string]any{"key": key})
			return nil
		}
		return err
	})
}

func (e *Executor) putObject(ctx context.Context, key string, data []byte) error {
	opts := objectstore.PutOptions{IfNoneMatch: "*"}
	size := int64(len(data))

	if ms, ok := e.store.(objectstore.MultipartStore); ok &&
		e.cfg.MultipartThresholdBytes > 0 && size >= e.cfg.MultipartThresholdBytes {
		return e.putMultipart(ctx, ms, key, data, opts)
	}
	return e.store.PutWithOptions(ctx, key, bytes.NewReader(data), size, parquetContentType, opts)
}

func (e *Executor) putMultipart(ctx context.Context, store objectstore.MultipartStore, key string, data []byte, opts objectstore.PutOptions) error {
	upload, err := store.CreateMultipartUploadWithOptions(ctx, key, parquetContentType, opts)
	if err != nil {
		return err
	}

	var etags []string
	for off, part := int64(0), 1; off < int64(len(data)); part++ {
		end := off + e.cfg.PartSizeBytes
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		etag, err := upload.UploadPart(ctx, part, bytes.NewReader(data[off:end]), end-off)
		if err != nil {
			if abortErr := upload.Abort(ctx); abortErr != nil {
				e.log.Warnf("abandoning multipart upload failed", map[string]any{
					"key":   key,
					"error": abortErr.Error(),
				})
			}
			return err
		}
		etags = append(etags, etag)
		off = end
	}
	return upload.Complete(ctx, etags)
}

func (e *Executor) recordReserved() {
	if e.metrics != nil {
		e.metrics.RecordMemoryReserved(e.budget.Reserved())
	}
}
