package worker

import (
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
	"github.com/gulio-python/influxdb-iox/internal/objectstore"
)

// DefaultIteratorBufSize is the number of rows buffered per input file.
const DefaultIteratorBufSize = 1024

// FileIterator streams rows from one catalog data file in sort-key order.
// Rows are pulled in small batches through ranged object-store reads, so a
// k-way merge holds only a bounded window of every input in memory no
// matter how large the files are.
//
// The iterator verifies that rows arrive in (series_key, time) order and
// fails with ErrDataIntegrity on a violation: merge correctness depends on
// every input being sorted, and a mis-sorted file must flag the partition
// rather than silently produce wrong output.
type FileIterator struct {
	ctx    context.Context
	file   catalog.File
	reader *parquet.GenericReader[Row]

	buf     []Row
	pos     int
	current Row
	prev    Row
	hasPrev bool
	done    bool
	err     error
}

// NewFileIterator opens the file and positions the iterator on its first
// row. The catalog's recorded size is authoritative, so no metadata round
// trip precedes the footer read.
func NewFileIterator(ctx context.Context, store objectstore.Store, file catalog.File, bufSize int) (*FileIterator, error) {
	if bufSize <= 0 {
		bufSize = DefaultIteratorBufSize
	}

	key := file.ObjectKey()
	readerAt := &objectStoreReaderAt{ctx: ctx, store: store, key: key, size: file.SizeBytes}

	pf, err := parquet.OpenFile(readerAt, file.SizeBytes,
		parquet.SkipPageIndex(true),
		parquet.SkipBloomFilters(true),
	)
	if err != nil {
		return nil, fmt.Errorf("iterator: opening %s: %w", key, err)
	}

	it := &FileIterator{
		ctx:    ctx,
		file:   file,
		reader: parquet.NewGenericReader[Row](pf),
		buf:    make([]Row, 0, bufSize),
	}

	// Prime the first row so Peek works immediately. An empty file is
	// legal and simply starts out exhausted.
	if !it.Next() && it.err != nil {
		it.Close()
		return nil, it.err
	}
	return it, nil
}

// File returns the catalog record backing this iterator.
func (it *FileIterator) File() catalog.File {
	return it.file
}

// Peek returns the current row without advancing. It reports false once the
// file is exhausted or a read failed.
func (it *FileIterator) Peek() (Row, bool) {
	if it.done {
		return Row{}, false
	}
	return it.current, true
}

// Next advances to the next row. It returns false at end of file or on
// error; check Err afterwards to tell the two apart.
func (it *FileIterator) Next() bool {
	if it.done {
		return false
	}

	if it.pos >= len(it.buf) {
		it.buf = it.buf[:cap(it.buf)]
		if err := it.fillBuffer(); err != nil {
			if err != io.EOF {
				it.err = err
			}
			it.done = true
			return false
		}
	}

	next := it.buf[it.pos]
	it.pos++

	if it.hasPrev && compareRows(next, it.prev) < 0 {
		it.err = fmt.Errorf("iterator: %s: rows out of sort-key order at time %d: %w",
			it.file.ObjectKey(), next.Timestamp, ErrDataIntegrity)
		it.done = true
		return false
	}

	it.current = next
	it.prev = next
	it.hasPrev = true
	return true
}

// Err returns the first error the iterator hit, if any.
func (it *FileIterator) Err() error {
	return it.err
}

// Close releases the underlying reader. The iterator is unusable afterwards.
func (it *FileIterator) Close() error {
	it.done = true
	if it.reader == nil {
		return nil
	}
	r := it.reader
	it.reader = nil
	return r.Close()
}

func (it *FileIterator) fillBuffer() error {
	select {
	case <-it.ctx.Done():
		return it.ctx.Err()
	default:
	}

	n, err := it.reader.Read(it.buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("iterator: reading %s: %w", it.file.ObjectKey(), err)
	}
	it.pos = 0
	it.buf = it.buf[:n]
	if n == 0 {
		return io.EOF
	}
	return nil
}

// objectStoreReaderAt adapts ranged object-store reads to io.ReaderAt so
// parquet.OpenFile can pull the footer and row groups on demand.
type objectStoreReaderAt struct {
	ctx   context.Context
	store objectstore.Store
	key   string
	size  int64
}

func (r *objectStoreReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= r.size {
		end = r.size - 1
	}

	rc, err := r.store.GetRange(r.ctx, r.key, off, end)
	if err != nil {
		return 0, fmt.Errorf("range read %s: %w", r.key, err)
	}
	defer rc.Close()

	n, err := io.ReadFull(rc, p[:end-off+1])
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// Size returns the object size, letting the Parquet reader locate the
// footer without a Head request.
func (r *objectStoreReaderAt) Size() int64 {
	return r.size
}
