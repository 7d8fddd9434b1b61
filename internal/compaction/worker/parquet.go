package worker

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Row is one time-series record in the Parquet schema shared by every data
// file the compactor reads or writes.
//
// SeriesKey identifies the series (measurement plus tag set in canonical
// order). Together with Timestamp it forms the full sort key: files store
// rows ordered by (series_key, time), and two rows are duplicates exactly
// when both columns match. Fields holds the encoded field values; its
// compression codec is recorded per file in the catalog, not per row.
type Row struct {
	SeriesKey string `parquet:"series_key,dict"`
	Timestamp int64  `parquet:"time,timestamp(nanosecond)"`
	Fields    []byte `parquet:"fields"`
}

// compareRows orders rows by the full sort key.
func compareRows(a, b Row) int {
	if c := strings.Compare(a.SeriesKey, b.SeriesKey); c != 0 {
		return c
	}
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	}
	return 0
}

// FileStats aggregates what the catalog needs to know about a written file.
type FileStats struct {
	MinTime   int64
	MaxTime   int64
	RowCount  int64
	SizeBytes int64
}

// Writer encodes rows into an in-memory Parquet file, tracking the time
// bounds and row count as it goes.
type Writer struct {
	buf        bytes.Buffer
	writer     *parquet.GenericWriter[Row]
	codec      Codec
	stats      FileStats
	firstWrite bool
}

// NewWriter creates a Parquet writer whose pages are compressed with the
// given codec.
func NewWriter(codec Codec) *Writer {
	return &Writer{
		codec:      codec,
		firstWrite: true,
	}
}

// WriteRows appends rows to the file. Rows must already be in sort-key
// order; the writer does not re-sort.
func (w *Writer) WriteRows(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	if w.writer == nil {
		w.writer = parquet.NewGenericWriter[Row](&w.buf,
			parquet.Compression(w.codec.parquetCompression()))
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("parquet: write rows: %w", err)
	}
	if n != len(rows) {
		return fmt.Errorf("parquet: wrote %d of %d rows", n, len(rows))
	}

	for _, row := range rows {
		if w.firstWrite {
			w.stats.MinTime = row.Timestamp
			w.stats.MaxTime = row.Timestamp
			w.firstWrite = false
			w.stats.RowCount++
			continue
		}
		if row.Timestamp < w.stats.MinTime {
			w.stats.MinTime = row.Timestamp
		}
		if row.Timestamp > w.stats.MaxTime {
			w.stats.MaxTime = row.Timestamp
		}
		w.stats.RowCount++
	}
	return nil
}

// RowCount returns the number of rows written so far.
func (w *Writer) RowCount() int64 {
	return w.stats.RowCount
}

// Close finalizes the file and returns its contents along with the stats
// the catalog insert needs. A writer that saw no rows is an error; callers
// create writers lazily on the first row instead.
func (w *Writer) Close() ([]byte, FileStats, error) {
	if w.writer == nil {
		return nil, FileStats{}, fmt.Errorf("parquet: no rows written")
	}
	if err := w.writer.Close(); err != nil {
		return nil, FileStats{}, fmt.Errorf("parquet: close: %w", err)
	}

	data := w.buf.Bytes()
	w.stats.SizeBytes = int64(len(data))
	return data, w.stats, nil
}

// WriteToBuffer writes rows into a complete Parquet file in one call.
func WriteToBuffer(codec Codec, rows []Row) ([]byte, FileStats, error) {
	w := NewWriter(codec)
	if err := w.WriteRows(rows); err != nil {
		return nil, FileStats{}, err
	}
	return w.Close()
}

// Reader decodes rows from an in-memory Parquet file.
type Reader struct {
	reader *parquet.GenericReader[Row]
}

// NewReader creates a reader over a complete Parquet file held in memory.
func NewReader(data []byte) *Reader {
	return &Reader{reader: parquet.NewGenericReader[Row](bytes.NewReader(data))}
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// ReadAll decodes every row. Meant for small files and tests; the executor
// streams with FileIterator instead.
func (r *Reader) ReadAll() ([]Row, error) {
	n := r.NumRows()
	if n == 0 {
		return nil, nil
	}

	rows := make([]Row, n)
	read, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("parquet: read rows: %w", err)
	}
	return rows[:read], nil
}

// Close releases the underlying reader.
func (r *Reader) Close() error {
	return r.reader.Close()
}
