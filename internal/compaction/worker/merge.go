package worker

import (
	"container/heap"
	"context"

	"github.com/gulio-python/influxdb-iox/internal/catalog"
)

// iteratorHeap is a min-heap over input files keyed by each iterator's
// current row. Ties on the full sort key order the iterator of the newest
// file (highest catalog commit sequence) first, so the row that survives
// deduplication is always the most recently committed one.
type iteratorHeap []*FileIterator

func (h iteratorHeap) Len() int { return len(h) }

func (h iteratorHeap) Less(i, j int) bool {
	if c := compareRows(h[i].current, h[j].current); c != 0 {
		return c < 0
	}
	return h[i].file.Seq > h[j].file.Seq
}

func (h iteratorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *iteratorHeap) Push(x any) {
	*h = append(*h, x.(*FileIterator))
}

func (h *iteratorHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// mergeRows runs the k-way merge-dedup over the iterators, handing every
// surviving row to emit together with its source file. Rows sharing the
// full sort key collapse to the first one popped, which the heap ordering
// guarantees comes from the newest file. Inputs stream in sorted order, so
// one remembered row is all the state deduplication needs.
func mergeRows(ctx context.Context, iterators []*FileIterator, emit func(Row, catalog.File) error) (rowsOut, rowsDeduped int64, err error) {
	h := make(iteratorHeap, 0, len(iterators))
	for _, it := range iterators {
		if _, ok := it.Peek(); ok {
			h = append(h, it)
		} else if err := it.Err(); err != nil {
			return 0, 0, err
		}
	}
	heap.Init(&h)

	var (
		last    Row
		hasLast bool
	)

	for h.Len() > 0 {
		select {
		case <-ctx.Done():
			return rowsOut, rowsDeduped, ctx.Err()
		default:
		}

		it := h[0]
		row, _ := it.Peek()

		if hasLast && compareRows(row, last) == 0 {
			rowsDeduped++
		} else {
			if err := emit(row, it.file); err != nil {
				return rowsOut, rowsDeduped, err
			}
			last = row
			hasLast = true
			rowsOut++
		}

		if it.Next() {
			heap.Fix(&h, 0)
		} else {
			if err := it.Err(); err != nil {
				return rowsOut, rowsDeduped, err
			}
			heap.Pop(&h)
		}
	}

	return rowsOut, rowsDeduped, nil
}
