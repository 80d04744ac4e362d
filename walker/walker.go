// Package walker forwards queries across a sink's hydrants, giving callers
// a single read path over data that may span an in-memory current hydrant,
// zero or more persisted-but-not-yet-merged hydrants, and already-merged
// segments on disk. The appenderator owns sink lifecycle; walker only needs
// to know how to fan a query out across whatever QueryableIndex instances a
// sink currently holds and stitch the results back together in timestamp
// order.
package walker

import (
	"container/heap"
	"context"

	"github.com/loquisgon/appenderator/rowindex"
)

// QueryRunner executes a query against a single queryable index and
// streams back matching rows. Implementations decide what "matching" means;
// walker only needs enough of an interface to merge multiple runners.
type QueryRunner interface {
	Run(ctx context.Context, index rowindex.Index) ([]rowindex.Row, error)
}

// RowPredicate selects rows: Run keeps every row of every Scanner for which
// it returns true, and a nil RowPredicate keeps every row. It is not a
// QueryRunner itself. It applies to any Scanner, which includes both the
// on-disk rowindex.QueryableIndex and the in-memory rowindex.MemIndex.
type RowPredicate func(rowindex.Row) bool

// Scanner is satisfied by rowindex.QueryableIndex and by any other
// implementation that can hand back its full row set for scanning.
type Scanner interface {
	Rows() []rowindex.Row
}

// Walker fans a query out across the hydrants of a single sink and returns
// the matching rows merged in ascending timestamp order.
type Walker struct{}

// New returns a Walker. It holds no state; every call is independent.
func New() *Walker {
	return &Walker{}
}

// Run scans each of sources in timestamp order and returns the rows
// matching pred, merged into one ascending-timestamp sequence. Sources
// should be ordered oldest-to-newest by the caller (sink iteration order),
// but Run does not depend on that: it performs a k-way merge using a heap
// keyed on row timestamp, so out-of-order sources still produce a correctly
// sorted result as long as each individual source's own rows are sorted.
func Run(ctx context.Context, sources []Scanner, pred RowPredicate) ([]rowindex.Row, error) {
	streams := make([]stream, 0, len(sources))
	for _, s := range sources {
		rows := s.Rows()
		filtered := make([]rowindex.Row, 0, len(rows))
		for _, r := range rows {
			if pred == nil || pred(r) {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) > 0 {
			streams = append(streams, stream{rows: filtered})
		}
	}

	h := &streamHeap{}
	heap.Init(h)
	for i := range streams {
		heap.Push(h, &streams[i])
	}

	out := make([]rowindex.Row, 0)
	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		s := heap.Pop(h).(*stream)
		out = append(out, s.rows[s.pos])
		s.pos++
		if s.pos < len(s.rows) {
			heap.Push(h, s)
		}
	}

	return out, nil
}

type stream struct {
	rows []rowindex.Row
	pos  int
}

type streamHeap []*stream

func (h streamHeap) Len() int { return len(h) }

func (h streamHeap) Less(i, j int) bool {
	return h[i].rows[h[i].pos].Timestamp.Before(h[j].rows[h[j].pos].Timestamp)
}

func (h streamHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *streamHeap) Push(x interface{}) {
	*h = append(*h, x.(*stream))
}

func (h *streamHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
