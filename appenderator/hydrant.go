package appenderator

import (
	"sync"

	"github.com/loquisgon/appenderator/rowindex"
)

// FireHydrant is one chunk of a Sink's data: either a live, mutable
// in-memory index, or a reference to an already-persisted, on-disk
// queryable index. A hydrant transitions from the former to the latter
// exactly once, guarded by its own mutex so that persistHydrant is
// idempotent even if invoked twice for the same hydrant (which should
// never happen under the single-producer contract, but is not assumed).
type FireHydrant struct {
	mu sync.Mutex

	count int // sequence number within the owning sink

	index      rowindex.Index          // non-nil until swapped
	queryable  *rowindex.QueryableIndex // non-nil once swapped and reloaded
	hasSwapped bool
}

// NewFireHydrant wraps index as the count-th hydrant of a sink.
func NewFireHydrant(index rowindex.Index, count int) *FireHydrant {
	return &FireHydrant{index: index, count: count}
}

// Count returns the hydrant's sequence number within its sink.
func (h *FireHydrant) Count() int { return h.count }

// HasSwapped reports whether the hydrant's in-memory index has already
// been cleared in favor of an on-disk reference.
func (h *FireHydrant) HasSwapped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasSwapped
}

// Index returns the hydrant's in-memory index, or nil if it has swapped.
func (h *FireHydrant) Index() rowindex.Index {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index
}

// Queryable returns the hydrant's on-disk index reference, or nil if it
// has not been loaded (either because it hasn't swapped, or because it
// swapped via persistHydrant without a reload).
func (h *FireHydrant) Queryable() *rowindex.QueryableIndex {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queryable
}

// swapToDisk clears the in-memory index, marking the hydrant swapped. It
// is idempotent: calling it on an already-swapped hydrant is a no-op and
// reports that no work was done, matching the teacher's pattern of
// treating a repeated persist as a successful zero-row persist rather
// than an error.
func (h *FireHydrant) swapToDisk() (already bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasSwapped {
		return true
	}
	h.index = nil
	h.hasSwapped = true
	return false
}

// attachQueryable records q as the on-disk form of an already-swapped
// hydrant (used when reconstructing a sink from disk for merge).
func (h *FireHydrant) attachQueryable(q *rowindex.QueryableIndex) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queryable = q
	h.hasSwapped = true
}

// release drops the hydrant's mapped on-disk reference, closing its
// underlying mmap. Called once a merge has consumed the hydrant's rows
// and the sink's persist directory is about to be removed.
func (h *FireHydrant) release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queryable == nil {
		return nil
	}
	err := h.queryable.Close()
	h.queryable = nil
	return err
}
