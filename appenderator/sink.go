package appenderator

import (
	"sync"

	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
)

// Sink owns the ordered sequence of FireHydrants backing one segment
// identifier. Exactly the last hydrant, while the sink is writable, accepts
// new rows; every earlier hydrant is frozen. A non-writable sink (one
// reconstructed from disk for merge) never accepts rows at all.
type Sink struct {
	mu sync.RWMutex

	identifier segment.Identifier
	writable   bool
	hydrants   []*FireHydrant

	indexFactory rowindex.IndexFactory
}

// NewSink constructs an empty, writable sink with one fresh hydrant.
func NewSink(id segment.Identifier, factory rowindex.IndexFactory) *Sink {
	s := &Sink{
		identifier:   id,
		writable:     true,
		indexFactory: factory,
	}
	s.hydrants = []*FireHydrant{NewFireHydrant(factory(), 0)}
	return s
}

// NewReadOnlySink wraps a set of already-persisted hydrants (loaded from
// disk) as a non-writable sink, for use by the merge engine.
func NewReadOnlySink(id segment.Identifier, hydrants []*FireHydrant) *Sink {
	return &Sink{identifier: id, writable: false, hydrants: hydrants}
}

// Identifier returns the sink's segment identifier.
func (s *Sink) Identifier() segment.Identifier {
	return s.identifier
}

// Writable reports whether the sink currently accepts new rows.
func (s *Sink) Writable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writable
}

// Hydrants returns a snapshot slice of the sink's current hydrants, oldest
// first.
func (s *Sink) Hydrants() []*FireHydrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FireHydrant, len(s.hydrants))
	copy(out, s.hydrants)
	return out
}

// Current returns the sink's tail hydrant, or nil if the sink has no
// hydrants (only possible for a degenerate read-only sink).
func (s *Sink) Current() *FireHydrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.hydrants) == 0 {
		return nil
	}
	return s.hydrants[len(s.hydrants)-1]
}

// Add appends row to the sink's current hydrant. It returns
// ErrSegmentNotWritable if the sink is not writable, and
// rowindex.ErrIndexSizeExceeded if the current hydrant's index refuses the
// row (which the appenderator's index-full persist trigger, driven by
// CanAppendRow after every Add, should have prevented).
func (s *Sink) Add(row rowindex.Row) (int, error) {
	s.mu.RLock()
	writable := s.writable
	var current *FireHydrant
	if len(s.hydrants) > 0 {
		current = s.hydrants[len(s.hydrants)-1]
	}
	s.mu.RUnlock()

	if !writable || current == nil {
		return 0, ErrSegmentNotWritable
	}

	idx := current.Index()
	if idx == nil {
		return 0, ErrSegmentNotWritable
	}
	return idx.Add(row)
}

// Swappable reports whether the sink's current hydrant holds at least one
// row and would free memory by being persisted.
func (s *Sink) Swappable() bool {
	cur := s.Current()
	if cur == nil {
		return false
	}
	idx := cur.Index()
	return idx != nil && idx.Size() > 0
}

// Swap freezes the current hydrant (it remains in place, still
// in-memory, until persisted) and starts a new empty hydrant as the tail.
// It returns the now-frozen hydrant.
func (s *Sink) Swap() *FireHydrant {
	s.mu.Lock()
	defer s.mu.Unlock()

	frozen := s.hydrants[len(s.hydrants)-1]
	next := NewFireHydrant(s.indexFactory(), frozen.Count()+1)
	s.hydrants = append(s.hydrants, next)
	return frozen
}

// FrozenHydrants returns every hydrant but the tail if the sink is
// writable, or every hydrant if it is not (a finished sink has nothing
// left writable at all).
func (s *Sink) FrozenHydrants() []*FireHydrant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.writable {
		out := make([]*FireHydrant, len(s.hydrants))
		copy(out, s.hydrants)
		return out
	}
	if len(s.hydrants) <= 1 {
		return nil
	}
	out := make([]*FireHydrant, len(s.hydrants)-1)
	copy(out, s.hydrants[:len(s.hydrants)-1])
	return out
}

// BytesInMemory sums the in-memory footprint of every hydrant that still
// holds a live index, plus a rough per-hydrant overhead charge (via
// hydrantOverhead) for every hydrant that has swapped to disk but remains
// memory-mapped by this sink, when overhead checking is enabled.
func (s *Sink) BytesInMemory(skipOverheadCheck bool) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, h := range s.hydrants {
		if idx := h.Index(); idx != nil {
			total += idx.BytesInMemory()
			continue
		}
		if !skipOverheadCheck {
			total += hydrantOverhead
		}
	}
	return total
}

// RowsInMemory sums the row count of every hydrant that still holds a live
// index.
func (s *Sink) RowsInMemory() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int
	for _, h := range s.hydrants {
		if idx := h.Index(); idx != nil {
			total += idx.Size()
		}
	}
	return total
}
