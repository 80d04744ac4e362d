package appenderator

import "sync"

// SinkMetadata is retained for a segment identifier even after its live
// Sink has been evicted from RAM by persistAllAndClear. It is the only
// place the "how many hydrants has this segment ever had" and "what's the
// next spill directory name" facts survive a sink's eviction and
// reincarnation.
type SinkMetadata struct {
	mu sync.Mutex

	numRowsInSegment     int
	numHydrants          int
	previousHydrantCount int
}

// NumRowsInSegment returns the cumulative row count ever added to this
// segment, across every incarnation of its sink.
func (m *SinkMetadata) NumRowsInSegment() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numRowsInSegment
}

// NumHydrants returns the number of hydrants expected to exist on disk for
// this segment.
func (m *SinkMetadata) NumHydrants() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numHydrants
}

// addRows records that n more rows were added to the segment.
func (m *SinkMetadata) addRows(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numRowsInSegment += n
}

// addHydrants records that n more hydrants were produced for the segment
// in this call to PersistAll.
func (m *SinkMetadata) addHydrants(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numHydrants += n
}

// nextSpillNumber returns the next monotonic spill subdirectory number and
// advances the counter. The counter lives only here, never inferred from a
// directory listing, so that numbering stays monotonic across sink
// reincarnations even if earlier spill directories are later removed.
func (m *SinkMetadata) nextSpillNumber() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.previousHydrantCount
	m.previousHydrantCount++
	return n
}
