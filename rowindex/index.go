// Package rowindex is the reference implementation of the columnar index
// collaborator that the appenderator treats as out of scope: something that
// can accept rows in memory, report its own size, decide when it is full,
// spill itself to disk, and be merged with its on-disk siblings.
//
// Production users of the appenderator are expected to swap this out for a
// real columnar engine; this package exists so the appenderator itself can
// be built, tested, and demonstrated end to end.
package rowindex

import (
	"time"
)

// Row is the unit the appenderator passes to an Index. DataSource rows in
// this reference implementation are schemaless: a timestamp plus an
// arbitrary bag of fields.
type Row struct {
	Timestamp time.Time
	Fields    map[string]interface{}
}

// EstimateBytes returns a rough in-memory footprint for the row, used by
// MemIndex.BytesInMemory and by callers accounting for a row's impact on
// the overall memory budget before it is added to an index. It does not
// need to be exact, only monotonic and stable, the same way the
// appenderator package's overhead estimates are rough constants rather
// than exact accounting.
func (r Row) EstimateBytes() int64 {
	size := int64(8) // timestamp
	for k, v := range r.Fields {
		size += int64(len(k))
		switch val := v.(type) {
		case string:
			size += int64(len(val))
		default:
			size += 16
		}
	}
	return size
}

// Index is the in-memory, mutable side of a FireHydrant. A Sink's current
// hydrant owns exactly one Index; once it is persisted it is replaced by a
// QueryableIndex reference.
type Index interface {
	// Add appends a row to the index. It returns the index's row count
	// after the add.
	Add(row Row) (int, error)
	// Size returns the current row count.
	Size() int
	// BytesInMemory returns the estimated heap footprint of the index.
	BytesInMemory() int64
	// CanAppendRow reports whether another row can be accepted without
	// exceeding the index's own capacity bound.
	CanAppendRow() bool
	// Persist writes the index's rows to dir as a QueryableIndex and
	// returns the number of rows written. Persist does not clear the
	// index; callers are expected to discard it afterwards.
	Persist(dir string) (int, error)
}

// IndexFactory constructs a new, empty Index for a sink. Tuning parameters
// (such as the maximum row count before CanAppendRow turns false) are
// closed over by the factory.
type IndexFactory func() Index

// Merger merges one or more on-disk QueryableIndex directories into a single
// new QueryableIndex directory. It is the Go-native analogue of the
// external IndexMerger.mergeQueryableIndex collaborator.
type Merger interface {
	Merge(sourceDirs []string, outDir string) (MergeResult, error)
}

// MergeResult carries the few facts the appenderator's merge engine needs
// about the freshly merged index in order to build a DataSegment descriptor.
type MergeResult struct {
	NumRows    int
	SizeBytes  int64
	Dimensions []string
}
