package appenderator

import (
	"sync/atomic"
	"time"
)

// Rough, constant overhead estimates used by the memory accountant instead
// of walking live objects. They do not need to be exact, only stable
// enough that the four persist triggers fire at roughly the configured
// thresholds rather than wildly early or late.
const (
	roughOverheadPerSink    int64 = 5000
	roughOverheadPerHydrant int64 = 1000
	hydrantHeaderOverhead   int64 = 16

	hydrantOverhead = roughOverheadPerHydrant + hydrantHeaderOverhead
)

// persistTrigger names which of the four conditions caused a persist, for
// observability. The zero value, triggerNone, means no trigger fired.
type persistTrigger string

const (
	triggerNone            persistTrigger = ""
	triggerIndexFull       persistTrigger = "index_full"
	triggerIntermediateTTL persistTrigger = "intermediate_persist_period_elapsed"
	triggerMaxRows         persistTrigger = "max_rows_in_memory"
	triggerMaxBytes        persistTrigger = "max_bytes_in_memory"
)

// memoryAccountant tracks the appenderator-wide row and byte counters and
// decides, after each Add, whether a persist trigger has fired. It never
// touches the sink map directly; registry and memoryAccountant are peers
// wired together by the lifecycle controller.
type memoryAccountant struct {
	rowsInMemory  int64
	bytesInMemory int64
	totalRows     int64

	maxRowsInMemory   int64
	maxBytesInMemory  int64
	skipOverheadCheck bool

	intermediatePersistPeriod time.Duration
	nextFlush                 atomic.Int64 // unix nanos

	metrics *Metrics
}

func newMemoryAccountant(cfg *Config, metrics *Metrics) *memoryAccountant {
	a := &memoryAccountant{
		maxRowsInMemory:           int64(cfg.MaxRowsInMemory),
		maxBytesInMemory:          cfg.MaxBytesInMemory,
		skipOverheadCheck:         cfg.SkipBytesInMemoryOverheadCheck,
		intermediatePersistPeriod: cfg.IntermediatePersistPeriod,
		metrics:                   metrics,
	}
	a.resetFlushDeadline(time.Now())
	return a
}

func (a *memoryAccountant) resetFlushDeadline(now time.Time) {
	a.nextFlush.Store(now.Add(a.intermediatePersistPeriod).UnixNano())
}

func (a *memoryAccountant) chargeNewSink() {
	if a.skipOverheadCheck {
		return
	}
	atomic.AddInt64(&a.bytesInMemory, roughOverheadPerSink)
	a.observe()
}

// recordAdd accounts for one more row of size bytes having been added, and
// returns the trigger (if any) that should cause a persist.
func (a *memoryAccountant) recordAdd(bytes int64, indexFull bool, now time.Time) persistTrigger {
	atomic.AddInt64(&a.rowsInMemory, 1)
	atomic.AddInt64(&a.totalRows, 1)
	atomic.AddInt64(&a.bytesInMemory, bytes)
	a.observe()

	switch {
	case indexFull:
		return triggerIndexFull
	case now.UnixNano() >= a.nextFlush.Load():
		return triggerIntermediateTTL
	case atomic.LoadInt64(&a.rowsInMemory) >= a.maxRowsInMemory:
		return triggerMaxRows
	case atomic.LoadInt64(&a.bytesInMemory) >= a.maxBytesInMemory:
		return triggerMaxBytes
	default:
		return triggerNone
	}
}

// checkHeapLimit is called before persistAllAndClear runs, with the
// number of bytes a persist is projected to free. If overhead checking is
// enabled and the current in-memory footprint minus that projection still
// exceeds the configured maximum, ingestion cannot continue: persisting
// would not free enough memory to recover, so there is no point trying.
func (a *memoryAccountant) checkHeapLimit(bytesFreed int64) bool {
	if a.skipOverheadCheck {
		return true
	}
	remaining := atomic.LoadInt64(&a.bytesInMemory) - bytesFreed
	return remaining <= a.maxBytesInMemory
}

// release subtracts rows and bytes freed by a persist from the running
// counters and resets the intermediate-persist deadline.
func (a *memoryAccountant) release(rows int, bytes int64, now time.Time) {
	atomic.AddInt64(&a.rowsInMemory, -int64(rows))
	atomic.AddInt64(&a.bytesInMemory, -bytes)
	if r := atomic.LoadInt64(&a.rowsInMemory); r < 0 {
		atomic.StoreInt64(&a.rowsInMemory, 0)
	}
	if b := atomic.LoadInt64(&a.bytesInMemory); b < 0 {
		atomic.StoreInt64(&a.bytesInMemory, 0)
	}
	a.resetFlushDeadline(now)
	a.observe()
}

// removeRows subtracts a dropped segment's rows from totalRows.
func (a *memoryAccountant) removeRows(n int) {
	atomic.AddInt64(&a.totalRows, -int64(n))
	if t := atomic.LoadInt64(&a.totalRows); t < 0 {
		atomic.StoreInt64(&a.totalRows, 0)
	}
	a.observe()
}

func (a *memoryAccountant) RowsInMemory() int64  { return atomic.LoadInt64(&a.rowsInMemory) }
func (a *memoryAccountant) BytesInMemory() int64 { return atomic.LoadInt64(&a.bytesInMemory) }
func (a *memoryAccountant) TotalRows() int64     { return atomic.LoadInt64(&a.totalRows) }

func (a *memoryAccountant) observe() {
	if a.metrics == nil {
		return
	}
	a.metrics.RowsInMemory.Set(float64(a.RowsInMemory()))
	a.metrics.BytesInMemory.Set(float64(a.BytesInMemory()))
	a.metrics.TotalRows.Set(float64(a.TotalRows()))
}
