// Package appenderator implements a bounded-memory, crash-aware batch
// ingestion engine: rows come in through Add, get spilled to disk under
// memory pressure, and are merged and uploaded to durable storage through
// Push. See the rowindex, deepstorage, announce, and walker packages for
// the swappable collaborators it is built on top of.
package appenderator

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
	"github.com/loquisgon/appenderator/walker"
)

// lifecycle states. An Appenderator moves strictly forward through these;
// there is no way back to an earlier state.
const (
	stateCreated int32 = iota
	stateRunning
	stateClosed
)

const closeWaitTimeout = 10 * time.Minute

// AddResult carries what Add learned about the identifier's segment after
// appending the row.
type AddResult struct {
	Identifier       segment.Identifier
	NumRowsInSegment int
	// IsPersistRequired is always false for this implementation: batch
	// ingestion persists eagerly whenever a trigger fires, so there is
	// never a "you should call PersistAll yourself" signal to give back.
	IsPersistRequired bool
}

// PushResult carries the outcome of a Push call.
type PushResult struct {
	Segments []segment.DataSegment
	Err      error
}

// Appenderator is the producer-facing lifecycle controller (C7): it wires
// together the sink registry (C1), memory accountant (C2), persistence
// engine (C3), merge-and-push engine (C4), the three serial executors
// (C5), and the directory lock (C6) into one object with the external API
// described by the design.
type Appenderator struct {
	config *Config
	log    logrus.FieldLogger
	metrics *Metrics

	layout    *layout
	lock      *flock.Flock
	registry  *sinkRegistry
	memory    *memoryAccountant
	executors *executors
	walker    *walker.Walker

	state int32

	persistErrOnce sync.Once
	persistErr     atomic.Value // error
}

// New constructs an Appenderator from opts but does not yet touch the
// filesystem; call StartJob before Add.
func New(log logrus.FieldLogger, opts ...Option) (*Appenderator, error) {
	cfg, err := buildConfig(opts...)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	a := &Appenderator{
		config:  cfg,
		log:     log.WithField("data_source", cfg.Schema.DataSource),
		metrics: cfg.Metrics,
		layout:  newLayout(cfg.BasePersistDirectory),
		memory:  newMemoryAccountant(cfg, cfg.Metrics),
		walker:  cfg.Walker,
	}
	a.registry = newSinkRegistry(cfg.IndexFactory, cfg.Announcer, a.memory, a.log)
	a.executors = newExecutors(cfg.MaxPendingPersists, a.log, cfg.Metrics)

	return a, nil
}

// StartJob acquires the exclusive advisory lock on the base persist
// directory and transitions the appenderator into the running state.
// Calling it twice, or calling any other method before it succeeds, is an
// error.
func (a *Appenderator) StartJob() error {
	if !atomic.CompareAndSwapInt32(&a.state, stateCreated, stateRunning) {
		return errors.New("appenderator: StartJob called more than once, or after Close")
	}

	lock, err := acquireLock(a.config.BasePersistDirectory)
	if err != nil {
		atomic.StoreInt32(&a.state, stateCreated)
		return err
	}
	a.lock = lock

	a.log.Info("appenderator job started")
	return nil
}

func (a *Appenderator) checkRunning() error {
	switch atomic.LoadInt32(&a.state) {
	case stateCreated:
		return ErrNotStarted
	case stateClosed:
		return ErrClosed
	}
	if err := a.persistError(); err != nil {
		return errors.Wrap(err, "appenderator: error while persisting")
	}
	return nil
}

func (a *Appenderator) persistError() error {
	v := a.persistErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// latchPersistError records err as the appenderator's latched error if
// none has been recorded yet. First error wins: later, possibly
// secondary, failures do not overwrite the root cause.
func (a *Appenderator) latchPersistError(err error) {
	if err == nil {
		return
	}
	a.persistErrOnce.Do(func() {
		a.persistErr.Store(err)
		a.log.WithError(err).Error("latched persist error; further operations will fail fast")
	})
}

// Add appends row under identifier. committer must be nil (batch
// ingestion never commits metadata) and allowIncrementalPersists must be
// true; both are accepted as parameters to keep the signature aligned
// with the streaming appenderator's contract even though batch mode only
// supports one value of each.
func (a *Appenderator) Add(ctx context.Context, id segment.Identifier, row rowindex.Row,
	committer interface{}, allowIncrementalPersists bool,
) (AddResult, error) {
	if err := a.checkRunning(); err != nil {
		return AddResult{}, err
	}
	if committer != nil {
		return AddResult{}, ErrCommitterNotSupported
	}
	if !allowIncrementalPersists {
		return AddResult{}, ErrIncrementalPersistsRequired
	}
	if id.DataSource != a.config.Schema.DataSource {
		return AddResult{}, ErrDataSourceMismatch
	}

	sink := a.registry.GetOrCreate(ctx, id)

	if _, err := sink.Add(row); err != nil {
		return AddResult{}, err
	}

	meta := a.registry.MetadataFor(id)
	meta.addRows(1)

	indexFull := false
	if idx := sink.Current().Index(); idx != nil {
		indexFull = !idx.CanAppendRow()
	}
	trigger := a.memory.recordAdd(row.EstimateBytes(), indexFull, time.Now())

	if trigger != triggerNone {
		a.log.WithFields(logrus.Fields{"identifier": id.String(), "trigger": string(trigger)}).
			Info("persist trigger fired")

		rowsFreedEstimate, bytesFreedEstimate := a.estimatePersistRelief()
		if !a.memory.checkHeapLimit(bytesFreedEstimate) {
			err := a.raiseHeapLimitExceeded(rowsFreedEstimate)
			a.latchPersistError(err)
			return AddResult{}, err
		}

		if err := a.persistAllAndClear(); err != nil {
			a.latchPersistError(err)
			return AddResult{}, err
		}
	}

	return AddResult{
		Identifier:       id,
		NumRowsInSegment: meta.NumRowsInSegment(),
	}, nil
}

// estimatePersistRelief sums the in-memory bytes and rows a persist is
// about to free, walking every live sink exactly as the heap-limit check
// in §4.2 specifies: current-hydrant bytes for every swappable sink count
// as relief too, since they are about to be swapped and persisted.
func (a *Appenderator) estimatePersistRelief() (rows int, bytes int64) {
	for _, sink := range a.registry.Sinks() {
		rows += sink.RowsInMemory()
		bytes += sink.BytesInMemory(a.config.SkipBytesInMemoryOverheadCheck)
	}
	return rows, bytes
}

func (a *Appenderator) raiseHeapLimitExceeded(rowsFreed int) error {
	sinks := a.registry.Sinks()
	var hydrants int
	for _, s := range sinks {
		hydrants += len(s.Hydrants())
	}

	fields := logrus.Fields{
		"sink_count":           len(sinks),
		"hydrant_count":        hydrants,
		"total_rows":           a.memory.TotalRows(),
		"rows_in_memory":       a.memory.RowsInMemory(),
		"bytes_in_memory":      a.memory.BytesInMemory(),
		"max_bytes_in_memory":  a.config.MaxBytesInMemory,
	}
	a.log.WithFields(fields).Error("heap usage limit would still be exceeded after persisting; " +
		"consider raising MaxBytesInMemory or enabling SkipBytesInMemoryOverheadCheck")

	a.config.Alerter.Alert(Alert{
		Message: "appenderator: heap usage limit exceeded",
		Fields:  map[string]interface{}{"log_fields": fields},
	})

	return ErrHeapLimitExceeded
}

// GetSegments returns the identifiers of every segment with a metadata
// record, whether or not its sink is currently live in RAM.
func (a *Appenderator) GetSegments() []segment.Identifier {
	return a.registry.MetadataIDs()
}

// GetRowCount returns the cumulative row count ever added under id.
func (a *Appenderator) GetRowCount(id segment.Identifier) (int, error) {
	if err := a.checkRunning(); err != nil {
		return 0, err
	}
	for _, known := range a.registry.MetadataIDs() {
		if known == id {
			return a.registry.MetadataFor(id).NumRowsInSegment(), nil
		}
	}
	return 0, errors.Errorf("appenderator: unknown identifier %s", id.String())
}

// GetTotalRowCount returns the sum of NumRowsInSegment across every
// identifier that has not been dropped.
func (a *Appenderator) GetTotalRowCount() int {
	return int(a.memory.TotalRows())
}

// PersistAll triggers an out-of-band persist of every live sink's frozen
// and swappable hydrants, returning once the persist (and the accompanying
// eviction from RAM) completes or ctx is canceled.
func (a *Appenderator) PersistAll(ctx context.Context) error {
	if err := a.checkRunning(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.persistAllAndClear() }()

	select {
	case err := <-errCh:
		if err != nil {
			a.latchPersistError(err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push persists everything still in memory, then merges and uploads every
// on-disk sink to deep storage, returning a channel that resolves with the
// resulting segment descriptors.
func (a *Appenderator) Push(ctx context.Context, useUniquePath bool) <-chan PushResult {
	out := make(chan PushResult, 1)

	if err := a.checkRunning(); err != nil {
		out <- PushResult{Err: err}
		return out
	}

	inner, err := a.push(ctx, useUniquePath)
	if err != nil {
		out <- PushResult{Err: err}
		return out
	}

	go func() {
		o := <-inner
		out <- PushResult{Segments: o.segments, Err: o.err}
	}()

	return out
}

// Drop removes id's live sink (if any) and its metadata, subtracting its
// rows from the running total. It runs through the abandon/persist
// executor handoff so it cannot race an in-flight persist or merge of the
// same sink.
func (a *Appenderator) Drop(ctx context.Context, id segment.Identifier) <-chan error {
	out := make(chan error, 1)

	if err := a.checkRunning(); err != nil {
		out <- err
		return out
	}

	rows := a.registry.MetadataFor(id).NumRowsInSegment()

	result := a.executors.removeSink(func() error {
		if sink, ok := a.registry.Get(id); ok {
			a.registry.Remove(id, sink)
		}
		a.registry.DropMetadata(id)
		a.memory.removeRows(rows)

		if err := a.config.Announcer.UnannounceSegment(ctx, id); err != nil {
			a.log.WithError(err).WithField("identifier", id.String()).
				Warn("failed to unannounce segment, continuing anyway")
		}
		return nil
	})

	go func() {
		err := <-result
		if err != nil {
			a.latchPersistError(err)
		}
		out <- err
	}()

	return out
}

// Clear drops every sink currently known to the appenderator, live or
// metadata-only. One identifier failing to drop does not stop the rest from
// being attempted; every failure is collected and returned together.
func (a *Appenderator) Clear(ctx context.Context) error {
	if err := a.checkRunning(); err != nil {
		return err
	}

	var result *multierror.Error
	for _, id := range a.registry.MetadataIDs() {
		if err := <-a.Drop(ctx, id); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "drop %s", id.String()))
		}
	}
	return result.ErrorOrNil()
}

// Close idempotently shuts the appenderator down: it drops every sink
// without deleting its on-disk data, waits for all three executors to
// drain, releases the directory lock, and finally removes every persist
// directory left under the base directory.
func (a *Appenderator) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&a.state, stateRunning, stateClosed) {
		return nil
	}

	results := make([]<-chan error, 0)
	for _, id := range a.registry.IDs() {
		id := id
		results = append(results, a.executors.removeSink(func() error {
			if sink, ok := a.registry.Get(id); ok {
				a.registry.Remove(id, sink)
			}
			return nil
		}))
	}
	for _, r := range results {
		if err := <-r; err != nil {
			a.log.WithError(err).Warn("failed to evict sink while closing")
		}
	}

	a.executors.shutdown()
	if !a.executors.waitAll(closeWaitTimeout, true) {
		return errors.New("appenderator: executors did not drain before close timeout; persist directory left in place")
	}

	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			a.log.WithError(err).Warn("failed to release persist directory lock")
		}
	}

	if err := os.RemoveAll(a.config.BasePersistDirectory); err != nil {
		return errors.Wrapf(err, "remove base persist directory %s on close", a.config.BasePersistDirectory)
	}

	a.log.Info("appenderator closed")
	return nil
}

// CloseNow unannounces every live sink and waits only for the persist and
// abandon executors; push work in flight is treated as abandonable, and
// the directory lock is deliberately left held (see the design notes on
// why a long-running embedder must prefer Close).
func (a *Appenderator) CloseNow(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&a.state, stateRunning, stateClosed) {
		return nil
	}

	for _, id := range a.registry.IDs() {
		if err := a.config.Announcer.UnannounceSegment(ctx, id); err != nil {
			a.log.WithError(err).WithField("identifier", id.String()).
				Warn("failed to unannounce segment during CloseNow")
		}
	}

	a.executors.shutdown()
	a.executors.waitAll(closeWaitTimeout, false)

	a.log.Warn("appenderator closed via CloseNow; persist directory lock was not released")
	return nil
}
