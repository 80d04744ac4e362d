package appenderator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
)

// pendingMerge is one sink directory discovered under the base persist
// directory, already classified as either needing a real merge or as
// already pushed (its descriptor.json can just be returned).
type pendingMerge struct {
	identifier segment.Identifier
	sink       *Sink                // nil if alreadyPushed
	descriptor *segment.DataSegment // non-nil if alreadyPushed
}

// discoverPersistedSinks lists every sink directory under the base persist
// directory that has an identifier.json. A sink whose descriptor.json
// already exists is classified as already pushed without touching its
// (possibly already-cleaned-up) hydrant spills; everything else is
// reloaded as a read-only Sink whose hydrants are memory-mapped queryable
// indexes, ready for mergeAndPush. This is how the push executor
// reconstructs sinks that persistAllAndClear already evicted from RAM.
func (a *Appenderator) discoverPersistedSinks() ([]pendingMerge, error) {
	entries, err := os.ReadDir(a.config.BasePersistDirectory)
	if err != nil {
		return nil, errors.Wrapf(err, "list base persist directory %s", a.config.BasePersistDirectory)
	}

	var pending []pendingMerge
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sinkDir := filepath.Join(a.config.BasePersistDirectory, e.Name())
		idFile := filepath.Join(sinkDir, "identifier.json")
		if _, err := os.Stat(idFile); os.IsNotExist(err) {
			continue
		}

		id, err := readIdentifierFile(idFile)
		if err != nil {
			return nil, err
		}

		// A descriptor.json already on disk means some earlier push already
		// merged and uploaded this sink and cleaned up its spills; there is
		// nothing left to re-merge from, so the cached descriptor is
		// returned unconditionally. useUniquePath only changes the path a
		// sink gets the first time it is pushed, not whether an
		// already-finished push is redone.
		if ds, ok, err := readDescriptorFile(a.layout.descriptorFile(id)); err != nil {
			return nil, err
		} else if ok {
			pending = append(pending, pendingMerge{identifier: id, descriptor: &ds})
			continue
		}

		sink, err := a.loadPersistedSink(id, sinkDir)
		if err != nil {
			return nil, err
		}
		pending = append(pending, pendingMerge{identifier: id, sink: sink})
	}

	return pending, nil
}

// loadPersistedSink reloads every numbered spill subdirectory under
// sinkDir as a memory-mapped FireHydrant, checking the spill numbering for
// contiguity (invariant 3) and agreement with the sink's recorded
// numHydrants (invariant 2) before trusting any of it.
func (a *Appenderator) loadPersistedSink(id segment.Identifier, sinkDir string) (*Sink, error) {
	entries, err := os.ReadDir(sinkDir)
	if err != nil {
		return nil, errors.Wrapf(err, "list sink directory %s", sinkDir)
	}

	seen := roaring.New()
	numbers := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "merged" {
			continue
		}
		n, err := parseSpillNumber(e.Name())
		if err != nil {
			continue // not a numbered spill directory
		}
		seen.Add(uint32(n))
		numbers = append(numbers, n)
	}

	expected := a.registry.MetadataFor(id).NumHydrants()
	if expected != len(numbers) {
		return nil, ErrInvariantViolation(fmt.Sprintf(
			"sink %s has %d spill directories on disk but metadata expects %d",
			id.String(), len(numbers), expected))
	}

	if !isContiguousFromZero(seen, len(numbers)) {
		return nil, ErrInvariantViolation("sink " + id.String() + " has non-contiguous spill directory numbering")
	}

	hydrants := make([]*FireHydrant, len(numbers))
	for _, n := range numbers {
		qi, err := rowindex.OpenQueryableIndex(a.layout.spillDir(id, n))
		if err != nil {
			return nil, errors.Wrapf(err, "open queryable index for %s hydrant %d", id.String(), n)
		}
		h := NewFireHydrant(nil, n)
		h.attachQueryable(qi)
		hydrants[n] = h
	}

	return NewReadOnlySink(id, hydrants), nil
}

// isContiguousFromZero reports whether seen contains exactly {0, 1, ...,
// want-1}. Using a bitmap cardinality/max check instead of sorting is
// cheap and catches both gaps and duplicates.
func isContiguousFromZero(seen *roaring.Bitmap, want int) bool {
	if int(seen.GetCardinality()) != want {
		return false
	}
	if want == 0 {
		return true
	}
	return seen.Minimum() == 0 && seen.Maximum() == uint32(want-1)
}

func parseSpillNumber(name string) (int, error) {
	var n int
	var sawDigit bool
	for _, r := range name {
		if r < '0' || r > '9' {
			return 0, errors.Errorf("not a numeric directory name: %s", name)
		}
		sawDigit = true
		n = n*10 + int(r-'0')
	}
	if !sawDigit {
		return 0, errors.Errorf("not a numeric directory name: %s", name)
	}
	return n, nil
}

// removeHydrantSpills removes each hydrant's numbered spill directory
// under sinkDir, leaving identifier.json and descriptor.json (if any)
// untouched.
func removeHydrantSpills(sinkDir string, hydrants []*FireHydrant) error {
	var firstErr error
	for _, h := range hydrants {
		dir := filepath.Join(sinkDir, spillDirName(h.Count()))
		if err := os.RemoveAll(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mergeAndPush is the push executor's core unit of work for one sink: it
// merges every hydrant's on-disk data into one queryable index, uploads it
// through the configured Pusher with retry, writes descriptor.json, and
// removes the sink's spill directories. Callers are expected to have
// already checked for an existing descriptor.json via
// discoverPersistedSinks; mergeAndPush always does the work. It must only
// ever be called from the push executor's goroutine.
func (a *Appenderator) mergeAndPush(ctx context.Context, sink *Sink, useUniquePath bool) (*segment.DataSegment, error) {
	id := sink.Identifier()
	log := a.log.WithField("identifier", id.String())

	if sink.Writable() {
		return nil, ErrInvariantViolation("sink " + id.String() + " is writable at merge time")
	}

	descriptorPath := a.layout.descriptorFile(id)
	mergedDir := a.layout.mergedDir(id)
	if err := os.RemoveAll(mergedDir); err != nil {
		return nil, errors.Wrapf(err, "clear stale merge workspace %s", mergedDir)
	}

	hydrants := sink.Hydrants()
	sourceDirs := make([]string, 0, len(hydrants))
	for _, h := range hydrants {
		if !h.HasSwapped() {
			return nil, ErrInvariantViolation("hydrant " + id.String() + " is not swapped at merge time")
		}
		sourceDirs = append(sourceDirs, a.layout.spillDir(id, h.Count()))
	}

	start := time.Now()
	mergeResult, err := a.config.Merger.Merge(sourceDirs, mergedDir)
	if err != nil {
		a.recordFailedHandoff()
		return nil, errors.Wrapf(err, "merge hydrants for %s", id.String())
	}

	var ds segment.DataSegment
	pushErr := a.pushWithRetry(ctx, func() error {
		result, err := a.config.Pusher.Push(ctx, mergedDir, id, mergeResult, useUniquePath)
		if err != nil {
			return err
		}
		ds = result
		return nil
	})
	if pushErr != nil {
		a.recordFailedHandoff()
		return nil, errors.Wrapf(pushErr, "push merged segment for %s", id.String())
	}

	if err := writeDescriptorFile(descriptorPath, ds); err != nil {
		a.recordFailedHandoff()
		return nil, err
	}

	for _, h := range hydrants {
		if err := h.release(); err != nil {
			log.WithError(err).Warn("failed to release hydrant's mapped segment")
		}
	}

	// Remove the hydrant spills and the merge workspace now that their
	// data lives in deep storage, but keep identifier.json and
	// descriptor.json: the reference source removes the sink's whole
	// persist directory here, which would also delete the descriptor it
	// (in theory) just wrote, defeating the idempotent-re-push check every
	// later discoverPersistedSinks call depends on to recognize this sink
	// is already done.
	if err := removeHydrantSpills(a.layout.sinkDir(id), hydrants); err != nil {
		log.WithError(err).Warn("failed to remove hydrant spill directories after push")
	}
	if err := os.RemoveAll(mergedDir); err != nil {
		log.WithError(err).Warn("failed to remove merge workspace after push")
	}

	duration := time.Since(start)
	log.WithFields(logrus.Fields{
		"rows":        ds.NumRows,
		"bytes":       ds.Size,
		"duration_ms": duration.Milliseconds(),
	}).Info("pushed segment")

	if a.metrics != nil {
		a.metrics.PushDuration.Observe(duration.Seconds())
		a.metrics.MergedSegmentBytes.Observe(float64(ds.Size))
	}

	return &ds, nil
}

// pushWithRetry retries fn up to 5 times with exponential backoff,
// matching the teacher's convention of sharing one backoff configuration
// helper rather than constructing ad hoc retry loops at each call site.
func (a *Appenderator) pushWithRetry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4),
		ctx,
	)
	return backoff.Retry(fn, policy)
}

func (a *Appenderator) recordFailedHandoff() {
	if a.metrics != nil {
		a.metrics.FailedHandoffs.Inc()
	}
}

// push is the producer-facing entry point for C4: it persists and evicts
// every live sink, then submits one push-executor task that merges and
// pushes every persisted sink, returning the set of resulting segments.
func (a *Appenderator) push(ctx context.Context, useUniquePath bool) (<-chan pushOutcome, error) {
	if err := a.persistAllAndClear(); err != nil {
		return nil, err
	}

	out := make(chan pushOutcome, 1)
	a.executors.push.submit(func() error {
		fail := func(err error) error {
			var iv *InvariantViolation
			if errors.As(err, &iv) {
				a.config.Alerter.Alert(Alert{Message: iv.Error(), Fields: map[string]interface{}{"what": iv.What}})
				a.latchPersistError(err)
			}
			out <- pushOutcome{err: err}
			return err
		}

		pending, err := a.discoverPersistedSinks()
		if err != nil {
			return fail(err)
		}

		segments := make([]segment.DataSegment, 0, len(pending))
		for _, p := range pending {
			if p.descriptor != nil {
				segments = append(segments, *p.descriptor)
				continue
			}
			ds, err := a.mergeAndPush(ctx, p.sink, useUniquePath)
			if err != nil {
				return fail(err)
			}
			if ds != nil {
				segments = append(segments, *ds)
			}
		}

		out <- pushOutcome{segments: segments}
		return nil
	})

	return out, nil
}

type pushOutcome struct {
	segments []segment.DataSegment
	err      error
}
