package appenderator

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loquisgon/appenderator/segment"
)

// pendingPersist pairs a frozen hydrant with the identifier of the sink it
// belongs to, the unit PersistAll hands to persistHydrant.
type pendingPersist struct {
	identifier segment.Identifier
	hydrant    *FireHydrant
}

// persistAll enumerates every live sink, freezes its swappable current
// hydrant if any, and submits a single task to the persist executor that
// persists every newly-frozen hydrant. It returns a channel that resolves
// once that task completes, along with the number of rows and bytes it is
// about to free (used by the caller to update the memory accountant and,
// for the heap-limit check, to know how much relief a persist will buy).
func (a *Appenderator) persistAll() (<-chan error, int, int64) {
	ids := a.registry.IDs()
	pairs := make([]pendingPersist, 0)
	var rowsFreed int
	var bytesFreed int64

	for _, id := range ids {
		sink, ok := a.registry.Get(id)
		if !ok {
			continue
		}

		frozen := sink.FrozenHydrants()
		added := 0
		for _, h := range frozen {
			if h.HasSwapped() {
				continue
			}
			if idx := h.Index(); idx != nil {
				rowsFreed += idx.Size()
				bytesFreed += idx.BytesInMemory()
			}
			pairs = append(pairs, pendingPersist{identifier: id, hydrant: h})
			added++
		}

		if sink.Swappable() {
			swapped := sink.Swap()
			if idx := swapped.Index(); idx != nil {
				rowsFreed += idx.Size()
				bytesFreed += idx.BytesInMemory()
			}
			pairs = append(pairs, pendingPersist{identifier: id, hydrant: swapped})
			added++
		}

		if added > 0 {
			a.registry.MetadataFor(id).addHydrants(added)
		}
	}

	result := a.executors.persist.submit(func() error {
		for _, p := range pairs {
			if _, err := a.persistHydrant(p.identifier, p.hydrant); err != nil {
				a.latchPersistError(err)
				return err
			}
		}
		return nil
	})

	return result, rowsFreed, bytesFreed
}

// persistHydrant spills a single hydrant's in-memory index to disk and
// clears it, so its memory can be reclaimed. It is idempotent: a hydrant
// that has already swapped returns 0, nil without touching the disk again.
func (a *Appenderator) persistHydrant(id segment.Identifier, h *FireHydrant) (int, error) {
	if h.HasSwapped() {
		return 0, nil
	}

	idx := h.Index()
	if idx == nil {
		return 0, nil
	}

	sinkDir := a.layout.sinkDir(id)
	if err := ensureDir(sinkDir); err != nil {
		return 0, errors.Wrapf(err, "ensure sink directory %s", sinkDir)
	}
	if err := writeIdentifierFile(a.layout.identifierFile(id), id); err != nil {
		return 0, err
	}

	meta := a.registry.MetadataFor(id)
	n := meta.nextSpillNumber()
	spillDir := a.layout.spillDir(id, n)

	start := time.Now()
	rows, err := idx.Persist(spillDir)
	duration := time.Since(start)

	log := a.log.WithFields(logrus.Fields{
		"identifier": id.String(),
		"hydrant":    h.Count(),
		"spill_dir":  n,
		"rows":       rows,
	})

	if err != nil {
		log.WithError(err).Error("failed to persist hydrant")
		if a.metrics != nil {
			a.metrics.FailedPersists.Inc()
		}
		return 0, errors.Wrapf(err, "persist hydrant %d of %s", h.Count(), id.String())
	}

	h.swapToDisk()

	log.WithField("duration_ms", duration.Milliseconds()).Debug("persisted hydrant")
	if a.metrics != nil {
		a.metrics.PersistCount.Inc()
		a.metrics.PersistDuration.Observe(duration.Seconds())
	}

	return rows, nil
}

// persistAllAndClear submits a persist of every swappable/frozen hydrant,
// waits for it, and then evicts every live sink from RAM while preserving
// its on-disk spills and metadata. It is the building block both the
// memory accountant's triggers and Push use to guarantee that "persisted"
// and "evicted" happen together.
//
// Eviction runs through the same executors.removeSink path Drop uses, so
// it waits on the push barrier before running: a merge already in flight
// for an identifier finishes reading that identifier's sink before this
// call can evict it out from under the merge.
func (a *Appenderator) persistAllAndClear() error {
	result, rows, bytes := a.persistAll()
	if err := <-result; err != nil {
		return err
	}

	a.memory.release(rows, bytes, time.Now())

	ids := a.registry.IDs()
	evictions := make([]<-chan error, len(ids))
	for i, id := range ids {
		id := id
		evictions[i] = a.executors.removeSink(func() error {
			if sink, ok := a.registry.Get(id); ok {
				a.registry.Remove(id, sink)
			}
			return nil
		})
	}

	var evictErr *multierror.Error
	for _, e := range evictions {
		if err := <-e; err != nil {
			evictErr = multierror.Append(evictErr, err)
		}
	}
	if err := evictErr.ErrorOrNil(); err != nil {
		return errors.Wrap(err, "evict sinks after persist")
	}

	if a.metrics != nil {
		a.metrics.SinkCount.Set(0)
	}

	return nil
}
