package appenderator

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/loquisgon/appenderator/announce"
	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
)

// sinkRegistry holds the two concurrent maps every live appenderator keeps:
// identifier -> live Sink, and identifier -> SinkMetadata. The metadata map
// outlives the sink map: a sink can be evicted from RAM while its metadata
// (row counts, hydrant numbering) stays around for the rest of the job.
type sinkRegistry struct {
	mu       sync.RWMutex
	sinks    map[segment.Identifier]*Sink
	metadata map[segment.Identifier]*SinkMetadata

	factory   rowindex.IndexFactory
	announcer announce.Announcer
	log       logrus.FieldLogger
	accountant *memoryAccountant
}

func newSinkRegistry(factory rowindex.IndexFactory, announcer announce.Announcer,
	accountant *memoryAccountant, log logrus.FieldLogger,
) *sinkRegistry {
	return &sinkRegistry{
		sinks:      make(map[segment.Identifier]*Sink),
		metadata:   make(map[segment.Identifier]*SinkMetadata),
		factory:    factory,
		announcer:  announcer,
		accountant: accountant,
		log:        log,
	}
}

// GetOrCreate returns the live Sink for id, creating (and announcing) one
// if this is the first reference. A brand-new sink's empty overhead is
// charged to the memory accountant immediately, matching invariant 4.
func (r *sinkRegistry) GetOrCreate(ctx context.Context, id segment.Identifier) *Sink {
	r.mu.RLock()
	if s, ok := r.sinks[id]; ok {
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sinks[id]; ok {
		return s
	}

	s := NewSink(id, r.factory)
	r.sinks[id] = s
	if _, ok := r.metadata[id]; !ok {
		r.metadata[id] = &SinkMetadata{}
	}

	r.accountant.chargeNewSink()

	if err := r.announcer.AnnounceSegment(ctx, id); err != nil {
		r.log.WithError(err).WithField("identifier", id.String()).
			Warn("failed to announce segment, continuing anyway")
	}

	return s
}

// Get returns the live sink for id, if any.
func (r *sinkRegistry) Get(id segment.Identifier) (*Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[id]
	return s, ok
}

// Remove atomically removes id's live sink if it still equals s, to avoid
// racing a removal against a concurrent GetOrCreate that reincarnated the
// sink after eviction.
func (r *sinkRegistry) Remove(id segment.Identifier, s *Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sinks[id]; !ok || cur != s {
		return false
	}
	delete(r.sinks, id)
	return true
}

// IDs returns a snapshot of every identifier with a live sink.
func (r *sinkRegistry) IDs() []segment.Identifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]segment.Identifier, 0, len(r.sinks))
	for id := range r.sinks {
		out = append(out, id)
	}
	return out
}

// Sinks returns a snapshot of every live sink.
func (r *sinkRegistry) Sinks() map[segment.Identifier]*Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[segment.Identifier]*Sink, len(r.sinks))
	for id, s := range r.sinks {
		out[id] = s
	}
	return out
}

// MetadataFor returns the metadata record for id, creating an empty one on
// first reference. Metadata for an identifier is never removed except by
// DropMetadata.
func (r *sinkRegistry) MetadataFor(id segment.Identifier) *SinkMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metadata[id]
	if !ok {
		m = &SinkMetadata{}
		r.metadata[id] = m
	}
	return m
}

// DropMetadata removes id's metadata record entirely, used by Drop.
func (r *sinkRegistry) DropMetadata(id segment.Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.metadata, id)
}

// MetadataIDs returns a snapshot of every identifier with a metadata
// record, including ones whose live sink has already been evicted.
func (r *sinkRegistry) MetadataIDs() []segment.Identifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]segment.Identifier, 0, len(r.metadata))
	for id := range r.metadata {
		out = append(out, id)
	}
	return out
}
