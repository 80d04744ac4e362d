package appenderator

import (
	"context"

	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
	"github.com/loquisgon/appenderator/walker"
)

// GetQueryRunnerForSegments forwards a predicate-based query to every
// in-memory and on-disk hydrant of the requested segments, returning the
// matching rows merged in ascending timestamp order. It fails with
// ErrQueriesNotSupported if the appenderator was built without a walker
// configured — the teacher's equivalent leaves this entirely unset for
// batch mode by default, but a caller of this package can opt in.
func (a *Appenderator) GetQueryRunnerForSegments(ctx context.Context, ids []segment.Identifier,
	pred walker.RowPredicate,
) ([]rowindex.Row, error) {
	if a.walker == nil {
		return nil, ErrQueriesNotSupported
	}
	if err := a.checkRunning(); err != nil {
		return nil, err
	}

	sources := make([]walker.Scanner, 0, len(ids))
	for _, id := range ids {
		sink, ok := a.registry.Get(id)
		if !ok {
			continue
		}
		for _, h := range sink.Hydrants() {
			if idx := h.Index(); idx != nil {
				if s, ok := idx.(walker.Scanner); ok {
					sources = append(sources, s)
				}
				continue
			}
			if q := h.Queryable(); q != nil {
				sources = append(sources, q)
			}
		}
	}

	return walker.Run(ctx, sources, pred)
}

// GetQueryRunnerForIntervals forwards to GetQueryRunnerForSegments for
// every identifier whose interval overlaps one of intervals.
func (a *Appenderator) GetQueryRunnerForIntervals(ctx context.Context, intervals []segment.Interval,
	pred walker.RowPredicate,
) ([]rowindex.Row, error) {
	if a.walker == nil {
		return nil, ErrQueriesNotSupported
	}

	var ids []segment.Identifier
	for _, id := range a.registry.IDs() {
		for _, iv := range intervals {
			if iv == id.Interval || overlaps(iv, id.Interval) {
				ids = append(ids, id)
				break
			}
		}
	}

	return a.GetQueryRunnerForSegments(ctx, ids, pred)
}

func overlaps(a, b segment.Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}
