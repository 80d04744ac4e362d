// Package deepstorage provides concrete implementations of the external
// "push merged segment to durable storage" collaborator the appenderator
// depends on but does not implement.
package deepstorage

import (
	"context"

	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
)

// Pusher uploads a merged segment directory to durable storage and returns
// the descriptor that should be recorded in descriptor.json and handed back
// to the caller of Push. Implementations must be safe to retry: the merge
// engine calls Push through a backoff policy and expects repeated calls
// after a failure to be idempotent from the caller's point of view (a
// unique path is requested explicitly via useUniquePath when that matters).
type Pusher interface {
	Push(ctx context.Context, mergedDir string, id segment.Identifier, merge rowindex.MergeResult, useUniquePath bool) (segment.DataSegment, error)
}
