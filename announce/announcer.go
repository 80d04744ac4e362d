// Package announce provides the collaborator the appenderator calls when a
// sink's segment becomes servable or is dropped. Announcement is how other
// nodes in a cluster learn that a segment can be queried; the appenderator
// itself only needs to know that the call happened and, on failure, that the
// failure was logged rather than allowed to abort ingestion.
package announce

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/loquisgon/appenderator/segment"
)

// Announcer publishes and retracts the availability of segments. Callers
// treat announce/unannounce failures as non-fatal: a segment that fails to
// announce is still durable, just not yet discoverable by other nodes.
type Announcer interface {
	AnnounceSegment(ctx context.Context, id segment.Identifier) error
	UnannounceSegment(ctx context.Context, id segment.Identifier) error
}

// LoggingAnnouncer is a no-op Announcer that only logs, suitable for
// single-node deployments and for the demo command where there is no
// cluster coordination service to notify.
type LoggingAnnouncer struct {
	Log logrus.FieldLogger
}

// NewLoggingAnnouncer returns an Announcer that records announce and
// unannounce calls at debug level and otherwise does nothing.
func NewLoggingAnnouncer(log logrus.FieldLogger) *LoggingAnnouncer {
	return &LoggingAnnouncer{Log: log}
}

func (a *LoggingAnnouncer) AnnounceSegment(ctx context.Context, id segment.Identifier) error {
	a.Log.WithField("segment", id.String()).Debug("segment announced")
	return nil
}

func (a *LoggingAnnouncer) UnannounceSegment(ctx context.Context, id segment.Identifier) error {
	a.Log.WithField("segment", id.String()).Debug("segment unannounced")
	return nil
}
