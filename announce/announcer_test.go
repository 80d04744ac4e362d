package announce

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loquisgon/appenderator/segment"
)

func testIdentifier() segment.Identifier {
	return segment.Identifier{
		DataSource: "orders",
		Interval: segment.Interval{
			Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		Version: "v1",
		Shard:   segment.ShardSpec{Type: "numbered", Partition: 0},
	}
}

func TestLoggingAnnouncerAnnounceSegmentNeverFails(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	a := NewLoggingAnnouncer(log)

	require.NoError(t, a.AnnounceSegment(context.Background(), testIdentifier()))

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, logrus.DebugLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "announced")
}

func TestLoggingAnnouncerUnannounceSegmentNeverFails(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	a := NewLoggingAnnouncer(log)

	require.NoError(t, a.UnannounceSegment(context.Background(), testIdentifier()))

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "unannounced")
}

func TestLoggingAnnouncerSatisfiesAnnouncer(t *testing.T) {
	var _ Announcer = NewLoggingAnnouncer(logrus.StandardLogger())
}
