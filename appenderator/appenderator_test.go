package appenderator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loquisgon/appenderator/deepstorage"
	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
)

func testLogger(t *testing.T) logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func newTestAppenderator(t *testing.T, opts ...Option) (*Appenderator, string) {
	t.Helper()
	base := t.TempDir()
	deepRoot := t.TempDir()
	pusher, err := deepstorage.NewLocalPusher(deepRoot)
	require.NoError(t, err)

	allOpts := append([]Option{
		WithDataSource("orders"),
		WithBasePersistDirectory(base),
		WithPusher(pusher),
	}, opts...)

	a, err := New(testLogger(t), allOpts...)
	require.NoError(t, err)
	require.NoError(t, a.StartJob())

	t.Cleanup(func() { _ = a.Close(context.Background()) })

	return a, deepRoot
}

func testIdentifier(interval string) segment.Identifier {
	return segment.Identifier{
		DataSource: "orders",
		Interval: segment.Interval{
			Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		Version: interval,
		Shard:   segment.ShardSpec{Type: "numbered", Partition: 0},
	}
}

func TestStartJobTwiceFails(t *testing.T) {
	a, _ := newTestAppenderator(t)
	assert.Error(t, a.StartJob())
}

func TestSecondAppenderatorCannotLockSameDirectory(t *testing.T) {
	base := t.TempDir()
	deepRoot := t.TempDir()
	pusher, err := deepstorage.NewLocalPusher(deepRoot)
	require.NoError(t, err)

	a1, err := New(testLogger(t), WithDataSource("orders"), WithBasePersistDirectory(base), WithPusher(pusher))
	require.NoError(t, err)
	require.NoError(t, a1.StartJob())
	defer a1.Close(context.Background())

	a2, err := New(testLogger(t), WithDataSource("orders"), WithBasePersistDirectory(base), WithPusher(pusher))
	require.NoError(t, err)
	assert.Error(t, a2.StartJob())
}

func TestAddRejectsWrongDataSource(t *testing.T) {
	a, _ := newTestAppenderator(t)
	id := testIdentifier("v1")
	id.DataSource = "other"

	_, err := a.Add(context.Background(), id, rowindex.Row{Timestamp: time.Now()}, nil, true)
	assert.ErrorIs(t, err, ErrDataSourceMismatch)
}

func TestAddRejectsCommitter(t *testing.T) {
	a, _ := newTestAppenderator(t)
	id := testIdentifier("v1")

	_, err := a.Add(context.Background(), id, rowindex.Row{Timestamp: time.Now()}, "some-committer", true)
	assert.ErrorIs(t, err, ErrCommitterNotSupported)
}

func TestAddRejectsNonIncrementalPersists(t *testing.T) {
	a, _ := newTestAppenderator(t)
	id := testIdentifier("v1")

	_, err := a.Add(context.Background(), id, rowindex.Row{Timestamp: time.Now()}, nil, false)
	assert.ErrorIs(t, err, ErrIncrementalPersistsRequired)
}

func TestAddAccumulatesRowCount(t *testing.T) {
	a, _ := newTestAppenderator(t)
	id := testIdentifier("v1")

	for i := 0; i < 5; i++ {
		res, err := a.Add(context.Background(), id, rowindex.Row{
			Timestamp: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
			Fields:    map[string]interface{}{"n": i},
		}, nil, true)
		require.NoError(t, err)
		assert.Equal(t, i+1, res.NumRowsInSegment)
		assert.False(t, res.IsPersistRequired)
	}

	n, err := a.GetRowCount(id)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, a.GetTotalRowCount())
}

func TestMaxRowsInMemoryTriggersPersist(t *testing.T) {
	a, _ := newTestAppenderator(t, WithMaxRowsInMemory(3))
	id := testIdentifier("v1")

	for i := 0; i < 3; i++ {
		_, err := a.Add(context.Background(), id, rowindex.Row{
			Timestamp: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		}, nil, true)
		require.NoError(t, err)
	}

	// After the third row the accountant's rowsInMemory trigger fires and
	// persistAllAndClear evicts the sink; a fourth add reincarnates it.
	_, err := a.Add(context.Background(), id, rowindex.Row{
		Timestamp: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
	}, nil, true)
	require.NoError(t, err)

	sinkDir := filepath.Join(a.config.BasePersistDirectory, id.String())
	entries, err := os.ReadDir(sinkDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "expected at least one spill directory after the trigger fired")

	n, err := a.GetRowCount(id)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPersistAllThenPushProducesSegment(t *testing.T) {
	a, deepRoot := newTestAppenderator(t)
	id := testIdentifier("v1")

	for i := 0; i < 10; i++ {
		_, err := a.Add(context.Background(), id, rowindex.Row{
			Timestamp: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
			Fields:    map[string]interface{}{"amount": i},
		}, nil, true)
		require.NoError(t, err)
	}

	require.NoError(t, a.PersistAll(context.Background()))

	result := <-a.Push(context.Background(), false)
	require.NoError(t, result.Err)
	require.Len(t, result.Segments, 1)

	seg := result.Segments[0]
	assert.Equal(t, id, seg.Identifier)
	assert.Equal(t, 10, seg.NumRows)
	assert.Equal(t, "local", seg.LoadSpec["type"])

	_, err := os.Stat(seg.LoadSpec["path"])
	assert.NoError(t, err, "pushed segment directory should exist under deep storage root")
	_ = deepRoot
}

func TestPushIsIdempotentWithoutUniquePath(t *testing.T) {
	a, _ := newTestAppenderator(t)
	id := testIdentifier("v1")

	_, err := a.Add(context.Background(), id, rowindex.Row{Timestamp: time.Now()}, nil, true)
	require.NoError(t, err)
	require.NoError(t, a.PersistAll(context.Background()))

	first := <-a.Push(context.Background(), false)
	require.NoError(t, first.Err)
	require.Len(t, first.Segments, 1)

	second := <-a.Push(context.Background(), false)
	require.NoError(t, second.Err)
	require.Len(t, second.Segments, 1)

	assert.Equal(t, first.Segments[0].LoadSpec["path"], second.Segments[0].LoadSpec["path"])
}

func TestPushWithUniquePathProducesDistinctSegments(t *testing.T) {
	a, _ := newTestAppenderator(t)
	id := testIdentifier("v1")

	_, err := a.Add(context.Background(), id, rowindex.Row{Timestamp: time.Now()}, nil, true)
	require.NoError(t, err)
	require.NoError(t, a.PersistAll(context.Background()))

	first := <-a.Push(context.Background(), true)
	require.NoError(t, first.Err)

	// A second, already-pushed-from-RAM sink has nothing left to persist;
	// add a fresh row under a different version so there is real work.
	id2 := testIdentifier("v2")
	_, err = a.Add(context.Background(), id2, rowindex.Row{Timestamp: time.Now()}, nil, true)
	require.NoError(t, err)
	require.NoError(t, a.PersistAll(context.Background()))

	second := <-a.Push(context.Background(), true)
	require.NoError(t, second.Err)

	require.Len(t, first.Segments, 1)
	require.Len(t, second.Segments, 1)
	assert.NotEqual(t, first.Segments[0].LoadSpec["path"], second.Segments[0].LoadSpec["path"])
}

func TestGetSegmentsTracksEveryIdentifierEverAdded(t *testing.T) {
	a, _ := newTestAppenderator(t)
	id1 := testIdentifier("v1")
	id2 := testIdentifier("v2")

	_, err := a.Add(context.Background(), id1, rowindex.Row{Timestamp: time.Now()}, nil, true)
	require.NoError(t, err)
	_, err = a.Add(context.Background(), id2, rowindex.Row{Timestamp: time.Now()}, nil, true)
	require.NoError(t, err)

	ids := a.GetSegments()
	assert.ElementsMatch(t, []segment.Identifier{id1, id2}, ids)
}

func TestDropRemovesSinkAndSubtractsRows(t *testing.T) {
	a, _ := newTestAppenderator(t)
	id := testIdentifier("v1")

	for i := 0; i < 3; i++ {
		_, err := a.Add(context.Background(), id, rowindex.Row{Timestamp: time.Now()}, nil, true)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, a.GetTotalRowCount())

	require.NoError(t, <-a.Drop(context.Background(), id))

	assert.Equal(t, 0, a.GetTotalRowCount())
	assert.NotContains(t, a.GetSegments(), id)
}

func TestClearDropsEveryIdentifier(t *testing.T) {
	a, _ := newTestAppenderator(t)
	id1 := testIdentifier("v1")
	id2 := testIdentifier("v2")

	_, err := a.Add(context.Background(), id1, rowindex.Row{Timestamp: time.Now()}, nil, true)
	require.NoError(t, err)
	_, err = a.Add(context.Background(), id2, rowindex.Row{Timestamp: time.Now()}, nil, true)
	require.NoError(t, err)

	require.NoError(t, a.Clear(context.Background()))
	assert.Empty(t, a.GetSegments())
	assert.Equal(t, 0, a.GetTotalRowCount())
}

func TestOperationsFailAfterClose(t *testing.T) {
	base := t.TempDir()
	deepRoot := t.TempDir()
	pusher, err := deepstorage.NewLocalPusher(deepRoot)
	require.NoError(t, err)

	a, err := New(testLogger(t), WithDataSource("orders"), WithBasePersistDirectory(base), WithPusher(pusher))
	require.NoError(t, err)
	require.NoError(t, a.StartJob())
	require.NoError(t, a.Close(context.Background()))

	_, err = a.Add(context.Background(), testIdentifier("v1"), rowindex.Row{Timestamp: time.Now()}, nil, true)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHeapLimitExceededLatchesAndAlerts(t *testing.T) {
	alerter := NewRecordingAlerter()
	a, _ := newTestAppenderator(t,
		WithMaxBytesInMemory(1),
		WithAlerter(alerter),
	)
	id := testIdentifier("v1")

	_, err := a.Add(context.Background(), id, rowindex.Row{
		Timestamp: time.Now(),
		Fields:    map[string]interface{}{"payload": "this row is bigger than the one-byte budget"},
	}, nil, true)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeapLimitExceeded)
	assert.Equal(t, 1, alerter.Count())

	_, err = a.Add(context.Background(), id, rowindex.Row{Timestamp: time.Now()}, nil, true)
	assert.Error(t, err, "subsequent Add should fail fast once persistError is latched")
}

func TestCloseDropsLiveSinksFromRegistry(t *testing.T) {
	base := t.TempDir()
	deepRoot := t.TempDir()
	pusher, err := deepstorage.NewLocalPusher(deepRoot)
	require.NoError(t, err)

	a, err := New(testLogger(t), WithDataSource("orders"), WithBasePersistDirectory(base), WithPusher(pusher))
	require.NoError(t, err)
	require.NoError(t, a.StartJob())

	id := testIdentifier("v1")
	_, err = a.Add(context.Background(), id, rowindex.Row{Timestamp: time.Now()}, nil, true)
	require.NoError(t, err)
	require.NotEmpty(t, a.registry.IDs(), "sink should be live in the registry before Close")

	require.NoError(t, a.Close(context.Background()))
	assert.Empty(t, a.registry.IDs(), "Close should evict every live sink from the registry before shutting executors down")
}

func TestCloseNowDoesNotReleaseLock(t *testing.T) {
	base := t.TempDir()
	deepRoot := t.TempDir()
	pusher, err := deepstorage.NewLocalPusher(deepRoot)
	require.NoError(t, err)

	a, err := New(testLogger(t), WithDataSource("orders"), WithBasePersistDirectory(base), WithPusher(pusher))
	require.NoError(t, err)
	require.NoError(t, a.StartJob())
	require.NoError(t, a.CloseNow(context.Background()))

	a2, err := New(testLogger(t), WithDataSource("orders"), WithBasePersistDirectory(base), WithPusher(pusher))
	require.NoError(t, err)
	assert.Error(t, a2.StartJob(), "CloseNow must not release the directory lock")
}
