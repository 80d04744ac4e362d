package appenderator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
	"github.com/loquisgon/appenderator/walker"
)

func TestGetQueryRunnerForSegmentsFailsWithoutWalker(t *testing.T) {
	a, _ := newTestAppenderator(t)
	id := testIdentifier("v1")

	_, err := a.GetQueryRunnerForSegments(context.Background(), []segment.Identifier{id}, nil)
	assert.ErrorIs(t, err, ErrQueriesNotSupported)
}

func TestGetQueryRunnerForIntervalsFailsWithoutWalker(t *testing.T) {
	a, _ := newTestAppenderator(t)

	_, err := a.GetQueryRunnerForIntervals(context.Background(), []segment.Interval{testIdentifier("v1").Interval}, nil)
	assert.ErrorIs(t, err, ErrQueriesNotSupported)
}

func TestGetQueryRunnerForSegmentsReturnsMatchingRowsWhenWalkerConfigured(t *testing.T) {
	a, _ := newTestAppenderator(t, WithWalker(walker.New()))
	id := testIdentifier("v1")

	for i := 0; i < 4; i++ {
		_, err := a.Add(context.Background(), id, rowindex.Row{
			Timestamp: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
			Fields:    map[string]interface{}{"n": i},
		}, nil, true)
		require.NoError(t, err)
	}

	rows, err := a.GetQueryRunnerForSegments(context.Background(), []segment.Identifier{id}, func(r rowindex.Row) bool {
		n, _ := r.Fields["n"].(int)
		return n%2 == 0
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].Fields["n"])
	assert.Equal(t, 2, rows[1].Fields["n"])
}
