package walker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loquisgon/appenderator/rowindex"
)

type fakeScanner []rowindex.Row

func (f fakeScanner) Rows() []rowindex.Row { return f }

func rowAt(minute int, amount int) rowindex.Row {
	return rowindex.Row{
		Timestamp: time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC),
		Fields:    map[string]interface{}{"amount": amount},
	}
}

func TestRunMergesSourcesInTimestampOrder(t *testing.T) {
	a := fakeScanner{rowAt(0, 1), rowAt(4, 4), rowAt(8, 8)}
	b := fakeScanner{rowAt(1, 2), rowAt(3, 3)}
	c := fakeScanner{rowAt(2, 2), rowAt(5, 5), rowAt(6, 6), rowAt(7, 7)}

	out, err := Run(context.Background(), []Scanner{a, b, c}, nil)
	require.NoError(t, err)
	require.Len(t, out, 9)

	for i := 1; i < len(out); i++ {
		assert.False(t, out[i].Timestamp.Before(out[i-1].Timestamp), "output must be sorted ascending by timestamp")
	}
	assert.Equal(t, 1, out[0].Fields["amount"])
	assert.Equal(t, 8, out[len(out)-1].Fields["amount"])
}

func TestRunAppliesPredicate(t *testing.T) {
	source := fakeScanner{rowAt(0, 1), rowAt(1, 2), rowAt(2, 3), rowAt(3, 4)}

	evenOnly := func(r rowindex.Row) bool {
		return r.Fields["amount"].(int)%2 == 0
	}

	out, err := Run(context.Background(), []Scanner{source}, evenOnly)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 2, out[0].Fields["amount"])
	assert.Equal(t, 4, out[1].Fields["amount"])
}

func TestRunWithNoSourcesReturnsEmpty(t *testing.T) {
	out, err := Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRunRespectsCanceledContext(t *testing.T) {
	source := fakeScanner{rowAt(0, 1), rowAt(1, 2)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, []Scanner{source}, nil)
	assert.Error(t, err)
}

func TestNewWalkerIsStateless(t *testing.T) {
	w := New()
	require.NotNil(t, w)
	assert.Equal(t, Walker{}, *w)
}
