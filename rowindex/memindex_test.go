package rowindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemIndexAddAndSize(t *testing.T) {
	idx := NewMemIndex(10)

	for i := 0; i < 5; i++ {
		n, err := idx.Add(Row{Timestamp: time.Now(), Fields: map[string]interface{}{"n": i}})
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}

	assert.Equal(t, 5, idx.Size())
	assert.True(t, idx.CanAppendRow())
	assert.Greater(t, idx.BytesInMemory(), int64(0))
}

func TestMemIndexCanAppendRowFalseAtCapacity(t *testing.T) {
	idx := NewMemIndex(2)

	_, err := idx.Add(Row{Timestamp: time.Now()})
	require.NoError(t, err)
	_, err = idx.Add(Row{Timestamp: time.Now()})
	require.NoError(t, err)

	assert.False(t, idx.CanAppendRow())

	_, err = idx.Add(Row{Timestamp: time.Now()})
	assert.ErrorIs(t, err, ErrIndexSizeExceeded)
}

func TestMemIndexPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := NewMemIndex(100)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := idx.Add(Row{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Fields:    map[string]interface{}{"v": i, "name": "row"},
		})
		require.NoError(t, err)
	}

	n, err := idx.Persist(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	qi, err := OpenQueryableIndex(dir)
	require.NoError(t, err)
	defer qi.Close()

	assert.Equal(t, 3, qi.NumRows())
	rows := qi.Rows()
	for i, row := range rows {
		assert.True(t, row.Timestamp.Equal(base.Add(time.Duration(i)*time.Minute)))
		assert.EqualValues(t, i, row.Fields["v"])
	}
}

func TestMemIndexPersistEmpty(t *testing.T) {
	dir := t.TempDir()
	idx := NewMemIndex(100)

	n, err := idx.Persist(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	qi, err := OpenQueryableIndex(dir)
	require.NoError(t, err)
	defer qi.Close()
	assert.Equal(t, 0, qi.NumRows())
}
