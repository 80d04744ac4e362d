package rowindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMergerMergesAndSortsByTimestamp(t *testing.T) {
	base := t.TempDir()
	base1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	dirA := filepath.Join(base, "0")
	dirB := filepath.Join(base, "1")

	idxA := NewMemIndex(10)
	_, err := idxA.Add(Row{Timestamp: base1.Add(2 * time.Minute), Fields: map[string]interface{}{"src": "a"}})
	require.NoError(t, err)
	_, err = idxA.Persist(dirA)
	require.NoError(t, err)

	idxB := NewMemIndex(10)
	_, err = idxB.Add(Row{Timestamp: base1, Fields: map[string]interface{}{"src": "b"}})
	require.NoError(t, err)
	_, err = idxB.Add(Row{Timestamp: base1.Add(time.Minute), Fields: map[string]interface{}{"other": 1}})
	require.NoError(t, err)
	_, err = idxB.Persist(dirB)
	require.NoError(t, err)

	merger := &DefaultMerger{}
	outDir := filepath.Join(base, "merged")
	result, err := merger.Merge([]string{dirA, dirB}, outDir)
	require.NoError(t, err)

	assert.Equal(t, 3, result.NumRows)
	assert.ElementsMatch(t, []string{"other", "src"}, result.Dimensions)

	qi, err := OpenQueryableIndex(outDir)
	require.NoError(t, err)
	defer qi.Close()

	rows := qi.Rows()
	require.Len(t, rows, 3)
	assert.True(t, rows[0].Timestamp.Equal(base1))
	assert.True(t, rows[1].Timestamp.Equal(base1.Add(time.Minute)))
	assert.True(t, rows[2].Timestamp.Equal(base1.Add(2 * time.Minute)))
}
