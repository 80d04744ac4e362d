package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalContains(t *testing.T) {
	iv := Interval{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	assert.True(t, iv.Contains(iv.Start))
	assert.False(t, iv.Contains(iv.End))
	assert.False(t, iv.Contains(iv.Start.Add(-time.Second)))
	assert.True(t, iv.Contains(iv.Start.Add(time.Hour)))
}

func TestIdentifierStringIsFilesystemSafe(t *testing.T) {
	id := Identifier{
		DataSource: "click events!!",
		Interval: Interval{
			Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		Version: "2024-01-01T00:00:00.000Z",
		Shard:   ShardSpec{Type: "numbered", Partition: 2, Partitions: 4},
	}

	s := id.String()
	require.NotEmpty(t, s)
	for _, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '_' || r == '-' || r == '.'
		assert.Truef(t, ok, "unexpected character %q in identifier string %q", r, s)
	}
}

func TestIdentifiersAreComparable(t *testing.T) {
	base := Identifier{DataSource: "ds", Version: "v1"}
	same := Identifier{DataSource: "ds", Version: "v1"}
	other := Identifier{DataSource: "ds", Version: "v2"}

	assert.Equal(t, base, same)
	assert.NotEqual(t, base, other)

	m := map[Identifier]int{base: 1}
	m[same] = 2
	assert.Len(t, m, 1)
}
