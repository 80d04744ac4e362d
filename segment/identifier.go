// Package segment defines the identifiers and descriptors that flow between
// the appenderator, the row index it drives, and deep storage. None of the
// types here know how to store or query rows; they are pure value types.
package segment

import (
	"fmt"
	"time"
)

// Interval is a half-open timestamp range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls within the half-open interval.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

func (iv Interval) String() string {
	return fmt.Sprintf("%s/%s", iv.Start.Format(time.RFC3339Nano), iv.End.Format(time.RFC3339Nano))
}

// ShardSpec describes how a segment's rows are partitioned within its
// interval and version. It is opaque to the appenderator beyond identity and
// equality.
type ShardSpec struct {
	Type       string `json:"type"`
	Partition  int    `json:"partition,omitempty"`
	Partitions int    `json:"partitions,omitempty"`
}

func (s ShardSpec) String() string {
	if s.Type == "" {
		return "unsharded"
	}
	return fmt.Sprintf("%s(%d/%d)", s.Type, s.Partition, s.Partitions)
}

// Identifier is the tuple {DataSource, Interval, Version, ShardSpec} that
// uniquely names a segment. It is immutable once constructed and is the key
// used throughout the appenderator for sinks, sink metadata, and on-disk
// layout.
type Identifier struct {
	DataSource string    `json:"dataSource"`
	Interval   Interval  `json:"interval"`
	Version    string    `json:"version"`
	Shard      ShardSpec `json:"shardSpec"`
}

// Key returns a value usable as a map key; Identifier itself is comparable
// (all fields are comparable), so Key just returns the Identifier, but
// callers should prefer this accessor over relying on that fact so the
// representation can change without breaking callers.
func (id Identifier) Key() Identifier {
	return id
}

// String renders a filesystem-safe, human-readable representation of the
// identifier, used both for logging and as the on-disk directory name under
// the base persist directory.
func (id Identifier) String() string {
	return fmt.Sprintf("%s_%s_%s_%s_%s",
		sanitize(id.DataSource),
		id.Interval.Start.UTC().Format("20060102T150405.000Z"),
		id.Interval.End.UTC().Format("20060102T150405.000Z"),
		sanitize(id.Version),
		sanitize(id.Shard.String()),
	)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == '-' || r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}
