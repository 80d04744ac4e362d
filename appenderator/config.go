package appenderator

import (
	"time"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loquisgon/appenderator/announce"
	"github.com/loquisgon/appenderator/deepstorage"
	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/walker"
)

// DataSchema describes the one data source an Appenderator instance accepts
// rows for. It is intentionally thin: the row schema itself is the
// rowindex.Index implementation's concern, not the appenderator's.
type DataSchema struct {
	DataSource string
}

// Config holds every tunable of an Appenderator. It is built through
// functional options passed to New rather than constructed directly, so
// that defaults can be merged in first and callers only need to specify
// what they want to override.
type Config struct {
	Schema DataSchema

	BasePersistDirectory string

	MaxRowsInMemory                int
	MaxBytesInMemory               int64
	SkipBytesInMemoryOverheadCheck bool
	IntermediatePersistPeriod      time.Duration
	MaxPendingPersists             int
	MaxColumnsToMerge              int

	IndexFactory rowindex.IndexFactory
	Merger       rowindex.Merger
	Pusher       deepstorage.Pusher
	Announcer    announce.Announcer

	// Walker is left unset by default: batch ingestion does not require a
	// query path, so GetQueryRunnerFor* fails with ErrQueriesNotSupported
	// unless a caller opts in with WithWalker.
	Walker *walker.Walker

	Alerter Alerter
	Metrics *Metrics
}

// Option mutates a Config under construction. Each option validates its own
// input and returns an error rather than panicking, matching the teacher's
// BucketOption convention.
type Option func(*Config) error

// defaultConfig returns the baseline Config that caller-supplied options are
// merged on top of.
func defaultConfig() *Config {
	return &Config{
		MaxRowsInMemory:            150_000,
		MaxBytesInMemory:           256 << 20,
		IntermediatePersistPeriod:  10 * time.Minute,
		MaxPendingPersists:         5,
		MaxColumnsToMerge:          512,
		IndexFactory:               func() rowindex.Index { return rowindex.NewMemIndex(rowindex.DefaultMaxRowsPerIndex) },
		Merger:                     &rowindex.DefaultMerger{},
		Alerter:                    NewNoopAlerter(),
	}
}

// WithDataSource sets the single data source this appenderator accepts rows
// for; Add rejects any identifier whose DataSource differs.
func WithDataSource(dataSource string) Option {
	return func(c *Config) error {
		if dataSource == "" {
			return errors.New("appenderator: data source must not be empty")
		}
		c.Schema.DataSource = dataSource
		return nil
	}
}

// WithBasePersistDirectory sets the root directory under which sink spills,
// merge workspaces, and the advisory lock file live.
func WithBasePersistDirectory(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return errors.New("appenderator: base persist directory must not be empty")
		}
		c.BasePersistDirectory = dir
		return nil
	}
}

// WithMaxRowsInMemory sets the row-count persist trigger.
func WithMaxRowsInMemory(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return errors.New("appenderator: MaxRowsInMemory must be positive")
		}
		c.MaxRowsInMemory = n
		return nil
	}
}

// WithMaxBytesInMemory sets the byte-count persist trigger and the ceiling
// checked by the heap-limit assertion.
func WithMaxBytesInMemory(n int64) Option {
	return func(c *Config) error {
		if n <= 0 {
			return errors.New("appenderator: MaxBytesInMemory must be positive")
		}
		c.MaxBytesInMemory = n
		return nil
	}
}

// WithSkipBytesInMemoryOverheadCheck disables per-sink/per-hydrant overhead
// accounting and the heap-limit assertion entirely.
func WithSkipBytesInMemoryOverheadCheck(skip bool) Option {
	return func(c *Config) error {
		c.SkipBytesInMemoryOverheadCheck = skip
		return nil
	}
}

// WithIntermediatePersistPeriod sets the wall-clock persist trigger.
func WithIntermediatePersistPeriod(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("appenderator: IntermediatePersistPeriod must be positive")
		}
		c.IntermediatePersistPeriod = d
		return nil
	}
}

// WithMaxPendingPersists bounds the persist executor's queue, providing
// backpressure against a producer that outruns disk I/O.
func WithMaxPendingPersists(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return errors.New("appenderator: MaxPendingPersists must be positive")
		}
		c.MaxPendingPersists = n
		return nil
	}
}

// WithMaxColumnsToMerge passes a column-count limit through to the merger.
func WithMaxColumnsToMerge(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return errors.New("appenderator: MaxColumnsToMerge must be positive")
		}
		c.MaxColumnsToMerge = n
		return nil
	}
}

// WithIndexFactory overrides the rowindex.Index implementation used for
// each hydrant's in-memory side.
func WithIndexFactory(f rowindex.IndexFactory) Option {
	return func(c *Config) error {
		if f == nil {
			return errors.New("appenderator: IndexFactory must not be nil")
		}
		c.IndexFactory = f
		return nil
	}
}

// WithMerger overrides the rowindex.Merger implementation used when pushing
// a sink's hydrants into one segment.
func WithMerger(m rowindex.Merger) Option {
	return func(c *Config) error {
		if m == nil {
			return errors.New("appenderator: Merger must not be nil")
		}
		c.Merger = m
		return nil
	}
}

// WithPusher sets the deep-storage backend Push uploads merged segments to.
func WithPusher(p deepstorage.Pusher) Option {
	return func(c *Config) error {
		if p == nil {
			return errors.New("appenderator: Pusher must not be nil")
		}
		c.Pusher = p
		return nil
	}
}

// WithWalker opts into query support by giving Add's appenderator a
// walker to forward GetQueryRunnerForSegments/GetQueryRunnerForIntervals
// calls to. Without it, those calls fail with ErrQueriesNotSupported.
func WithWalker(w *walker.Walker) Option {
	return func(c *Config) error {
		if w == nil {
			return errors.New("appenderator: Walker must not be nil")
		}
		c.Walker = w
		return nil
	}
}

// WithAnnouncer sets the collaborator notified when a sink's segment
// becomes servable or is dropped.
func WithAnnouncer(a announce.Announcer) Option {
	return func(c *Config) error {
		if a == nil {
			return errors.New("appenderator: Announcer must not be nil")
		}
		c.Announcer = a
		return nil
	}
}

// WithAlerter overrides where heap-limit and invariant-violation alerts are
// sent. Defaults to a no-op.
func WithAlerter(a Alerter) Option {
	return func(c *Config) error {
		if a == nil {
			return errors.New("appenderator: Alerter must not be nil")
		}
		c.Alerter = a
		return nil
	}
}

// WithMetrics attaches a Metrics instance. Defaults to nil, in which case
// metric recording is skipped entirely.
func WithMetrics(m *Metrics) Option {
	return func(c *Config) error {
		c.Metrics = m
		return nil
	}
}

// buildConfig applies opts in order to an empty Config, then merges the
// result over defaultConfig with mergo so a caller only needs to specify
// the fields that differ from the baseline. Because opts are applied in
// order, a later option setting the same field wins over an earlier one;
// mergo.WithOverride then lets every non-zero field set by opts replace the
// default. A field an option sets to its zero value keeps the default.
func buildConfig(opts ...Option) (*Config, error) {
	cfg := &Config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, errors.Wrap(err, "apply appenderator option")
		}
	}

	merged := defaultConfig()
	if err := mergo.Merge(merged, cfg, mergo.WithOverride); err != nil {
		return nil, errors.Wrap(err, "merge appenderator config with defaults")
	}

	if merged.Schema.DataSource == "" {
		return nil, errors.New("appenderator: WithDataSource is required")
	}
	if merged.BasePersistDirectory == "" {
		return nil, errors.New("appenderator: WithBasePersistDirectory is required")
	}
	if merged.Pusher == nil {
		return nil, errors.New("appenderator: WithPusher is required")
	}
	if merged.Announcer == nil {
		merged.Announcer = announce.NewLoggingAnnouncer(logrus.StandardLogger())
	}
	if dm, ok := merged.Merger.(*rowindex.DefaultMerger); ok && dm.MaxColumnsToMerge == 0 {
		dm.MaxColumnsToMerge = merged.MaxColumnsToMerge
	}

	return merged, nil
}
