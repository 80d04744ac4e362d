package appenderator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series the appenderator records against.
// All vectors are curried with the dataSource label so a process running
// several appenderators (one per data source) reports distinguishable
// series without each call site having to pass the label explicitly.
type Metrics struct {
	SinkCount                 prometheus.Gauge
	RowsInMemory              prometheus.Gauge
	BytesInMemory             prometheus.Gauge
	TotalRows                 prometheus.Gauge
	PersistCount              prometheus.Counter
	PersistDuration           prometheus.Observer
	PersistBackpressureMillis prometheus.Observer
	FailedPersists            prometheus.Counter
	FailedHandoffs            prometheus.Counter
	PushDuration              prometheus.Observer
	MergedSegmentBytes        prometheus.Observer
}

// NewMetrics registers the appenderator's metric vectors against reg and
// returns a Metrics handle curried to dataSource. reg is typically a
// *prometheus.Registry owned by the host process; passing
// prometheus.DefaultRegisterer is fine for a single-appenderator process.
func NewMetrics(reg prometheus.Registerer, dataSource string) *Metrics {
	labels := prometheus.Labels{"data_source": dataSource}

	sinkCount := promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "appenderator_sink_count",
		Help: "Number of live sinks held in memory.",
	}, []string{"data_source"})

	rowsInMemory := promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "appenderator_rows_in_memory",
		Help: "Rows currently held in memory across all live sinks.",
	}, []string{"data_source"})

	bytesInMemory := promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "appenderator_bytes_in_memory",
		Help: "Estimated bytes currently held in memory across all live sinks.",
	}, []string{"data_source"})

	totalRows := promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "appenderator_total_rows",
		Help: "Total rows added across all identifiers not yet dropped.",
	}, []string{"data_source"})

	persistCount := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "appenderator_persist_total",
		Help: "Number of completed persist operations.",
	}, []string{"data_source"})

	persistDuration := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appenderator_persist_duration_seconds",
		Help:    "Wall-clock duration of persist operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"data_source"})

	persistBackpressure := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appenderator_persist_backpressure_milliseconds",
		Help:    "Delay between a persist task being submitted and it starting to run.",
		Buckets: prometheus.ExponentialBuckets(10, 2, 10),
	}, []string{"data_source"})

	failedPersists := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "appenderator_failed_persists_total",
		Help: "Number of persist operations that failed.",
	}, []string{"data_source"})

	failedHandoffs := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "appenderator_failed_handoffs_total",
		Help: "Number of merge-and-push operations that failed.",
	}, []string{"data_source"})

	pushDuration := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appenderator_push_duration_seconds",
		Help:    "Wall-clock duration of merge-and-push operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"data_source"})

	mergedSegmentBytes := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appenderator_merged_segment_bytes",
		Help:    "Size in bytes of each successfully pushed segment.",
		Buckets: prometheus.ExponentialBuckets(1<<20, 2, 12),
	}, []string{"data_source"})

	return &Metrics{
		SinkCount:                 sinkCount.With(labels),
		RowsInMemory:              rowsInMemory.With(labels),
		BytesInMemory:             bytesInMemory.With(labels),
		TotalRows:                 totalRows.With(labels),
		PersistCount:              persistCount.With(labels),
		PersistDuration:           persistDuration.With(labels),
		PersistBackpressureMillis: persistBackpressure.With(labels),
		FailedPersists:            failedPersists.With(labels),
		FailedHandoffs:            failedHandoffs.With(labels),
		PushDuration:              pushDuration.With(labels),
		MergedSegmentBytes:        mergedSegmentBytes.With(labels),
	}
}
