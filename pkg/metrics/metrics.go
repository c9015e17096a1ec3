package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds the Prometheus collectors of the recording pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SegmentsIngested *prometheus.CounterVec   // proctoring_segments_ingested_total{channel,backend}
	SegmentsReplaced prometheus.Counter       // proctoring_segments_replaced_total
	MergesTotal      *prometheus.CounterVec   // proctoring_merges_total{channel,result}
	MergeDuration    *prometheus.HistogramVec // proctoring_merge_duration_seconds{channel}
	MergesReclaimed  prometheus.Counter       // proctoring_merges_reclaimed_total
	SweepRepairs     prometheus.Counter       // proctoring_sweep_repairs_total
	SweepDefects     prometheus.Counter       // proctoring_sweep_unrecoverable_total
	MediaBytesServed *prometheus.CounterVec   // proctoring_media_bytes_served_total{kind}
	OrphansPurged    prometheus.Counter       // proctoring_orphans_purged_total
}

// Init registers the collectors once; later calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = New(registry)
	})
	return metricsInstance
}

// New registers a fresh set of collectors on registry. Tests use it with a
// private registry.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &Metrics{
		SegmentsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctoring_segments_ingested_total",
			Help: "Segments accepted by ingestion by channel and storage backend",
		}, []string{"channel", "backend"}),

		SegmentsReplaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctoring_segments_replaced_total",
			Help: "Segments whose registry entry was replaced by a duplicate upload",
		}),

		MergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctoring_merges_total",
			Help: "Finished merge jobs by channel and result",
		}, []string{"channel", "result"}),

		MergeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proctoring_merge_duration_seconds",
			Help:    "Merge job duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"channel"}),

		MergesReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctoring_merges_reclaimed_total",
			Help: "Merge jobs reset to pending after exceeding the processing timeout",
		}),

		SweepRepairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctoring_sweep_repairs_total",
			Help: "Stray segment location fields cleared by the consistency sweep",
		}),

		SweepDefects: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctoring_sweep_unrecoverable_total",
			Help: "Segments the consistency sweep found without an authoritative location",
		}),

		MediaBytesServed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proctoring_media_bytes_served_total",
			Help: "Media bytes streamed to reviewers by artifact kind",
		}, []string{"kind"}),

		OrphansPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "proctoring_orphans_purged_total",
			Help: "Orphaned objects deleted from storage",
		}),
	}
}

func (m *Metrics) RecordIngest(channel, backend string) {
	if m == nil {
		return
	}
	m.SegmentsIngested.WithLabelValues(channel, backend).Inc()
}

func (m *Metrics) RecordReplace() {
	if m == nil {
		return
	}
	m.SegmentsReplaced.Inc()
}

func (m *Metrics) RecordMerge(channel, result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.MergesTotal.WithLabelValues(channel, result).Inc()
	m.MergeDuration.WithLabelValues(channel).Observe(durationSeconds)
}

func (m *Metrics) RecordReclaim() {
	if m == nil {
		return
	}
	m.MergesReclaimed.Inc()
}

func (m *Metrics) RecordSweep(repairs, unrecoverable int) {
	if m == nil {
		return
	}
	m.SweepRepairs.Add(float64(repairs))
	m.SweepDefects.Add(float64(unrecoverable))
}

func (m *Metrics) RecordServed(kind string, bytes int64) {
	if m == nil {
		return
	}
	m.MediaBytesServed.WithLabelValues(kind).Add(float64(bytes))
}

func (m *Metrics) RecordOrphanPurge() {
	if m == nil {
		return
	}
	m.OrphansPurged.Inc()
}
