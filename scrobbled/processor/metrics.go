package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns        = "scrobbled"
	subsystem = "processor"
)

// Metrics instruments the stream processor. One instance per processor;
// registration happens in NewMetrics so tests can read back through their
// own registry.
type Metrics struct {
	EventsProcessed  prometheus.Counter
	EventsDuplicate  prometheus.Counter
	EventsDeadLetter prometheus.Counter
	UpsertSeconds    prometheus.Histogram
	QueueDepth       prometheus.Gauge
	QueueRowsPurged  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		EventsProcessed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem,
			Name: "events_processed_total",
			Help: "Queue events folded into the rollup store.",
		}),
		EventsDuplicate: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem,
			Name: "events_duplicate_total",
			Help: "Queue events acknowledged without re-aggregation because the recent-identifier cache already held them.",
		}),
		EventsDeadLetter: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem,
			Name: "events_dead_lettered_total",
			Help: "Queue events that failed post-ingest validation and were moved to the dead letter table.",
		}),
		UpsertSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: subsystem,
			Name:    "rollup_upsert_seconds",
			Help:    "Time spent upserting one claimed batch into the rollup store.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: subsystem,
			Name: "queue_depth",
			Help: "Unprocessed events across all queue partitions, sampled every poll interval.",
		}),
		QueueRowsPurged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: subsystem,
			Name: "queue_rows_purged_total",
			Help: "Processed queue rows deleted by the janitor after the retention window.",
		}),
	}
}
