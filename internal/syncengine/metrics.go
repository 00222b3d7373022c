package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the sync engine's collectors. Passing a nil Registerer to
// NewMetrics builds unregistered collectors, which is what tests use.
type Metrics struct {
	cycles   *prometheus.CounterVec
	upserted prometheus.Counter
	deleted  prometheus.Counter
	duration prometheus.Histogram
	skipped  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fhircache_sync_cycles_total",
			Help: "Completed sync cycles by mode and outcome",
		}, []string{"mode", "outcome"}),
		upserted: f.NewCounter(prometheus.CounterOpts{
			Name: "fhircache_sync_records_upserted_total",
			Help: "Records written to the local store by sync cycles",
		}),
		deleted: f.NewCounter(prometheus.CounterOpts{
			Name: "fhircache_sync_records_deleted_total",
			Help: "Local records removed by the reconciliation pass",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fhircache_sync_duration_seconds",
			Help:    "Duration of sync cycles in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Name: "fhircache_sync_skipped_total",
			Help: "Sync triggers ignored because a cycle was already running",
		}),
	}
}
