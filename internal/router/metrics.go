package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Read sources, as reported in fhircache_cache_reads_total.
const (
	sourceSearch = "search"
	sourceCache  = "cache"
	sourceRemote = "remote"
)

// Metrics counts reads by where they were answered from.
type Metrics struct {
	reads *prometheus.CounterVec
}

// NewMetrics registers the router collectors with reg. A nil reg leaves them
// unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fhircache_cache_reads_total",
			Help: "Patient reads served, by source.",
		}, []string{"source"}),
	}
}

func (m *Metrics) read(source string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(source).Inc()
}
