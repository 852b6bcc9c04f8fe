package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ValidatorMetrics instruments the credential validator (C5).
type ValidatorMetrics struct {
	ProbesTotal   *prometheus.CounterVec // outcome: valid, invalid, transient
	ProbeDuration prometheus.Histogram
	CacheHits     prometheus.Counter
}

func newValidatorMetrics(namespace string) *ValidatorMetrics {
	return &ValidatorMetrics{
		ProbesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validator", Name: "probes_total",
			Help: "Upstream validation probes, by outcome classification",
		}, []string{"outcome"}),
		ProbeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "validator", Name: "probe_duration_seconds",
			Help:    "Duration of a full validate() call including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validator", Name: "recent_cache_hits_total",
			Help: "Revalidation requests served from the recent-outcome cache",
		}),
	}
}
