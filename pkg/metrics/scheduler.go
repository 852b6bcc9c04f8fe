package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SchedulerMetrics instruments the refresh scheduler (C7).
type SchedulerMetrics struct {
	TicksTotal       *prometheus.CounterVec // outcome: success, failure
	TickDuration     prometheus.Histogram
	CredentialsTouch prometheus.Counter
	InProgress       prometheus.Gauge
}

func newSchedulerMetrics(namespace string) *SchedulerMetrics {
	return &SchedulerMetrics{
		TicksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Refresh ticks run, by outcome",
		}, []string{"outcome"}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
			Help:    "Wall-clock duration of one refresh tick",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		CredentialsTouch: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "credentials_refreshed_total",
			Help: "Credentials revalidated across all ticks",
		}),
		InProgress: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "in_progress",
			Help: "1 while a refresh tick is currently running",
		}),
	}
}
