package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics instruments the write-behind cache (C2).
type CacheMetrics struct {
	PendingOps        *prometheus.GaugeVec // kind: insert, update, delete
	FlushTotal        prometheus.Counter
	FlushFailures     prometheus.Counter
	FlushDuration     prometheus.Histogram
	ConsecutiveErrors prometheus.Gauge
}

func newCacheMetrics(namespace string) *CacheMetrics {
	return &CacheMetrics{
		PendingOps: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "pending_ops",
			Help: "Currently buffered write-behind operations, by kind",
		}, []string{"kind"}),
		FlushTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "flush_total",
			Help: "Write-behind flush attempts",
		}),
		FlushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "flush_failures_total",
			Help: "Write-behind flush attempts that rolled back",
		}),
		FlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cache", Name: "flush_duration_seconds",
			Help:    "Duration of a flush transaction",
			Buckets: prometheus.DefBuckets,
		}),
		ConsecutiveErrors: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "consecutive_flush_failures",
			Help: "Current streak of consecutive flush failures",
		}),
	}
}
