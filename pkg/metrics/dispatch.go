package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DispatchMetrics instruments the dispatcher (C6): admission decisions,
// queue depth, in-flight permits, retries, and upstream call latency.
type DispatchMetrics struct {
	Admitted      prometheus.Counter
	FastPathed    prometheus.Counter
	Queued        prometheus.Counter
	Rejected      *prometheus.CounterVec // reason: queue_full, queue_deadline
	QueueDepth    prometheus.Gauge
	InFlight      prometheus.Gauge
	RetryTotal    *prometheus.CounterVec // class: transport, eof
	UpstreamCalls *prometheus.HistogramVec
	FallbackTotal prometheus.Counter
	Unhealthy     prometheus.Gauge
}

func newDispatchMetrics(namespace string) *DispatchMetrics {
	return &DispatchMetrics{
		Admitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "admitted_total",
			Help: "Requests admitted for upstream dispatch",
		}),
		FastPathed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "fast_path_total",
			Help: "Requests executed inline without entering the queue",
		}),
		Queued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "queued_total",
			Help: "Requests that entered the bounded queue",
		}),
		Rejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "rejected_total",
			Help: "Requests rejected before reaching upstream, by reason",
		}, []string{"reason"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "queue_depth",
			Help: "Current number of items waiting in the dispatch queue",
		}),
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "in_flight",
			Help: "Current number of upstream calls in flight",
		}),
		RetryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "retry_total",
			Help: "Retries attempted by class",
		}, []string{"class"}),
		UpstreamCalls: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "upstream_call_duration_seconds",
			Help:    "Duration of upstream calls by endpoint and outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
		}, []string{"endpoint", "outcome"}),
		FallbackTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "credential_fallback_total",
			Help: "Round-robin credential fallback retries performed",
		}),
		Unhealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "self_unhealthy",
			Help: "1 when the dispatcher's self health-check considers the process unhealthy",
		}),
	}
}
