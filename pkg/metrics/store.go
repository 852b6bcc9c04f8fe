package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics instruments the durable store (C1).
type StoreMetrics struct {
	OperationsTotal   *prometheus.CounterVec // op, outcome
	OperationDuration *prometheus.HistogramVec
	FileSizeBytes     prometheus.Gauge
	HealthStatus      prometheus.Gauge // 1 healthy, 0 unhealthy
}

func newStoreMetrics(namespace string) *StoreMetrics {
	return &StoreMetrics{
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "operations_total",
			Help: "Durable store operations, by operation and outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "store", Name: "operation_duration_seconds",
			Help:    "Durable store operation duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		FileSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "file_size_bytes",
			Help: "Size of the SQLite database file",
		}),
		HealthStatus: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "health_status",
			Help: "1 if the store's last health check succeeded, else 0",
		}),
	}
}
