package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RateLimitMetrics instruments the per-credential sliding-window rate limiter (C3).
type RateLimitMetrics struct {
	CooldownsArmed prometheus.Counter
	Denied         *prometheus.CounterVec // axis: rpm, tpm
	TrackedKeys    prometheus.Gauge
}

func newRateLimitMetrics(namespace string) *RateLimitMetrics {
	return &RateLimitMetrics{
		CooldownsArmed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "cooldowns_armed_total",
			Help: "Number of times a credential cooldown was armed",
		}),
		Denied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "denied_total",
			Help: "Admission checks denied, by triggering axis",
		}, []string{"axis"}),
		TrackedKeys: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "tracked_keys",
			Help: "Number of credentials with live rate-limit history",
		}),
	}
}
