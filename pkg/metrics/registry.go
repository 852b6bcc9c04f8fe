// Package metrics provides centralized Prometheus metrics for the proxy.
//
// Metrics are organized by subsystem, matching the components of the
// request-dispatch pipeline: dispatch, cache, ratelimit, validator,
// scheduler, and store. All metric names follow the convention
// llmproxy_<subsystem>_<metric>_<unit>.
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Dispatch().Admitted.Inc()
//	registry.Store().OperationDuration.WithLabelValues("get_credential").Observe(0.002)
package metrics

import "sync"

// Registry is the central registry for all Prometheus metrics in the process.
// Category managers are lazily initialized so importing this package never
// registers a collector that nothing ends up using.
type Registry struct {
	namespace string

	dispatch  *DispatchMetrics
	cache     *CacheMetrics
	ratelimit *RateLimitMetrics
	validator *ValidatorMetrics
	scheduler *SchedulerMetrics
	store     *StoreMetrics
	http      *HTTPMetrics

	dispatchOnce  sync.Once
	cacheOnce     sync.Once
	ratelimitOnce sync.Once
	validatorOnce sync.Once
	schedulerOnce sync.Once
	storeOnce     sync.Once
	httpOnce      sync.Once
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton Registry. Safe for concurrent use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry("llmproxy")
	})
	return defaultRegistry
}

// NewRegistry creates a Registry with the given namespace. Most callers
// should use DefaultRegistry(); a distinct namespace is useful in tests that
// want an isolated metric space.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "llmproxy"
	}
	return &Registry{namespace: namespace}
}

// Dispatch returns the dispatcher (C6) metrics, lazily initialized.
func (r *Registry) Dispatch() *DispatchMetrics {
	r.dispatchOnce.Do(func() { r.dispatch = newDispatchMetrics(r.namespace) })
	return r.dispatch
}

// Cache returns the write-behind cache (C2) metrics, lazily initialized.
func (r *Registry) Cache() *CacheMetrics {
	r.cacheOnce.Do(func() { r.cache = newCacheMetrics(r.namespace) })
	return r.cache
}

// RateLimit returns the rate limiter (C3) metrics, lazily initialized.
func (r *Registry) RateLimit() *RateLimitMetrics {
	r.ratelimitOnce.Do(func() { r.ratelimit = newRateLimitMetrics(r.namespace) })
	return r.ratelimit
}

// Validator returns the credential validator (C5) metrics, lazily initialized.
func (r *Registry) Validator() *ValidatorMetrics {
	r.validatorOnce.Do(func() { r.validator = newValidatorMetrics(r.namespace) })
	return r.validator
}

// Scheduler returns the refresh scheduler (C7) metrics, lazily initialized.
func (r *Registry) Scheduler() *SchedulerMetrics {
	r.schedulerOnce.Do(func() { r.scheduler = newSchedulerMetrics(r.namespace) })
	return r.scheduler
}

// Store returns the durable store (C1) metrics, lazily initialized.
func (r *Registry) Store() *StoreMetrics {
	r.storeOnce.Do(func() { r.store = newStoreMetrics(r.namespace) })
	return r.store
}

// HTTP returns the C9 HTTP surface metrics, lazily initialized.
func (r *Registry) HTTP() *HTTPMetrics {
	r.httpOnce.Do(func() { r.http = newHTTPMetrics(r.namespace) })
	return r.http
}

// Namespace returns the configured Prometheus namespace for this registry.
func (r *Registry) Namespace() string {
	return r.namespace
}
