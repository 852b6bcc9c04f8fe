package validator

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vitaliisemenov/llmproxy/pkg/metrics"
)

const (
	recentCacheSize = 4096
	recentCacheTTL  = 5 * time.Second
)

type cachedOutcome struct {
	outcome Outcome
	at      time.Time
}

// RecentCache deduplicates near-simultaneous revalidations of the same
// credential. The dispatcher fires a revalidation after every successful
// unary/streaming call (§4.6 step 4); when many calls against one
// credential complete within the same second, only the first actually
// probes upstream.
type RecentCache struct {
	mu      sync.Mutex
	lru     *lru.Cache[string, cachedOutcome]
	metrics *metrics.ValidatorMetrics
}

// NewRecentCache creates a bounded, time-windowed dedup cache.
func NewRecentCache() *RecentCache {
	c, _ := lru.New[string, cachedOutcome](recentCacheSize)
	return &RecentCache{lru: c, metrics: metrics.DefaultRegistry().Validator()}
}

// ValidateDeduped returns a cached outcome for key if it was recorded within
// recentCacheTTL; otherwise it runs v.Validate and caches the result.
func (c *RecentCache) ValidateDeduped(ctx context.Context, v *Validator, key string) Outcome {
	c.mu.Lock()
	if cached, ok := c.lru.Get(key); ok && time.Since(cached.at) < recentCacheTTL {
		c.mu.Unlock()
		c.metrics.CacheHits.Inc()
		return cached.outcome
	}
	c.mu.Unlock()

	outcome := v.Validate(ctx, key)

	c.mu.Lock()
	c.lru.Add(key, cachedOutcome{outcome: outcome, at: time.Now()})
	c.mu.Unlock()

	return outcome
}
