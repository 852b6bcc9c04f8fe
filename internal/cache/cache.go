// Package cache implements the write-behind cache (C2): mutations to the
// durable store are buffered in memory and flushed to C1 in batches,
// trading strict durability for throughput. Grounded on the batching,
// flush-protocol, and failure-counting discipline of the reference
// DatabaseCache implementation this system was distilled from.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/llmproxy/internal/store"
	"github.com/vitaliisemenov/llmproxy/pkg/metrics"
)

const (
	defaultMaxBatch      = 100
	defaultFlushInterval = 30 * time.Second
	warnAfterFailures    = 10
	shutdownJoinTimeout  = 5 * time.Second
)

// Stats reports the cache's buffered and lifetime counters.
type Stats struct {
	PendingInserts      int
	PendingUpdates      int
	PendingDeletes      int
	TotalInserted       int64
	TotalUpdated        int64
	TotalDeleted         int64
	FlushCount          int64
	ConsecutiveFailures int
	LastFlushTime       time.Time
}

// Cache is the write-behind cache in front of a durable Store.
type Cache struct {
	applier ApplyBatcher

	mu      sync.Mutex
	tables  map[string]*store.TableOps
	pending int

	maxBatch      int
	flushInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}

	stats   Stats
	logger  *slog.Logger
	metrics *metrics.CacheMetrics
}

// ApplyBatcher is the durable-store surface the cache writes through.
// Satisfied by *store.Store; an interface here keeps the cache unit
// testable against a fake without touching a real database.
type ApplyBatcher interface {
	ApplyBatch(ctx context.Context, ops map[string]*store.TableOps) error
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithMaxBatch overrides the default pending-operation flush threshold.
func WithMaxBatch(n int) Option {
	return func(c *Cache) { c.maxBatch = n }
}

// WithFlushInterval overrides the default background flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Cache) { c.flushInterval = d }
}

// New creates a Cache over the given applier. Call Start to begin the
// background flush timer.
func New(applier ApplyBatcher, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		applier:       applier,
		tables:        make(map[string]*store.TableOps),
		maxBatch:      defaultMaxBatch,
		flushInterval: defaultFlushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		logger:        logger,
		metrics:       metrics.DefaultRegistry().Cache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the background flush timer. Safe to call once.
func (c *Cache) Start() {
	go c.autoFlushWorker()
}

func (c *Cache) tableOps(table string) *store.TableOps {
	ops, ok := c.tables[table]
	if !ok {
		ops = &store.TableOps{}
		c.tables[table] = ops
	}
	return ops
}

// QueueInsert buffers a row insert for table. Triggers an auto-flush if
// the total pending operation count reaches the configured threshold.
func (c *Cache) QueueInsert(table string, row store.Row) {
	c.mu.Lock()
	c.tableOps(table).Inserts = append(c.tableOps(table).Inserts, row)
	c.pending++
	shouldFlush := c.pending >= c.maxBatch
	c.mu.Unlock()

	c.recordPendingGauges()
	if shouldFlush {
		if err := c.Flush(context.Background()); err != nil {
			c.logger.Warn("auto-flush after queueInsert failed", "error", err)
		}
	}
}

// QueueUpdate buffers a field update for table, applied as
// `UPDATE table SET <set> WHERE whereField = whereVal`.
func (c *Cache) QueueUpdate(table string, set map[string]any, whereField string, whereVal any) {
	c.mu.Lock()
	c.tableOps(table).Updates = append(c.tableOps(table).Updates, store.Update{
		Set: set, WhereField: whereField, WhereVal: whereVal,
	})
	c.pending++
	shouldFlush := c.pending >= c.maxBatch
	c.mu.Unlock()

	c.recordPendingGauges()
	if shouldFlush {
		if err := c.Flush(context.Background()); err != nil {
			c.logger.Warn("auto-flush after queueUpdate failed", "error", err)
		}
	}
}

// QueueDelete buffers a row delete for table, keyed by pkField = pkVal.
func (c *Cache) QueueDelete(table string, pkField string, pkVal any) {
	c.mu.Lock()
	c.tableOps(table).Deletes = append(c.tableOps(table).Deletes, store.Delete{
		PKField: pkField, PKVal: pkVal,
	})
	c.pending++
	shouldFlush := c.pending >= c.maxBatch
	c.mu.Unlock()

	c.recordPendingGauges()
	if shouldFlush {
		if err := c.Flush(context.Background()); err != nil {
			c.logger.Warn("auto-flush after queueDelete failed", "error", err)
		}
	}
}

// Flush applies every buffered operation to the durable store within one
// transaction. On success all buffers are cleared. On failure every
// buffered operation is preserved intact for a later attempt, and the
// error is returned to the caller.
func (c *Cache) Flush(ctx context.Context) error {
	// The mutex is held across the store call itself: the durable store
	// (C1) promises single-connection serialization, so I/O under this
	// lock does not block other in-memory mutex holders for long, and it
	// is the only way to guarantee the buffers snapshot ApplyBatch sees
	// cannot be mutated out from under it by a concurrent QueueInsert.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == 0 {
		return nil
	}
	snapshot := c.tables

	start := time.Now()
	err := c.applier.ApplyBatch(ctx, snapshot)
	c.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	c.metrics.FlushTotal.Inc()

	if err != nil {
		c.stats.ConsecutiveFailures++
		c.metrics.FlushFailures.Inc()
		c.metrics.ConsecutiveErrors.Set(float64(c.stats.ConsecutiveFailures))
		if c.stats.ConsecutiveFailures >= warnAfterFailures {
			c.logger.Warn("write-behind cache has failed to flush repeatedly",
				"consecutive_failures", c.stats.ConsecutiveFailures, "error", err)
		}
		return fmt.Errorf("cache: flush failed, %d operations preserved: %w", c.pending, err)
	}

	c.stats.TotalInserted += int64(countInserts(snapshot))
	c.stats.TotalUpdated += int64(countUpdates(snapshot))
	c.stats.TotalDeleted += int64(countDeletes(snapshot))
	c.stats.FlushCount++
	c.stats.ConsecutiveFailures = 0
	c.stats.LastFlushTime = time.Now()
	c.metrics.ConsecutiveErrors.Set(0)

	c.tables = make(map[string]*store.TableOps)
	c.pending = 0
	c.recordPendingGaugesLocked()

	return nil
}

// Stats returns a snapshot of current buffer sizes and lifetime counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.PendingInserts = countInserts(c.tables)
	s.PendingUpdates = countUpdates(c.tables)
	s.PendingDeletes = countDeletes(c.tables)
	return s
}

// Shutdown stops the background flush timer and performs a final best-effort
// flush. Errors from the final flush are logged, not returned, matching the
// documented shutdown contract.
func (c *Cache) Shutdown(ctx context.Context) {
	close(c.stopCh)

	select {
	case <-c.doneCh:
	case <-time.After(shutdownJoinTimeout):
		c.logger.Warn("cache auto-flush worker did not stop within timeout")
	}

	if err := c.Flush(ctx); err != nil {
		c.logger.Error("final flush on shutdown failed", "error", err)
	}
}

func (c *Cache) autoFlushWorker() {
	defer close(c.doneCh)

	// A non-positive interval (WithFlushInterval(0)) disables the periodic
	// timer entirely; the cache still flushes on QueueInsert/QueueUpdate/
	// QueueDelete reaching maxBatch, or on an explicit Flush/Shutdown call.
	if c.flushInterval <= 0 {
		<-c.stopCh
		return
	}

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.Flush(context.Background()); err != nil {
				c.logger.Warn("periodic flush failed", "error", err)
			}
		}
	}
}

func (c *Cache) recordPendingGauges() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordPendingGaugesLocked()
}

func (c *Cache) recordPendingGaugesLocked() {
	c.metrics.PendingOps.WithLabelValues("insert").Set(float64(countInserts(c.tables)))
	c.metrics.PendingOps.WithLabelValues("update").Set(float64(countUpdates(c.tables)))
	c.metrics.PendingOps.WithLabelValues("delete").Set(float64(countDeletes(c.tables)))
}

func countInserts(tables map[string]*store.TableOps) int {
	n := 0
	for _, t := range tables {
		n += len(t.Inserts)
	}
	return n
}

func countUpdates(tables map[string]*store.TableOps) int {
	n := 0
	for _, t := range tables {
		n += len(t.Updates)
	}
	return n
}

func countDeletes(tables map[string]*store.TableOps) int {
	n := 0
	for _, t := range tables {
		n += len(t.Deletes)
	}
	return n
}
