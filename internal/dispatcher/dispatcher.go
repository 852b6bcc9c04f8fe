// Package dispatcher implements the request dispatcher (C6): admission
// control, a bounded work queue, a permit-limited worker pool, and the
// per-item execution protocol (credential bind, upstream call, usage
// extraction, retry, and credential fallback). Grounded on the
// worker-pool shape of the teacher's AsyncWebhookProcessor and the
// backoff discipline of its resilience.WithRetry, generalized from a
// webhook fan-out to a single-item request/response proxy loop.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/llmproxy/internal/selector"
	"github.com/vitaliisemenov/llmproxy/internal/store"
	"github.com/vitaliisemenov/llmproxy/internal/validator"
	"github.com/vitaliisemenov/llmproxy/pkg/logger"
	"github.com/vitaliisemenov/llmproxy/pkg/metrics"
)

// Endpoint identifies one of the mirrored downstream routes.
type Endpoint string

const (
	EndpointChatCompletions  Endpoint = "chat/completions"
	EndpointCompletions      Endpoint = "completions"
	EndpointEmbeddings       Endpoint = "embeddings"
	EndpointRerank           Endpoint = "rerank"
	EndpointImagesGenerate   Endpoint = "images/generations"
	EndpointModels           Endpoint = "models"
)

// timeoutFor returns the upstream call timeout for endpoint, per §4.6: long
// for the two text-generation routes (streaming may run for a while), short
// for image generation, middling for embeddings/rerank, short for models.
func timeoutFor(e Endpoint) time.Duration {
	switch e {
	case EndpointChatCompletions, EndpointCompletions:
		return 1800 * time.Second
	case EndpointImagesGenerate:
		return 120 * time.Second
	case EndpointEmbeddings, EndpointRerank:
		return 300 * time.Second
	default:
		return 30 * time.Second
	}
}

var (
	// ErrQueueFull is returned when the bounded queue has no room and the
	// enqueue timeout elapses without a slot opening up.
	ErrQueueFull = errors.New("dispatcher: queue full")
	// ErrEmptyCredential means no usable credential could be bound to an
	// item. The credential is bound when the item executes, so the item has
	// already taken its queue slot or fast-path permit when this is returned.
	ErrEmptyCredential = errors.New("dispatcher: empty credential")
	// ErrQueueDeadline means an item waited past its in-queue deadline.
	ErrQueueDeadline = errors.New("dispatcher: queue wait deadline exceeded")
)

// CredentialStore is the read surface the dispatcher needs from C1/C2.
type CredentialStore interface {
	ListCredentials(ctx context.Context, filter store.CredentialFilter) ([]store.Credential, error)
}

// CredentialCache is the write surface the dispatcher needs from C2.
type CredentialCache interface {
	QueueUpdate(table string, set map[string]any, whereField string, whereVal any)
	QueueInsert(table string, row store.Row)
}

// Selector is the C4 surface the dispatcher selects credentials through.
type Selector interface {
	Select(candidates []selector.Candidate, useFreeTierOnly bool, strategy selector.Strategy, rpm, tpm int64) (string, error)
}

// RateTracker is the C3 surface the dispatcher records usage through.
type RateTracker interface {
	Track(key string, reqs, tokens int64)
}

// Config configures admission, timeouts, and retry behavior.
type Config struct {
	QueueCapacity     int
	MaxConcurrency    int
	EnqueueTimeout    time.Duration
	QueueDeadline     time.Duration
	FastPathFraction  float64
	MaxRetries        int
	RetryBaseDelay    time.Duration
	Strategy          selector.Strategy
	UseFreeTierOnly   bool
	RPM               int64
	TPM               int64
	UpstreamBase      string
	SelfHealthURL     string
}

// DefaultConfig mirrors §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:    1000,
		MaxConcurrency:   2000,
		EnqueueTimeout:   5 * time.Second,
		QueueDeadline:    180 * time.Second,
		FastPathFraction: 0.2,
		MaxRetries:       8,
		RetryBaseDelay:   500 * time.Millisecond,
		Strategy:         selector.StrategyRandom,
		UpstreamBase:     "https://api.siliconflow.cn",
	}
}

// workItem is one admitted unit of dispatch work.
type workItem struct {
	id        string
	endpoint  Endpoint
	req       Request
	result    chan Result
	enqueued  time.Time
}

// Request is the inbound call the dispatcher forwards upstream.
type Request struct {
	Method   string
	Body     []byte
	Headers  http.Header
	Stream   bool
	Model    string
	Writer   http.ResponseWriter // non-nil only for streaming requests
	FreeTier bool                // caller authenticated with the free-tier token (§6)
}

// Result is what the dispatcher hands back to the HTTP layer.
type Result struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Dispatcher is the C6 admission/queue/worker-pool core.
type Dispatcher struct {
	cfg Config

	store     CredentialStore
	cache     CredentialCache
	selector  Selector
	rate      RateTracker
	validator *validator.Validator
	recent    *validator.RecentCache

	httpClient *http.Client

	queue   chan *workItem
	permits chan struct{}
	inFlight int64

	healthy atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	logger  *slog.Logger
	metrics *metrics.DispatchMetrics
}

// New builds a Dispatcher. Call Start before submitting work.
func New(cfg Config, st CredentialStore, ca CredentialCache, sel Selector, rt RateTracker,
	v *validator.Validator, recent *validator.RecentCache, log *slog.Logger) *Dispatcher {

	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = DefaultConfig().EnqueueTimeout
	}
	if cfg.QueueDeadline <= 0 {
		cfg.QueueDeadline = DefaultConfig().QueueDeadline
	}
	if cfg.FastPathFraction <= 0 {
		cfg.FastPathFraction = DefaultConfig().FastPathFraction
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}

	d := &Dispatcher{
		cfg:        cfg,
		store:      st,
		cache:      ca,
		selector:   sel,
		rate:       rt,
		validator:  v,
		recent:     recent,
		httpClient: &http.Client{Transport: newPooledTransport()},
		queue:      make(chan *workItem, cfg.QueueCapacity),
		permits:    make(chan struct{}, cfg.MaxConcurrency),
		stopCh:     make(chan struct{}),
		logger:     log,
		metrics:    metrics.DefaultRegistry().Dispatch(),
	}
	d.healthy.Store(true)
	return d
}

// Start launches the consumer loop and the self-health-check loop.
func (d *Dispatcher) Start() {
	d.wg.Add(2)
	go d.consume()
	go d.watchSelfHealth()
}

// Stop signals shutdown; in-flight items finish with their own deadlines.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Dispatch is the one call site per upstream endpoint (§4.6's public
// surface). It admits req, waits for completion (or the writer to be
// drained, for streaming), and returns the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint Endpoint, req Request) Result {
	item := &workItem{
		id:       uuid.NewString(),
		endpoint: endpoint,
		req:      req,
		result:   make(chan Result, 1),
		enqueued: time.Now(),
	}

	d.metrics.Admitted.Inc()

	if d.tryFastPath(item) {
		d.metrics.FastPathed.Inc()
		d.runItem(ctx, item)
		return <-item.result
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
	defer cancel()

	select {
	case d.queue <- item:
		d.metrics.Queued.Inc()
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
	case <-enqueueCtx.Done():
		d.metrics.Rejected.WithLabelValues("queue_full").Inc()
		return Result{StatusCode: http.StatusServiceUnavailable, Err: ErrQueueFull}
	}

	select {
	case res := <-item.result:
		return res
	case <-time.After(d.cfg.QueueDeadline):
		d.metrics.Rejected.WithLabelValues("queue_deadline").Inc()
		return Result{StatusCode: http.StatusServiceUnavailable, Err: ErrQueueDeadline}
	case <-ctx.Done():
		return Result{StatusCode: 499, Err: ctx.Err()}
	}
}

// tryFastPath inlines execution when the permit pool is mostly idle and
// nothing is already waiting, preserving every other semantic (§4.6).
func (d *Dispatcher) tryFastPath(item *workItem) bool {
	if len(d.queue) > 0 {
		return false
	}
	threshold := int(float64(d.cfg.MaxConcurrency) * d.cfg.FastPathFraction)
	if int(atomic.LoadInt64(&d.inFlight)) >= threshold {
		return false
	}
	select {
	case d.permits <- struct{}{}:
		return true
	default:
		return false
	}
}

// consume is the single queue-draining loop; each admitted item is
// launched under its own goroutine once a permit is available.
func (d *Dispatcher) consume() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case item, ok := <-d.queue:
			if !ok {
				return
			}
			select {
			case d.permits <- struct{}{}:
			case <-d.stopCh:
				item.result <- Result{StatusCode: http.StatusServiceUnavailable, Err: fmt.Errorf("dispatcher: shutting down")}
				continue
			}
			go d.runItem(context.Background(), item)
		}
	}
}

// runItem executes one item's full protocol and releases its permit.
func (d *Dispatcher) runItem(ctx context.Context, item *workItem) {
	atomic.AddInt64(&d.inFlight, 1)
	d.metrics.InFlight.Set(float64(atomic.LoadInt64(&d.inFlight)))
	defer func() {
		atomic.AddInt64(&d.inFlight, -1)
		d.metrics.InFlight.Set(float64(atomic.LoadInt64(&d.inFlight)))
		<-d.permits
	}()

	if !d.healthy.Load() {
		time.Sleep(200 * time.Millisecond)
	}

	res := d.execute(ctx, item)
	item.result <- res
}

// bindCredential selects an unbound credential via C4 and increments its
// usage_count through C2, per §4.6 step 1. freeTier forces the selector to
// zero-balance credentials only, for callers authenticated with the
// free-tier proxy token (§6).
func (d *Dispatcher) bindCredential(ctx context.Context, freeTier bool) (string, error) {
	creds, err := d.store.ListCredentials(ctx, store.CredentialFilter{EnabledOnly: true})
	if err != nil {
		return "", fmt.Errorf("dispatcher: list credentials: %w", err)
	}
	candidates := make([]selector.Candidate, 0, len(creds))
	for _, c := range creds {
		candidates = append(candidates, selector.Candidate{
			Key: c.Key, Balance: c.Balance, UsageCount: c.UsageCount,
			AddTime: c.AddTime, Enabled: c.Enabled,
		})
	}

	useFreeTier := freeTier || d.cfg.UseFreeTierOnly
	key, err := d.selector.Select(candidates, useFreeTier, d.cfg.Strategy, d.cfg.RPM, d.cfg.TPM)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", nil
	}

	d.cache.QueueUpdate(store.TableCredentials, map[string]any{
		"usage_count": store.Incr{By: 1},
	}, "key", key)

	d.logger.Debug("dispatcher bound credential", "credential", logger.Redact(key))
	return key, nil
}

// disableOrSkip applies the fallback rule of §4.6: disable the credential
// only if its recorded balance is not positive, otherwise leave it be.
func (d *Dispatcher) disableOrSkip(ctx context.Context, key string) {
	balance, ok := d.currentBalance(ctx, key)
	if ok && balance <= 0 {
		d.cache.QueueUpdate(store.TableCredentials, map[string]any{
			"is_invalid": true, "enabled": false,
		}, "key", key)
	}
}

// currentBalance looks up key's currently recorded balance, for callers
// (disableOrSkip, afterSuccess's revalidation) that need it to decide
// whether a state transition is safe to apply.
func (d *Dispatcher) currentBalance(ctx context.Context, key string) (float64, bool) {
	creds, err := d.store.ListCredentials(ctx, store.CredentialFilter{})
	if err != nil {
		return 0, false
	}
	for _, c := range creds {
		if c.Key == key {
			return c.Balance, true
		}
	}
	return 0, false
}
