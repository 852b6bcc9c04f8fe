// Package scheduler implements the credential refresh scheduler (C7): a
// periodic single-flight ticker that re-validates every credential in
// parallel each tick and commits the resulting state transitions through
// C2. Grounded on the warmup/ticker/single-flight shape of the teacher's
// DefaultRefreshManager background worker and its fixed-backoff retry loop.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitaliisemenov/llmproxy/internal/store"
	"github.com/vitaliisemenov/llmproxy/internal/validator"
	"github.com/vitaliisemenov/llmproxy/pkg/logger"
	"github.com/vitaliisemenov/llmproxy/pkg/metrics"
)

const (
	tickDeadline  = 5 * time.Minute
	maxTickRetries = 3
	tickRetryDelay = 10 * time.Second
	// fanoutRate throttles per-credential validation probes within a tick
	// so a large pool does not open hundreds of simultaneous upstream
	// connections in the same instant.
	fanoutRate  = 20 // probes per second
	fanoutBurst = 20
)

// CredentialReader is the C1/C2 read surface the scheduler needs.
type CredentialReader interface {
	ListCredentials(ctx context.Context, filter store.CredentialFilter) ([]store.Credential, error)
}

// CredentialWriter is the C2 write surface the scheduler commits state
// transitions through.
type CredentialWriter interface {
	QueueUpdate(table string, set map[string]any, whereField string, whereVal any)
}

// Scheduler runs the periodic credential refresh tick.
type Scheduler struct {
	reader CredentialReader
	writer CredentialWriter
	v      *validator.Validator

	mu         sync.Mutex
	interval   time.Duration
	inProgress bool

	intervalCh chan time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	logger  *slog.Logger
	metrics *metrics.SchedulerMetrics
}

// New creates a Scheduler. An interval of 0 disables periodic ticking
// entirely (Start becomes a no-op until SetInterval is called with a
// positive value).
func New(reader CredentialReader, writer CredentialWriter, v *validator.Validator, interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		reader:     reader,
		writer:     writer,
		v:          v,
		interval:   interval,
		intervalCh: make(chan time.Duration, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     log,
		metrics:    metrics.DefaultRegistry().Scheduler(),
	}
}

// Start launches the background ticking goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the scheduler to exit, segmenting any in-progress sleep so
// shutdown is responsive rather than waiting out a full interval.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// SetInterval changes the tick cadence; C8 calls this on a live config
// update and the running ticker restarts on its next loop iteration.
func (s *Scheduler) SetInterval(d time.Duration) {
	select {
	case s.intervalCh <- d:
	default:
		// drain and replace, keeping only the most recent request
		select {
		case <-s.intervalCh:
		default:
		}
		s.intervalCh <- d
	}
}

// TriggerNow runs one refresh tick outside the regular cadence (the admin
// bulk-refresh endpoint's entry point), sharing the same single-flight
// guard as the periodic path.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	return s.tickWithRetry(ctx)
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	interval := s.interval
	for {
		if interval <= 0 {
			select {
			case <-s.stopCh:
				return
			case interval = <-s.intervalCh:
				continue
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case newInterval := <-s.intervalCh:
			timer.Stop()
			interval = newInterval
			continue
		case <-timer.C:
			if err := s.tickWithRetry(context.Background()); err != nil {
				s.logger.Error("scheduler tick failed after retries", "error", err)
			}
		}
	}
}

// tickWithRetry runs one tick, retrying the whole tick up to maxTickRetries
// times with a fixed delay if the tick itself reports failure (an error
// from ListCredentials, not an individual credential's validation
// outcome — per-credential failures never abort a tick, and their updates
// are only queued on the cache, which reports no error here).
func (s *Scheduler) tickWithRetry(ctx context.Context) error {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		s.logger.Debug("refresh tick already in progress, skipping")
		return nil
	}
	s.inProgress = true
	s.metrics.InProgress.Set(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
		s.metrics.InProgress.Set(0)
	}()

	var lastErr error
	for attempt := 1; attempt <= maxTickRetries; attempt++ {
		tickCtx, cancel := context.WithTimeout(ctx, tickDeadline)
		err := s.tick(tickCtx)
		cancel()
		if err == nil {
			s.metrics.TicksTotal.WithLabelValues("success").Inc()
			return nil
		}
		lastErr = err
		s.logger.Warn("refresh tick attempt failed", "attempt", attempt, "error", err)
		if attempt < maxTickRetries {
			select {
			case <-time.After(tickRetryDelay):
			case <-ctx.Done():
				s.metrics.TicksTotal.WithLabelValues("failure").Inc()
				return ctx.Err()
			}
		}
	}
	s.metrics.TicksTotal.WithLabelValues("failure").Inc()
	return lastErr
}

// tick reads every credential, validates them in parallel (throttled),
// applies the §4.5 state-effect rules, and commits through C2.
func (s *Scheduler) tick(ctx context.Context) error {
	start := time.Now()
	defer func() { s.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	creds, err := s.reader.ListCredentials(ctx, store.CredentialFilter{})
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(fanoutRate), fanoutBurst)

	var wg sync.WaitGroup
	for _, c := range creds {
		c := c
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.refreshOne(ctx, c)
		}()
	}
	wg.Wait()

	return nil
}

func (s *Scheduler) refreshOne(ctx context.Context, c store.Credential) {
	outcome := s.v.Validate(ctx, c.Key)
	s.metrics.CredentialsTouch.Inc()

	effect := validator.StateEffect(c.Balance, outcome)
	if effect == nil {
		s.logger.Debug("refresh left credential state unchanged",
			"credential", logger.Redact(c.Key), "transient", outcome.Transient)
		return
	}
	s.writer.QueueUpdate(store.TableCredentials, effect, "key", c.Key)
}
