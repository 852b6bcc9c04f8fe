// Package ratelimit implements the per-credential sliding-window rate
// limiter (C3): a 60-second window of (requests, tokens) samples per
// credential plus a cooldown timestamp, guarded by a single mutex and
// never held across I/O. Grounded directly on the reference
// KeyUsageTracker this system was distilled from.
package ratelimit

import (
	"sync"
	"time"

	"github.com/vitaliisemenov/llmproxy/pkg/metrics"
)

const windowDuration = 60 * time.Second

// sample is one recorded observation within the sliding window.
type sample struct {
	at     time.Time
	reqs   int64
	tokens int64
}

type keyState struct {
	history       []sample
	cooldownUntil time.Time
}

// Limiter tracks request/token usage per credential and answers admission
// checks against configurable RPM/TPM ceilings.
type Limiter struct {
	mu      sync.Mutex
	keys    map[string]*keyState
	metrics *metrics.RateLimitMetrics
	now     func() time.Time
}

// New creates an empty Limiter.
func New() *Limiter {
	return &Limiter{
		keys:    make(map[string]*keyState),
		metrics: metrics.DefaultRegistry().RateLimit(),
		now:     time.Now,
	}
}

func (l *Limiter) stateFor(key string) *keyState {
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{}
		l.keys[key] = st
		l.metrics.TrackedKeys.Set(float64(len(l.keys)))
	}
	return st
}

// Track records one observation (reqs requests, tokens tokens) against key,
// then drops samples older than the 60-second window.
func (l *Limiter) Track(key string, reqs, tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.stateFor(key)
	st.history = append(st.history, sample{at: now, reqs: reqs, tokens: tokens})
	st.history = dropExpired(st.history, now)
}

// Check reports whether key may admit one more request given rpm/tpm
// ceilings (0 disables that axis). A cooldown already in force denies
// without recomputation. Breaching either configured limit arms a fresh
// 60-second cooldown.
func (l *Limiter) Check(key string, rpm, tpm int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.stateFor(key)

	if !st.cooldownUntil.IsZero() && now.Before(st.cooldownUntil) {
		return false
	}

	st.history = dropExpired(st.history, now)
	curRPM, curTPM := sumHistory(st.history)

	if (rpm > 0 && curRPM >= rpm) || (tpm > 0 && curTPM >= tpm) {
		st.cooldownUntil = now.Add(windowDuration)
		axis := "rpm"
		if tpm > 0 && curTPM >= tpm {
			axis = "tpm"
		}
		l.metrics.CooldownsArmed.Inc()
		l.metrics.Denied.WithLabelValues(axis).Inc()
		return false
	}

	return true
}

// Available filters keys down to those currently passing Check, without
// arming new cooldowns for keys this limiter has never seen before (a key
// with no recorded history and a configured limit trivially passes).
func (l *Limiter) Available(keys []string, rpm, tpm int64) []string {
	l.mu.Lock()
	now := l.now()
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		_, seen[k] = l.keys[k]
	}
	l.mu.Unlock()

	result := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			result = append(result, k)
			continue
		}
		if l.Check(k, rpm, tpm) {
			result = append(result, k)
		}
	}
	return result
}

// CurrentRates returns the current RPM/TPM sums for key, for diagnostics
// and the property tests in the spec's invariant 3.
func (l *Limiter) CurrentRates(key string) (rpm, tpm int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.keys[key]
	if !ok {
		return 0, 0
	}
	now := l.now()
	st.history = dropExpired(st.history, now)
	return sumHistory(st.history)
}

func dropExpired(history []sample, now time.Time) []sample {
	cutoff := now.Add(-windowDuration)
	kept := history[:0]
	for _, s := range history {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

func sumHistory(history []sample) (reqs, tokens int64) {
	for _, s := range history {
		reqs += s.reqs
		tokens += s.tokens
	}
	return reqs, tokens
}
