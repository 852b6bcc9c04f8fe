// Package selector implements the credential selection strategy engine
// (C4): given a candidate set of enabled credentials, picks one per
// request under one of eight policies, honoring free-tier partitioning
// and rate-limit admission. Grounded on the reference select_api_key
// strategy dispatch this system was distilled from.
package selector

import (
	"errors"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"
)

// Strategy is one of the eight supported selection policies.
type Strategy string

const (
	StrategyRandom     Strategy = "random"
	StrategyHigh       Strategy = "high"
	StrategyLow        Strategy = "low"
	StrategyLeastUsed  Strategy = "least_used"
	StrategyMostUsed   Strategy = "most_used"
	StrategyOldest     Strategy = "oldest"
	StrategyNewest     Strategy = "newest"
	StrategyRoundRobin Strategy = "round_robin"
)

// ErrNoneAvailable is returned when no candidate survives filtering.
var ErrNoneAvailable = errors.New("selector: no credential available")

// Candidate is the minimal credential projection the selector needs.
type Candidate struct {
	Key        string
	Balance    float64
	UsageCount int64
	AddTime    time.Time
	Enabled    bool
}

// RateLimiter is the subset of the C3 surface the selector depends on.
type RateLimiter interface {
	Available(keys []string, rpm, tpm int64) []string
}

// Selector applies a selection strategy over a candidate set.
type Selector struct {
	rateLimiter RateLimiter
	rrCounter   uint64
}

// New creates a Selector backed by the given rate limiter.
func New(rateLimiter RateLimiter) *Selector {
	return &Selector{rateLimiter: rateLimiter}
}

// Select runs the full pipeline from §4.4: confirm enabled, partition by
// balance, restrict to the free-tier or paid set, filter by rate-limit
// admission, then apply strategy.
func (s *Selector) Select(candidates []Candidate, useFreeTierOnly bool, strategy Strategy, rpm, tpm int64) (string, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Enabled {
			eligible = append(eligible, c)
		}
	}

	var partition []Candidate
	if useFreeTierOnly {
		for _, c := range eligible {
			if c.Balance <= 0 {
				partition = append(partition, c)
			}
		}
		strategy = StrategyRandom
	} else {
		for _, c := range eligible {
			if c.Balance > 0 {
				partition = append(partition, c)
			}
		}
	}

	if len(partition) == 0 {
		return "", ErrNoneAvailable
	}

	// Stable ordering by key gives deterministic tie-breaks and a stable
	// round-robin sequence regardless of input order.
	sort.Slice(partition, func(i, j int) bool { return partition[i].Key < partition[j].Key })

	if rpm > 0 || tpm > 0 {
		keys := make([]string, len(partition))
		for i, c := range partition {
			keys[i] = c.Key
		}
		allowed := make(map[string]bool)
		for _, k := range s.rateLimiter.Available(keys, rpm, tpm) {
			allowed[k] = true
		}
		filtered := partition[:0]
		for _, c := range partition {
			if allowed[c.Key] {
				filtered = append(filtered, c)
			}
		}
		partition = filtered
	}

	if len(partition) == 0 {
		return "", ErrNoneAvailable
	}

	return s.applyStrategy(partition, strategy), nil
}

func (s *Selector) applyStrategy(candidates []Candidate, strategy Strategy) string {
	switch strategy {
	case StrategyHigh:
		return argBest(candidates, func(a, b Candidate) bool { return a.Balance > b.Balance }).Key
	case StrategyLow:
		return argBest(candidates, func(a, b Candidate) bool { return a.Balance < b.Balance }).Key
	case StrategyLeastUsed:
		return argBest(candidates, func(a, b Candidate) bool { return a.UsageCount < b.UsageCount }).Key
	case StrategyMostUsed:
		return argBest(candidates, func(a, b Candidate) bool { return a.UsageCount > b.UsageCount }).Key
	case StrategyOldest:
		return argBest(candidates, func(a, b Candidate) bool { return a.AddTime.Before(b.AddTime) }).Key
	case StrategyNewest:
		return argBest(candidates, func(a, b Candidate) bool { return a.AddTime.After(b.AddTime) }).Key
	case StrategyRoundRobin:
		i := atomic.AddUint64(&s.rrCounter, 1) - 1
		return candidates[int(i)%len(candidates)].Key
	default:
		// rand.Intn draws from the package-level, lock-protected source, so
		// this is safe under the worker pool's concurrent Select calls
		// without adding a second piece of unsynchronized Selector state.
		return candidates[rand.Intn(len(candidates))].Key
	}
}

// argBest returns the candidate for which better(candidate, current) holds
// over every other candidate, scanning in the caller's stable key order so
// ties resolve to the lexicographically first key.
func argBest(candidates []Candidate, better func(a, b Candidate) bool) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best
}
