package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimiter struct{}

func (fakeLimiter) Available(keys []string, rpm, tpm int64) []string { return keys }

func TestSelect_HighPicksMaxBalance(t *testing.T) {
	s := New(fakeLimiter{})
	candidates := []Candidate{
		{Key: "A", Balance: 10, Enabled: true},
		{Key: "B", Balance: 0, Enabled: true},
		{Key: "C", Balance: 0, Enabled: false},
	}
	key, err := s.Select(candidates, false, StrategyHigh, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "A", key)
}

func TestSelect_FreeTierOnlyForcesRandomOverZeroBalance(t *testing.T) {
	s := New(fakeLimiter{})
	candidates := []Candidate{
		{Key: "A", Balance: 5, Enabled: true},
		{Key: "B", Balance: 0, Enabled: true},
		{Key: "C", Balance: 0, Enabled: true},
	}
	for i := 0; i < 20; i++ {
		key, err := s.Select(candidates, true, StrategyHigh, 0, 0)
		require.NoError(t, err)
		assert.NotEqual(t, "A", key, "free-tier selection must never pick a positive-balance credential")
	}
}

func TestSelect_RoundRobinCoversEachCredentialExactlyKTimes(t *testing.T) {
	s := New(fakeLimiter{})
	candidates := []Candidate{
		{Key: "A", Balance: 1, Enabled: true},
		{Key: "B", Balance: 1, Enabled: true},
		{Key: "C", Balance: 1, Enabled: true},
	}

	counts := map[string]int{}
	const rounds = 4
	for i := 0; i < rounds*len(candidates); i++ {
		key, err := s.Select(candidates, false, StrategyRoundRobin, 0, 0)
		require.NoError(t, err)
		counts[key]++
	}

	for _, c := range candidates {
		assert.Equal(t, rounds, counts[c.Key])
	}
}

func TestSelect_NoneAvailable(t *testing.T) {
	s := New(fakeLimiter{})
	_, err := s.Select(nil, false, StrategyRandom, 0, 0)
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestSelect_OldestNewest(t *testing.T) {
	s := New(fakeLimiter{})
	now := time.Now()
	candidates := []Candidate{
		{Key: "A", Balance: 1, Enabled: true, AddTime: now.Add(-time.Hour)},
		{Key: "B", Balance: 1, Enabled: true, AddTime: now},
	}

	oldest, err := s.Select(candidates, false, StrategyOldest, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "A", oldest)

	newest, err := s.Select(candidates, false, StrategyNewest, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "B", newest)
}
