package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStateStore struct {
	states map[string]map[string]any
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: map[string]map[string]any{}}
}

func (m *memStateStore) LoadBreakerState(ctx context.Context, canonical string, legacy []string) (map[string]any, bool, error) {
	if s, ok := m.states[canonical]; ok {
		return s, true, nil
	}
	for _, key := range legacy {
		if s, ok := m.states[key]; ok {
			return s, true, nil
		}
	}
	return nil, false, nil
}

func (m *memStateStore) SaveBreakerState(ctx context.Context, canonical string, state map[string]any) error {
	m.states[canonical] = state
	return nil
}

type stubHealth struct {
	stats map[string]HealthStats
}

func (s *stubHealth) ScopeHealthStats(ctx context.Context, scope string, window time.Duration) (HealthStats, error) {
	return s.stats[scope], nil
}

func TestManager_TripPersistsAcrossEvaluations(t *testing.T) {
	store := newMemStateStore()
	health := &stubHealth{stats: map[string]HealthStats{
		"instance:gitlab.example.com": {TotalRuns: 10, FailedRate: 0.9},
	}}

	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0.3
	cfg.EnableSmoothing = false

	clk := &fakeClock{t: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)}
	m := NewManager(store, health, cfg, WithManagerClock(clk.now))

	key := "scm:instance:gitlab.example.com"
	decisions, err := m.Decisions(context.Background(), []string{key})
	require.NoError(t, err)
	require.Equal(t, StateOpen, decisions[key].State)
	assert.False(t, decisions[key].AllowSync)

	// Health recovers, but the open duration has not elapsed: a fresh
	// manager rehydrates the OPEN state from KV.
	health.stats["instance:gitlab.example.com"] = HealthStats{TotalRuns: 10, FailedRate: 0.0}
	m2 := NewManager(store, health, cfg, WithManagerClock(clk.now))
	decisions, err = m2.Decisions(context.Background(), []string{key})
	require.NoError(t, err)
	assert.Equal(t, StateOpen, decisions[key].State)

	clk.advance(cfg.OpenDuration + time.Second)
	decisions, err = m2.Decisions(context.Background(), []string{key})
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, decisions[key].State)
	assert.True(t, decisions[key].IsProbeMode)
}

func TestManager_LegacyKeyFallback(t *testing.T) {
	store := newMemStateStore()

	// Seed the bare-scope key an older deployment wrote.
	cfg := DefaultConfig()
	cfg.EnableSmoothing = false
	clk := &fakeClock{t: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)}
	old := New("instance:gitlab.example.com", cfg, clk.now)
	old.Check(HealthStats{TotalRuns: 10, FailedRate: 1.0})
	require.Equal(t, StateOpen, old.State())
	store.states["instance:gitlab.example.com"] = old.StateDict()

	m := NewManager(store, &stubHealth{}, cfg, WithManagerClock(clk.now))
	key := "scm:instance:gitlab.example.com"
	decisions, err := m.Decisions(context.Background(), []string{key})
	require.NoError(t, err)
	assert.Equal(t, StateOpen, decisions[key].State)

	// The write went to the canonical key.
	_, ok := store.states[key]
	assert.True(t, ok)
}

func TestManager_RecordResultClosesAfterRecovery(t *testing.T) {
	store := newMemStateStore()
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0.3
	cfg.OpenDuration = time.Millisecond
	cfg.RecoverySuccessCount = 2
	cfg.EnableSmoothing = false

	clk := &fakeClock{t: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)}
	health := &stubHealth{stats: map[string]HealthStats{
		"tenant:acme": {TotalRuns: 10, FailedRate: 1.0},
	}}
	m := NewManager(store, health, cfg, WithManagerClock(clk.now))

	key := "scm:tenant:acme"
	_, err := m.Decisions(context.Background(), []string{key})
	require.NoError(t, err)

	clk.advance(time.Second)
	health.stats["tenant:acme"] = HealthStats{}
	decisions, err := m.Decisions(context.Background(), []string{key})
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, decisions[key].State)

	require.NoError(t, m.RecordResult(context.Background(), key, true, ""))
	require.NoError(t, m.RecordResult(context.Background(), key, true, ""))

	decisions, err = m.Decisions(context.Background(), []string{key})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, decisions[key].State)
}
