package breaker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/logbook/scmsync/internal/domain"
)

// StateStore persists breaker state dicts, canonical key first with
// legacy fallback on read.
type StateStore interface {
	LoadBreakerState(ctx context.Context, canonical string, legacy []string) (map[string]any, bool, error)
	SaveBreakerState(ctx context.Context, canonical string, state map[string]any) error
}

// HealthSource aggregates run health for one scope selector over the
// trailing window.
type HealthSource interface {
	ScopeHealthStats(ctx context.Context, scope string, window time.Duration) (HealthStats, error)
}

// Manager evaluates one controller per canonical key: hydrate the state
// dict from KV, feed the windowed health aggregate through Check, and
// persist the resulting state. Controllers never share state across
// keys; concurrent managers converge last-writer-wins.
type Manager struct {
	store  StateStore
	health HealthSource
	cfg    Config
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock injects a clock for deterministic tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager wires breaker evaluation over its persistence and health
// sources.
func NewManager(store StateStore, health HealthSource, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		health: health,
		cfg:    cfg.Normalize(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Decisions evaluates every given canonical key and returns the decision
// map the scheduler applies.
func (m *Manager) Decisions(ctx context.Context, breakerKeys []string) (map[string]Decision, error) {
	window := time.Duration(m.cfg.WindowMinutes) * time.Minute

	out := make(map[string]Decision, len(breakerKeys))
	for _, key := range breakerKeys {
		ctrl, err := m.load(ctx, key)
		if err != nil {
			return nil, err
		}

		stats, err := m.health.ScopeHealthStats(ctx, scopeOf(key), window)
		if err != nil {
			return nil, err
		}

		decision := ctrl.Check(stats)
		if err := m.store.SaveBreakerState(ctx, key, ctrl.StateDict()); err != nil {
			return nil, err
		}

		if decision.State != StateClosed {
			slog.InfoContext(ctx, "breaker not closed",
				"key", key,
				"state", decision.State,
				"trigger_reason", decision.TriggerReason,
				"allow_sync", decision.AllowSync)
		}
		out[key] = decision
	}
	return out, nil
}

// RecordResult loads the controller for a key, records one outcome, and
// persists the new state. Used by workers after each run on the scopes
// that were in probe mode.
func (m *Manager) RecordResult(ctx context.Context, key string, success bool, category domain.ErrorCategory) error {
	ctrl, err := m.load(ctx, key)
	if err != nil {
		return err
	}
	ctrl.RecordResult(success, category)
	return m.store.SaveBreakerState(ctx, key, ctrl.StateDict())
}

func (m *Manager) load(ctx context.Context, key string) (*Controller, error) {
	ctrl := New(key, m.cfg, m.now)

	state, found, err := m.store.LoadBreakerState(ctx, key, legacyKeysOf(key))
	if err != nil {
		return nil, err
	}
	if found {
		ctrl.LoadStateDict(state)
	}
	return ctrl, nil
}

// scopeOf strips the project prefix from a canonical key, leaving the
// scope selector the health aggregation understands.
func scopeOf(key string) string {
	_, scope, ok := strings.Cut(key, ":")
	if !ok {
		return key
	}
	return scope
}

// legacyKeysOf returns the read fallbacks for a canonical key: the bare
// scope older deployments wrote.
func legacyKeysOf(key string) []string {
	return []string{scopeOf(key)}
}
