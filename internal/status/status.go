// Package status builds read-only snapshots of the sync control plane
// for the CLI and for Prometheus scraping. Collection never takes row
// locks.
package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/logbook/scmsync/internal/breaker"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/infrastructure/persistence/postgres"
	"github.com/logbook/scmsync/internal/ratelimit"
	"github.com/logbook/scmsync/internal/scheduler"
)

// Store is the read surface the collector queries.
type Store interface {
	CountRepos(ctx context.Context) (int64, error)
	CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int64, error)
	CountExpiredLocks(ctx context.Context) (int64, error)
	ScopeHealthStats(ctx context.Context, scope string, window time.Duration) (breaker.HealthStats, error)
	LoadBudgetSnapshot(ctx context.Context) (scheduler.BudgetSnapshot, error)
	ListRepoStates(ctx context.Context, window time.Duration) ([]scheduler.RepoState, error)
	ListBreakerStates(ctx context.Context) (map[string]map[string]any, error)
	ListPauses(ctx context.Context) ([]postgres.PauseEntry, error)
	ListJobs(ctx context.Context, f postgres.JobFilter) ([]*domain.SyncJob, error)
}

// BucketSource reads rate limit bucket snapshots.
type BucketSource interface {
	Statuses(ctx context.Context) (map[string]ratelimit.InstanceBucketStatus, error)
}

// RepoLag is one entry of the top-lag list.
type RepoLag struct {
	RepoID     int64          `json:"repo_id"`
	RepoType   domain.RepoType `json:"repo_type"`
	JobType    domain.JobType `json:"job_type"`
	LagSeconds int64          `json:"lag_seconds"`
}

// RetryBackoff is one pending job waiting out its backoff.
type RetryBackoff struct {
	InstanceKey    string         `json:"instance_key"`
	TenantID       string         `json:"tenant_id"`
	JobType        domain.JobType `json:"job_type"`
	BackoffSeconds int64          `json:"backoff_seconds"`
}

// Summary is the aggregate snapshot.
type Summary struct {
	GeneratedAt   time.Time `json:"generated_at"`
	WindowMinutes int       `json:"window_minutes"`

	ReposTotal   int64                       `json:"repos_total"`
	JobsByStatus map[domain.JobStatus]int64  `json:"jobs_by_status"`
	ExpiredLocks int64                       `json:"expired_locks"`

	WindowFailedRate    float64 `json:"window_failed_rate"`
	WindowRateLimitRate float64 `json:"window_rate_limit_rate"`

	QueueByInstance map[string]int `json:"queue_by_instance"`
	QueueByTenant   map[string]int `json:"queue_by_tenant"`

	TopLag []RepoLag `json:"top_lag"`

	Breakers       map[string]string                          `json:"breakers"`
	Buckets        map[string]ratelimit.InstanceBucketStatus  `json:"buckets"`
	PausesByReason map[string]int                             `json:"pauses_by_reason"`
	RetryBackoffs  []RetryBackoff                             `json:"retry_backoffs"`
}

// Collector assembles summaries.
type Collector struct {
	store   Store
	buckets BucketSource // optional
	now     func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithBuckets attaches the rate limit bucket store.
func WithBuckets(b BucketSource) Option {
	return func(c *Collector) { c.buckets = b }
}

// NewCollector creates a Collector over the store.
func NewCollector(store Store, opts ...Option) *Collector {
	c := &Collector{store: store, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Summary collects the aggregate snapshot over the trailing window.
// topLag bounds the lag list; zero means 10.
func (c *Collector) Summary(ctx context.Context, window time.Duration, topLag int) (*Summary, error) {
	if topLag <= 0 {
		topLag = 10
	}
	now := c.now().UTC()
	s := &Summary{
		GeneratedAt:   now,
		WindowMinutes: int(window.Minutes()),
	}

	var err error
	if s.ReposTotal, err = c.store.CountRepos(ctx); err != nil {
		return nil, fmt.Errorf("failed to count repos: %w", err)
	}
	if s.JobsByStatus, err = c.store.CountJobsByStatus(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	if s.ExpiredLocks, err = c.store.CountExpiredLocks(ctx); err != nil {
		return nil, fmt.Errorf("failed to count expired locks: %w", err)
	}

	health, err := c.store.ScopeHealthStats(ctx, "global", window)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate window health: %w", err)
	}
	s.WindowFailedRate = health.FailedRate
	s.WindowRateLimitRate = health.RateLimitRate

	budget, err := c.store.LoadBudgetSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue composition: %w", err)
	}
	s.QueueByInstance = budget.ByInstance
	s.QueueByTenant = budget.ByTenant

	if s.TopLag, err = c.topLag(ctx, window, topLag, now); err != nil {
		return nil, err
	}
	if s.Breakers, err = c.breakerStates(ctx); err != nil {
		return nil, err
	}
	if s.PausesByReason, err = c.pausesByReason(ctx, now); err != nil {
		return nil, err
	}
	if s.RetryBackoffs, err = c.retryBackoffs(ctx, now); err != nil {
		return nil, err
	}

	if c.buckets != nil {
		if s.Buckets, err = c.buckets.Statuses(ctx); err != nil {
			return nil, fmt.Errorf("failed to read bucket statuses: %w", err)
		}
	}
	return s, nil
}

// topLag ranks pairs by cursor age, never-synced pairs first.
func (c *Collector) topLag(ctx context.Context, window time.Duration, limit int, now time.Time) ([]RepoLag, error) {
	states, err := c.store.ListRepoStates(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("failed to list repo states: %w", err)
	}

	var lags []RepoLag
	for _, state := range states {
		for jobType, pair := range state.Pairs {
			lag := RepoLag{RepoID: state.RepoID, RepoType: state.RepoType, JobType: jobType}
			if pair.CursorUpdatedAt == nil {
				lag.LagSeconds = -1 // never synced
			} else {
				lag.LagSeconds = int64(now.Sub(*pair.CursorUpdatedAt).Seconds())
			}
			lags = append(lags, lag)
		}
	}

	sort.Slice(lags, func(i, j int) bool {
		li, lj := lags[i], lags[j]
		if (li.LagSeconds < 0) != (lj.LagSeconds < 0) {
			return li.LagSeconds < 0
		}
		if li.LagSeconds != lj.LagSeconds {
			return li.LagSeconds > lj.LagSeconds
		}
		if li.RepoID != lj.RepoID {
			return li.RepoID < lj.RepoID
		}
		return li.JobType < lj.JobType
	})
	if len(lags) > limit {
		lags = lags[:limit]
	}
	return lags, nil
}

func (c *Collector) breakerStates(ctx context.Context) (map[string]string, error) {
	states, err := c.store.ListBreakerStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list breaker states: %w", err)
	}

	out := make(map[string]string, len(states))
	for key, dict := range states {
		state, _ := dict["state"].(string)
		if state == "" {
			state = string(breaker.StateClosed)
		}
		out[key] = state
	}
	return out, nil
}

func (c *Collector) pausesByReason(ctx context.Context, now time.Time) (map[string]int, error) {
	pauses, err := c.store.ListPauses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pauses: %w", err)
	}

	out := map[string]int{}
	for _, p := range pauses {
		if !p.Record.Active(now) {
			continue
		}
		code := p.Record.ReasonCode
		if code == "" {
			code = "unspecified"
		}
		out[code]++
	}
	return out, nil
}

// retryBackoffs lists pending jobs still waiting out their not_before.
func (c *Collector) retryBackoffs(ctx context.Context, now time.Time) ([]RetryBackoff, error) {
	pending := string(domain.JobPending)
	jobs, err := c.store.ListJobs(ctx, postgres.JobFilter{Status: &pending, Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	var out []RetryBackoff
	for _, job := range jobs {
		remaining := job.NotBefore.Sub(now)
		if remaining <= 0 {
			continue
		}
		b := RetryBackoff{JobType: job.JobType, BackoffSeconds: int64(remaining.Seconds())}
		if job.Payload != nil {
			if v, ok := job.Payload["instance"].(string); ok {
				b.InstanceKey = v
			}
			if v, ok := job.Payload["tenant"].(string); ok {
				b.TenantID = v
			}
		}
		out = append(out, b)
	}
	return out, nil
}
