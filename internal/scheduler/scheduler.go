package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/logbook/scmsync/internal/breaker"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/keys"
	"github.com/logbook/scmsync/internal/ratelimit"
)

// Store is the persistence surface the scan loop reads and writes.
type Store interface {
	// ListRepoStates returns every registered repo with per-pair sync
	// history aggregated over the trailing window.
	ListRepoStates(ctx context.Context, window time.Duration) ([]RepoState, error)
	// ListQueuedPairs returns the pairs that already have a pending or
	// running job.
	ListQueuedPairs(ctx context.Context) (map[PairKey]struct{}, error)
	// ListPausedPairs returns the pairs with an active pause record.
	ListPausedPairs(ctx context.Context, now time.Time) (map[PairKey]struct{}, error)
	// LoadBudgetSnapshot counts work in flight globally and per
	// instance/tenant.
	LoadBudgetSnapshot(ctx context.Context) (BudgetSnapshot, error)
	// EnqueueSyncJobs inserts pending jobs for the candidates, skipping
	// pairs that gained a queued job since the snapshot. Returns the
	// number actually inserted.
	EnqueueSyncJobs(ctx context.Context, cands []SyncJobCandidate, maxAttempts, leaseSeconds int) (int, error)
}

// BucketSource provides read-only token bucket snapshots.
type BucketSource interface {
	Statuses(ctx context.Context) (map[string]ratelimit.InstanceBucketStatus, error)
}

// BreakerSource evaluates circuit breakers for the given canonical keys.
type BreakerSource interface {
	Decisions(ctx context.Context, breakerKeys []string) (map[string]breaker.Decision, error)
}

// ScanResult summarizes one scheduler pass.
type ScanResult struct {
	ReposSeen  int
	Selected   int
	Enqueued   int
	Candidates []SyncJobCandidate
}

// Scanner is the periodic scheduler process.
type Scanner struct {
	store    Store
	buckets  BucketSource
	breakers BreakerSource
	cfg      Config
	window   time.Duration
	jitter   time.Duration
	now      func() time.Time
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) { s.now = now }
}

// WithHistoryWindow sets the trailing window for run-history aggregates.
func WithHistoryWindow(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.window = d }
}

// WithStartupJitter sets the maximum random delay before the first scan.
func WithStartupJitter(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.jitter = d }
}

// NewScanner wires the scheduler over its data sources.
func NewScanner(store Store, buckets BucketSource, breakers BreakerSource, cfg Config, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		store:    store,
		buckets:  buckets,
		breakers: breakers,
		cfg:      cfg,
		window:   time.Hour,
		jitter:   10 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the scan loop with jittered startup, scanning immediately
// after the jitter and then on the configured interval.
func (s *Scanner) Run(ctx context.Context) error {
	if s.jitter > 0 {
		delay := rand.N(s.jitter)
		slog.InfoContext(ctx, "scheduler starting",
			"startup_jitter", delay,
			"interval", s.cfg.ScanInterval)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if _, err := s.ScanOnce(ctx, false); err != nil {
		slog.ErrorContext(ctx, "initial scheduler scan failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx, false); err != nil {
				slog.ErrorContext(ctx, "scheduler scan failed", "error", err)
			}
		}
	}
}

// ScanOnce runs one scheduling pass. With dryRun the selected candidates
// are returned but nothing is enqueued.
func (s *Scanner) ScanOnce(ctx context.Context, dryRun bool) (ScanResult, error) {
	started := s.now().UTC()

	states, err := s.store.ListRepoStates(ctx, s.window)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to list repo states: %w", err)
	}

	queued, err := s.store.ListQueuedPairs(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to list queued pairs: %w", err)
	}

	paused, err := s.store.ListPausedPairs(ctx, started)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to list paused pairs: %w", err)
	}

	budget, err := s.store.LoadBudgetSnapshot(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to load budget snapshot: %w", err)
	}

	buckets, err := s.buckets.Statuses(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to load bucket statuses: %w", err)
	}

	decisions, err := s.breakers.Decisions(ctx, s.breakerKeys(states))
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to evaluate breakers: %w", err)
	}

	candidates := SelectJobsToEnqueue(PolicyInput{
		States:           states,
		JobTypes:         allJobTypes(),
		Config:           s.cfg,
		Now:              started,
		QueuedPairs:      queued,
		PausedPairs:      paused,
		BucketStatuses:   buckets,
		Budget:           budget,
		BreakerDecisions: decisions,
	})

	result := ScanResult{
		ReposSeen:  len(states),
		Selected:   len(candidates),
		Candidates: candidates,
	}

	if dryRun || len(candidates) == 0 {
		slog.InfoContext(ctx, "scheduler scan completed",
			"repos", result.ReposSeen,
			"selected", result.Selected,
			"enqueued", 0,
			"dry_run", dryRun,
			"duration", time.Since(started))
		return result, nil
	}

	enqueued, err := s.store.EnqueueSyncJobs(ctx, candidates, s.cfg.MaxAttempts, s.cfg.LeaseSeconds)
	if err != nil {
		return result, fmt.Errorf("failed to enqueue sync jobs: %w", err)
	}
	result.Enqueued = enqueued

	slog.InfoContext(ctx, "scheduler scan completed",
		"repos", result.ReposSeen,
		"selected", result.Selected,
		"enqueued", result.Enqueued,
		"duration", time.Since(started))
	return result, nil
}

// breakerKeys collects the canonical breaker keys binding the given repo
// set: global, plus one per distinct pool, instance and tenant.
func (s *Scanner) breakerKeys(states []RepoState) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(scope string) {
		key := keys.BuildCircuitBreakerKey(s.cfg.BreakerProjectKey, scope)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}

	add(keys.GlobalScope())
	for _, st := range states {
		if st.Pool != "" {
			add(keys.PoolScope(st.Pool))
		}
		if st.GitLabInstance != "" {
			add(keys.InstanceScope(st.GitLabInstance))
		}
		if st.TenantID != "" {
			add(keys.TenantScope(st.TenantID))
		}
	}
	return out
}

func allJobTypes() []domain.JobType {
	return []domain.JobType{
		domain.JobTypeCommits,
		domain.JobTypeMRs,
		domain.JobTypeReviews,
		domain.JobTypeSVN,
	}
}
