// Package reaper recovers state abandoned by crashed or wedged workers:
// running jobs with lapsed leases, runs that never finished, and stale
// coordination locks. Each sweep commits per row so one bad record never
// blocks the rest.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/redact"
)

// Job recovery policies for unknown error categories.
const (
	PolicyToFailed  = "to_failed"  // retry after retry_delay backoff
	PolicyToPending = "to_pending" // retry immediately
)

// Store is the persistence surface the reaper sweeps.
type Store interface {
	ExpiredRunningJobs(ctx context.Context, grace time.Duration) ([]*domain.SyncJob, error)
	ReapJob(ctx context.Context, jobID string, status domain.JobStatus, notBefore *time.Time, lastError string) error
	StuckRunningRuns(ctx context.Context, maxDuration time.Duration) ([]*domain.SyncRun, error)
	FailRunByReaper(ctx context.Context, runID string, errorSummary map[string]any) error
	ClearExpiredLocks(ctx context.Context, grace time.Duration) (int64, error)
}

// Config tunes the reaper.
type Config struct {
	Interval       time.Duration // loop interval (default 60s)
	LeaseGrace     time.Duration // slack added to job leases before reaping
	MaxRunDuration time.Duration // runs older than this are failed
	JobPolicy      string        // recovery for unknown categories
	RetryPolicy    domain.RetryPolicy
	StartupJitter  time.Duration
}

// DefaultConfig returns the stock reaper tuning.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		LeaseGrace:     30 * time.Second,
		MaxRunDuration: 2 * time.Hour,
		JobPolicy:      PolicyToFailed,
		RetryPolicy:    domain.DefaultRetryPolicy(),
		StartupJitter:  5 * time.Second,
	}
}

// Report summarizes one reaper pass.
type Report struct {
	ExpiredJobs  int
	JobsToDead   int
	JobsRetried  int
	StuckRuns    int
	RunsFailed   int
	LocksCleared int64
	Errors       int
}

// Reaper is the recovery process.
type Reaper struct {
	store  Store
	cfg    Config
	now    func() time.Time
	jitter domain.Jitter
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithJitter injects the backoff jitter source.
func WithJitter(j domain.Jitter) Option {
	return func(r *Reaper) { r.jitter = j }
}

// New creates a Reaper over the store.
func New(store Store, cfg Config, opts ...Option) *Reaper {
	r := &Reaper{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		jitter: domain.DefaultJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reap loop with jittered startup.
func (r *Reaper) Run(ctx context.Context) error {
	if r.cfg.StartupJitter > 0 {
		delay := rand.N(r.cfg.StartupJitter)
		slog.InfoContext(ctx, "reaper starting",
			"startup_jitter", delay,
			"interval", r.cfg.Interval)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if _, err := r.ReapOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "initial reap failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reap failed", "error", err)
			}
		}
	}
}

// ScanOnce is the dry-run variant: it reports what a reap would touch
// without mutating anything.
func (r *Reaper) ScanOnce(ctx context.Context) (Report, error) {
	var report Report

	jobs, err := r.store.ExpiredRunningJobs(ctx, r.cfg.LeaseGrace)
	if err != nil {
		return report, fmt.Errorf("failed to scan expired jobs: %w", err)
	}
	report.ExpiredJobs = len(jobs)
	for _, job := range jobs {
		status, _, _ := r.recovery(job)
		if status == domain.JobDead {
			report.JobsToDead++
		} else {
			report.JobsRetried++
		}
	}

	runs, err := r.store.StuckRunningRuns(ctx, r.cfg.MaxRunDuration)
	if err != nil {
		return report, fmt.Errorf("failed to scan stuck runs: %w", err)
	}
	report.StuckRuns = len(runs)

	return report, nil
}

// ReapOnce runs the three sweeps once.
func (r *Reaper) ReapOnce(ctx context.Context) (Report, error) {
	var report Report

	if err := r.reapExpiredJobs(ctx, &report); err != nil {
		return report, err
	}
	if err := r.reapStuckRuns(ctx, &report); err != nil {
		return report, err
	}

	cleared, err := r.store.ClearExpiredLocks(ctx, r.cfg.LeaseGrace)
	if err != nil {
		return report, fmt.Errorf("failed to clear expired locks: %w", err)
	}
	report.LocksCleared = cleared

	slog.InfoContext(ctx, "reap completed",
		"expired_jobs", report.ExpiredJobs,
		"jobs_to_dead", report.JobsToDead,
		"jobs_retried", report.JobsRetried,
		"stuck_runs", report.StuckRuns,
		"runs_failed", report.RunsFailed,
		"locks_cleared", report.LocksCleared,
		"errors", report.Errors)
	return report, nil
}

func (r *Reaper) reapExpiredJobs(ctx context.Context, report *Report) error {
	jobs, err := r.store.ExpiredRunningJobs(ctx, r.cfg.LeaseGrace)
	if err != nil {
		return fmt.Errorf("failed to list expired jobs: %w", err)
	}
	report.ExpiredJobs = len(jobs)

	for _, job := range jobs {
		status, notBefore, reason := r.recovery(job)

		if err := r.store.ReapJob(ctx, job.ID, status, notBefore, reason); err != nil {
			slog.ErrorContext(ctx, "failed to reap job",
				"job_id", job.ID,
				"repo_id", job.RepoID,
				"job_type", job.JobType,
				"error", err)
			report.Errors++
			continue
		}

		if status == domain.JobDead {
			report.JobsToDead++
		} else {
			report.JobsRetried++
		}
		slog.InfoContext(ctx, "reaped expired job",
			"job_id", job.ID,
			"repo_id", job.RepoID,
			"job_type", job.JobType,
			"new_status", status,
			"attempts", job.Attempts+1)
	}
	return nil
}

// recovery decides what happens to one expired job: the new status, the
// retry eligibility time, and the redacted last_error note.
func (r *Reaper) recovery(job *domain.SyncJob) (domain.JobStatus, *time.Time, string) {
	lastError := ""
	if job.LastError != nil {
		lastError = *job.LastError
	}
	category := domain.ClassifyMessage(lastError)
	attempts := job.Attempts + 1

	note := func(detail string) string {
		return redact.String(fmt.Sprintf("Reaped: lease expired (%s)%s", category, detail))
	}

	if category.Permanent() {
		return domain.JobDead, nil, note("; permanent error")
	}
	if attempts >= job.MaxAttempts {
		return domain.JobDead, nil, note("; max attempts reached")
	}

	if category == domain.CategoryUnknown && r.cfg.JobPolicy == PolicyToPending {
		now := r.now().UTC()
		return domain.JobPending, &now, note("")
	}

	delay := domain.BackoffDelay(attempts, category, r.cfg.RetryPolicy, r.jitter)
	notBefore := r.now().UTC().Add(delay)
	return domain.JobPending, &notBefore, note("")
}

func (r *Reaper) reapStuckRuns(ctx context.Context, report *Report) error {
	runs, err := r.store.StuckRunningRuns(ctx, r.cfg.MaxRunDuration)
	if err != nil {
		return fmt.Errorf("failed to list stuck runs: %w", err)
	}
	report.StuckRuns = len(runs)

	now := r.now().UTC()
	for _, run := range runs {
		summary := map[string]any{
			"error_type":      "reaper_timeout",
			"running_seconds": int64(now.Sub(run.StartedAt).Seconds()),
			"message": redact.String(fmt.Sprintf(
				"run exceeded max duration %s", r.cfg.MaxRunDuration)),
		}

		if err := r.store.FailRunByReaper(ctx, run.ID, summary); err != nil {
			slog.ErrorContext(ctx, "failed to fail stuck run",
				"run_id", run.ID,
				"repo_id", run.RepoID,
				"error", err)
			report.Errors++
			continue
		}
		report.RunsFailed++
		slog.InfoContext(ctx, "failed stuck run",
			"run_id", run.ID,
			"repo_id", run.RepoID,
			"job_type", run.JobType,
			"running_seconds", summary["running_seconds"])
	}
	return nil
}
