// Package worker runs the claim/heartbeat/finalize loop around the sync
// adapters. Each harness process hosts N concurrent loops; all
// coordination with other processes goes through Postgres.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/logbook/scmsync/internal/cursor"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/keys"
)

// Repository is the persistence surface the harness drives.
type Repository interface {
	ClaimNextJob(ctx context.Context, workerID string, leaseSeconds int) (*domain.SyncJob, error)
	ExtendLease(ctx context.Context, jobID, workerID string) error
	GetRepo(ctx context.Context, repoID int64) (*domain.Repo, error)
	LoadCursor(ctx context.Context, repoID int64, jobType domain.JobType) (cursor.Cursor, error)
	InsertRunStart(ctx context.Context, run *domain.SyncRun) error
	FinalizeRun(ctx context.Context, p FinalizeParams) error
}

// BucketPauser pauses a GitLab instance bucket, used on HTTP 429.
type BucketPauser interface {
	PauseFor(ctx context.Context, instanceKey string, d time.Duration, source string) error
}

// BreakerRecorder feeds run outcomes into circuit breaker recovery
// counting.
type BreakerRecorder interface {
	RecordResult(ctx context.Context, key string, success bool, category domain.ErrorCategory) error
}

// Config tunes the harness.
type Config struct {
	WorkerID          string // defaults to a generated id
	Pool              string // worker pool label, empty for the default fleet
	Concurrency       int
	PollInterval      time.Duration // sleep when the queue is empty
	LeaseSeconds      int
	HeartbeatInterval time.Duration // defaults to lease/3

	// Overlap re-read windows passed to the adapters.
	OverlapWindow    time.Duration
	OverlapRevisions int64

	RetryPolicy       domain.RetryPolicy
	BreakerProjectKey string

	// RateLimitPauseDefault is used on 429 without a Retry-After header.
	RateLimitPauseDefault time.Duration
}

// DefaultConfig returns the stock harness tuning.
func DefaultConfig() Config {
	return Config{
		Concurrency:           4,
		PollInterval:          5 * time.Second,
		LeaseSeconds:          300,
		OverlapWindow:         10 * time.Minute,
		OverlapRevisions:      10,
		RetryPolicy:           domain.DefaultRetryPolicy(),
		BreakerProjectKey:     "scm",
		RateLimitPauseDefault: time.Minute,
	}
}

// Harness is the worker process.
type Harness struct {
	repo     Repository
	adapters Registry
	buckets  BucketPauser    // optional
	breakers BreakerRecorder // optional
	cfg      Config
	now      func() time.Time
	jitter   domain.Jitter
}

// Option configures a Harness.
type Option func(*Harness)

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(h *Harness) { h.now = now }
}

// WithJitter injects the backoff jitter source.
func WithJitter(j domain.Jitter) Option {
	return func(h *Harness) { h.jitter = j }
}

// WithBuckets attaches the rate limit bucket store.
func WithBuckets(b BucketPauser) Option {
	return func(h *Harness) { h.buckets = b }
}

// WithBreakers attaches the circuit breaker recorder.
func WithBreakers(b BreakerRecorder) Option {
	return func(h *Harness) { h.breakers = b }
}

// New creates a Harness over the repository and adapter registry.
func New(repo Repository, adapters Registry, cfg Config, opts ...Option) *Harness {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Duration(cfg.LeaseSeconds) * time.Second / 3
	}
	h := &Harness{
		repo:     repo,
		adapters: adapters,
		cfg:      cfg,
		now:      time.Now,
		jitter:   domain.DefaultJitter,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts Concurrency claim loops and blocks until the context is
// cancelled. Shutdown is cooperative: in-flight jobs finalize normally,
// anything abandoned is recovered by the reaper.
func (h *Harness) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "worker starting",
		"worker_id", h.cfg.WorkerID,
		"pool", h.cfg.Pool,
		"concurrency", h.cfg.Concurrency,
		"lease_seconds", h.cfg.LeaseSeconds)

	var wg sync.WaitGroup
	for i := 0; i < h.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runLoop(ctx)
		}()
	}
	wg.Wait()

	slog.InfoContext(ctx, "worker stopped", "worker_id", h.cfg.WorkerID)
	return ctx.Err()
}

func (h *Harness) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := h.RunProcessOnce(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "process iteration failed",
				"worker_id", h.cfg.WorkerID,
				"error", err)
		}
		if processed {
			continue
		}

		timer := time.NewTimer(h.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunProcessOnce claims and processes a single job with heartbeat and
// panic recovery. It reports whether a job was claimed; infrastructure
// errors before the run row exists are returned and left to the reaper.
func (h *Harness) RunProcessOnce(ctx context.Context) (bool, error) {
	job, err := h.repo.ClaimNextJob(ctx, h.cfg.WorkerID, h.cfg.LeaseSeconds)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	slog.InfoContext(ctx, "claimed job",
		"job_id", job.ID,
		"repo_id", job.RepoID,
		"job_type", job.JobType,
		"mode", job.Mode,
		"worker_id", h.cfg.WorkerID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go h.runHeartbeat(heartbeatCtx, job.ID)

	return true, h.processJob(ctx, job)
}

// runHeartbeat periodically extends the lease until the job finalizes.
func (h *Harness) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.repo.ExtendLease(ctx, jobID, h.cfg.WorkerID); err != nil {
				slog.WarnContext(ctx, "heartbeat failed",
					"job_id", jobID,
					"worker_id", h.cfg.WorkerID,
					"error", err)
				return
			}
		}
	}
}

// processJob loads the run inputs, opens the ledger row, dispatches the
// adapter and finalizes. The lease protocol holds no transaction across
// the adapter call.
func (h *Harness) processJob(ctx context.Context, job *domain.SyncJob) error {
	repo, err := h.repo.GetRepo(ctx, job.RepoID)
	if err != nil {
		return fmt.Errorf("failed to load repo %d: %w", job.RepoID, err)
	}
	cur, err := h.repo.LoadCursor(ctx, job.RepoID, job.JobType)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate run id: %w", err)
	}

	run := &domain.SyncRun{
		ID:           runID.String(),
		RepoID:       job.RepoID,
		JobType:      job.JobType,
		Mode:         job.Mode,
		Status:       domain.RunRunning,
		StartedAt:    h.now().UTC(),
		CursorBefore: cur.ToDict(),
		Meta:         h.runMeta(repo),
	}
	if err := h.repo.InsertRunStart(ctx, run); err != nil {
		return fmt.Errorf("failed to insert run start: %w", err)
	}

	result := h.executeWithRecovery(ctx, SyncRequest{Job: job, Repo: repo, Cursor: cur})
	return h.Finalize(ctx, job, repo, run, cur, result)
}

// runMeta builds the run metadata labels that scope-level health
// aggregation filters on.
func (h *Harness) runMeta(repo *domain.Repo) map[string]any {
	meta := map[string]any{"worker_id": h.cfg.WorkerID}
	if repo.RepoType == domain.RepoTypeGit {
		meta["instance"] = keys.NormalizeInstanceKey(repo.URL)
	}
	if tenant := repo.Tenant(); tenant != "" {
		meta["tenant"] = tenant
	}
	if h.cfg.Pool != "" {
		meta["pool"] = h.cfg.Pool
	}
	return meta
}

// executeWithRecovery dispatches the adapter, converting a panic into a
// failed RunResult with the stack logged.
func (h *Harness) executeWithRecovery(ctx context.Context, req SyncRequest) (result RunResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "adapter panicked",
				"job_id", req.Job.ID,
				"repo_id", req.Job.RepoID,
				"job_type", req.Job.JobType,
				"panic", r,
				"stack", string(debug.Stack()))
			result = Failed(RunError{
				Category: domain.CategoryUnknown,
				Message:  fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	adapter, ok := h.adapters[req.Job.JobType]
	if !ok {
		return Failed(RunError{
			Category: domain.CategoryValidation,
			Message:  fmt.Sprintf("no adapter registered for job type %q", req.Job.JobType),
		})
	}
	return adapter(ctx, req)
}
