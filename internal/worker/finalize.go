package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/logbook/scmsync/internal/cursor"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/keys"
	"github.com/logbook/scmsync/internal/redact"
)

// FinalizeParams is the single-writer payload closing a run and its job
// in one transaction.
type FinalizeParams struct {
	RunID        string
	RunStatus    domain.RunStatus
	FinishedAt   time.Time
	Counts       domain.Counts
	CursorAfter  map[string]any
	ErrorSummary map[string]any
	Degradation  map[string]any

	JobID             string
	RepoID            int64
	JobType           domain.JobType
	WorkerID          string
	JobStatus         domain.JobStatus // completed, pending (retry) or dead
	NotBefore         *time.Time       // set when JobStatus is pending
	LastError         *string          // already redacted
	AttemptsIncrement int              // 1 on failure, 0 otherwise

	// CursorValue, when non-nil, is written to the pair's cursor key in
	// the same transaction.
	CursorValue map[string]any
}

// Finalize is the only path that finishes a run, closes its job and
// advances the cursor. Losing job ownership here is not an error: the
// reaper already recovered the job and the run update was a no-op.
func (h *Harness) Finalize(ctx context.Context, job *domain.SyncJob, repo *domain.Repo, run *domain.SyncRun, cur cursor.Cursor, result RunResult) error {
	now := h.now().UTC()

	p := FinalizeParams{
		RunID:       run.ID,
		RunStatus:   result.Status,
		FinishedAt:  now,
		Counts:      result.Counts,
		Degradation: result.Degradation,
		JobID:       job.ID,
		RepoID:      job.RepoID,
		JobType:     job.JobType,
		WorkerID:    h.cfg.WorkerID,
	}

	success := result.Status != domain.RunFailed
	if success {
		p.JobStatus = domain.JobCompleted
		p.CursorValue = h.nextCursor(ctx, job, cur, result, now)
		p.CursorAfter = p.CursorValue
	} else {
		p.JobStatus, p.NotBefore, p.LastError = h.retryDisposition(job, result, now)
		p.AttemptsIncrement = 1
		p.ErrorSummary = errorSummary(result.Error)
	}

	err := h.repo.FinalizeRun(ctx, p)
	switch {
	case errors.Is(err, domain.ErrJobOwnershipLost):
		slog.WarnContext(ctx, "job ownership lost at finalize",
			"job_id", job.ID,
			"run_id", run.ID,
			"worker_id", h.cfg.WorkerID)
	case err != nil:
		return fmt.Errorf("failed to finalize run %s: %w", run.ID, err)
	}

	h.pauseBucketOn429(ctx, repo, result)
	h.recordBreakerResult(ctx, repo, result, success)

	slog.InfoContext(ctx, "run finalized",
		"run_id", run.ID,
		"job_id", job.ID,
		"repo_id", job.RepoID,
		"job_type", job.JobType,
		"run_status", result.Status,
		"job_status", p.JobStatus,
		"synced_count", result.Counts["synced_count"])
	return nil
}

// nextCursor applies the advancement predicate to the candidate
// watermark and refreshes the sync stats. A regressing or malformed
// candidate keeps the old watermark; the stats move regardless because
// the run did happen.
func (h *Harness) nextCursor(ctx context.Context, job *domain.SyncJob, cur cursor.Cursor, result RunResult, now time.Time) map[string]any {
	next := cur
	if result.CursorAfter != nil {
		advanced, err := cur.Advance(job.JobType, result.CursorAfter)
		switch {
		case err != nil:
			slog.WarnContext(ctx, "cursor candidate rejected",
				"repo_id", job.RepoID,
				"job_type", job.JobType,
				"error", err)
		case !advanced:
			slog.WarnContext(ctx, "cursor regression skipped",
				"repo_id", job.RepoID,
				"job_type", job.JobType)
		default:
			wm := make(map[string]any, len(result.CursorAfter))
			for k, v := range result.CursorAfter {
				wm[k] = v
			}
			next.Watermark = wm
		}
	}

	next.Stats.LastSyncAt = cursor.FormatTime(now)
	next.Stats.LastSyncCount = result.Counts["synced_count"]
	return next.ToDict()
}

// retryDisposition maps a failed result onto the job state machine:
// permanent categories and exhausted attempts go dead, everything else
// retries after category backoff.
func (h *Harness) retryDisposition(job *domain.SyncJob, result RunResult, now time.Time) (domain.JobStatus, *time.Time, *string) {
	category := domain.CategoryUnknown
	message := "run failed"
	if result.Error != nil {
		category = result.Error.Category
		message = result.Error.Message
	}
	note := redact.String(fmt.Sprintf("%s: %s", category, message))

	attempts := job.Attempts + 1
	if category.Permanent() || attempts >= job.MaxAttempts {
		return domain.JobDead, nil, &note
	}

	delay := domain.BackoffDelay(attempts, category, h.cfg.RetryPolicy, h.jitter)
	notBefore := now.Add(delay)
	return domain.JobPending, &notBefore, &note
}

// pauseBucketOn429 propagates a rate limit hit into the instance bucket
// so every worker backs off, not just this one.
func (h *Harness) pauseBucketOn429(ctx context.Context, repo *domain.Repo, result RunResult) {
	if h.buckets == nil || result.Error == nil || result.Error.Category != domain.CategoryRateLimited {
		return
	}
	if repo.RepoType != domain.RepoTypeGit {
		return
	}

	d := result.Error.RetryAfter
	if d <= 0 {
		d = h.cfg.RateLimitPauseDefault
	}
	instanceKey := keys.NormalizeInstanceKey(repo.URL)
	if err := h.buckets.PauseFor(ctx, instanceKey, d, "http_429"); err != nil {
		slog.ErrorContext(ctx, "failed to pause rate limit bucket",
			"instance_key", instanceKey,
			"error", err)
		return
	}
	slog.InfoContext(ctx, "rate limit bucket paused",
		"instance_key", instanceKey,
		"duration", d)
}

// recordBreakerResult feeds the outcome to every breaker scope the run
// belongs to, which drives HALF_OPEN recovery counting.
func (h *Harness) recordBreakerResult(ctx context.Context, repo *domain.Repo, result RunResult, success bool) {
	if h.breakers == nil {
		return
	}

	category := domain.ErrorCategory("")
	if result.Error != nil {
		category = result.Error.Category
	}
	for _, key := range h.breakerKeys(repo) {
		if err := h.breakers.RecordResult(ctx, key, success, category); err != nil {
			slog.ErrorContext(ctx, "failed to record breaker result",
				"breaker_key", key,
				"error", err)
		}
	}
}

// breakerKeys returns the canonical breaker keys for every scope this
// repo falls under.
func (h *Harness) breakerKeys(repo *domain.Repo) []string {
	scopes := []string{keys.GlobalScope()}
	if h.cfg.Pool != "" {
		scopes = append(scopes, keys.PoolScope(h.cfg.Pool))
	}
	if repo.RepoType == domain.RepoTypeGit {
		scopes = append(scopes, keys.InstanceScope(repo.URL))
	}
	if tenant := repo.Tenant(); tenant != "" {
		scopes = append(scopes, keys.TenantScope(tenant))
	}

	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		out = append(out, keys.BuildCircuitBreakerKey(h.cfg.BreakerProjectKey, scope))
	}
	return out
}

// errorSummary renders a RunError for the run ledger with the message
// redacted.
func errorSummary(e *RunError) map[string]any {
	if e == nil {
		return map[string]any{"category": string(domain.CategoryUnknown), "message": "run failed"}
	}
	out := map[string]any{
		"category": string(e.Category),
		"message":  redact.String(e.Message),
	}
	if e.HTTPStatus != 0 {
		out["http_status"] = e.HTTPStatus
	}
	return out
}
