package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/scheduler"
)

// claimRetries bounds how often a claim retries after losing the
// running-singleton race before reporting an empty queue.
const claimRetries = 3

// EnqueueSyncJobs inserts pending jobs for the candidates in one
// transaction. The partial unique index on (repo_id, job_type) for
// active jobs turns races with concurrent schedulers into no-ops.
func (s *Store) EnqueueSyncJobs(ctx context.Context, cands []scheduler.SyncJobCandidate, maxAttempts, leaseSeconds int) (int, error) {
	var inserted int
	err := s.executeInTransaction(ctx, "enqueue_sync_jobs", func(tx *Store) error {
		for _, cand := range cands {
			payload := map[string]any{
				"reason":   cand.Reason,
				"tenant":   cand.TenantID,
				"instance": cand.Instance,
			}
			if cand.BucketPenaltyReason != "" {
				payload["bucket_penalty_reason"] = cand.BucketPenaltyReason
				payload["bucket_penalty_value"] = cand.BucketPenaltyValue
			}
			if cand.SuggestedBatchSize > 0 {
				payload["suggested_batch_size"] = cand.SuggestedBatchSize
			}
			if cand.SuggestedDiffMode != "" {
				payload["suggested_diff_mode"] = cand.SuggestedDiffMode
			}

			jobID, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("failed to generate job id: %w", err)
			}

			tag, err := tx.db.Exec(ctx, `
				INSERT INTO scm.sync_jobs
					(job_id, repo_id, job_type, mode, priority, status,
					 attempts, max_attempts, not_before, lease_seconds, payload_json)
				VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, now(), $7, $8)
				ON CONFLICT (repo_id, job_type) WHERE status IN ('pending', 'running')
				DO NOTHING`,
				jobID.String(), cand.RepoID, cand.JobType, cand.Mode, cand.Priority,
				maxAttempts, leaseSeconds, payload)
			if err != nil {
				return fmt.Errorf("failed to enqueue job for repo %d %s: %w", cand.RepoID, cand.JobType, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimNextJob claims the highest-priority eligible pending job using
// FOR UPDATE SKIP LOCKED. Returns (nil, nil) when the queue is empty.
// The NOT EXISTS guard enforces at most one running job per
// (repo, job_type), and the claim also takes the pair's sync_locks row
// for the lease duration; losing either race releases the job row and
// retries.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, leaseSeconds int) (*domain.SyncJob, error) {
	for attempt := 0; attempt < claimRetries; attempt++ {
		job, retry, err := s.tryClaim(ctx, workerID, leaseSeconds)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if !retry {
			return nil, nil
		}
	}
	return nil, nil
}

func (s *Store) tryClaim(ctx context.Context, workerID string, leaseSeconds int) (job *domain.SyncJob, retry bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+syncJobColumns+`
		  FROM scm.sync_jobs
		 WHERE status = 'pending' AND not_before <= now()
		 ORDER BY priority ASC, created_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`)
	picked, err := scanSyncJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to select pending job: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE scm.sync_jobs
		   SET status = 'running', locked_by = $2, locked_at = now(),
		       lease_seconds = $3, updated_at = now()
		 WHERE job_id = $1
		   AND NOT EXISTS (SELECT 1 FROM scm.sync_jobs
		                    WHERE repo_id = $4 AND job_type = $5
		                      AND status = 'running' AND job_id <> $1)`,
		picked.ID, workerID, leaseSeconds, picked.RepoID, picked.JobType)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark job as running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another worker already runs this pair. Release and retry.
		return nil, true, nil
	}

	locked, err := s.withTx(tx).AcquireLock(ctx, picked.RepoID, picked.JobType,
		workerID, time.Duration(leaseSeconds)*time.Second)
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock pair: %w", err)
	}
	if !locked {
		// A live lock holder still covers this pair. Release and retry.
		return nil, true, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit claim: %w", err)
	}

	now := time.Now().UTC()
	picked.Status = domain.JobRunning
	picked.LockedBy = &workerID
	picked.LockedAt = &now
	picked.LeaseSeconds = leaseSeconds
	return picked, false, nil
}

// ExtendLease refreshes the worker's lease on a running job.
func (s *Store) ExtendLease(ctx context.Context, jobID, workerID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE scm.sync_jobs
		   SET locked_at = now(), updated_at = now()
		 WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`,
		jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// ListQueuedPairs returns the pairs with a pending or running job.
func (s *Store) ListQueuedPairs(ctx context.Context) (map[scheduler.PairKey]struct{}, error) {
	rows, err := s.db.Query(ctx, `
		SELECT repo_id, job_type FROM scm.sync_jobs
		 WHERE status IN ('pending', 'running')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued pairs: %w", err)
	}
	defer rows.Close()

	out := make(map[scheduler.PairKey]struct{})
	for rows.Next() {
		var key scheduler.PairKey
		if err := rows.Scan(&key.RepoID, &key.JobType); err != nil {
			return nil, fmt.Errorf("failed to scan queued pair: %w", err)
		}
		out[key] = struct{}{}
	}
	return out, rows.Err()
}

// LoadBudgetSnapshot counts active jobs globally and per instance and
// tenant. Instance and tenant labels come from the enqueue payload.
func (s *Store) LoadBudgetSnapshot(ctx context.Context) (scheduler.BudgetSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status,
		       COALESCE(payload_json ->> 'instance', ''),
		       COALESCE(payload_json ->> 'tenant', ''),
		       COUNT(*)
		  FROM scm.sync_jobs
		 WHERE status IN ('pending', 'running')
		 GROUP BY 1, 2, 3`)
	if err != nil {
		return scheduler.BudgetSnapshot{}, fmt.Errorf("failed to load budget snapshot: %w", err)
	}
	defer rows.Close()

	snap := scheduler.BudgetSnapshot{
		ByInstance: map[string]int{},
		ByTenant:   map[string]int{},
	}
	for rows.Next() {
		var status, instance, tenant string
		var count int
		if err := rows.Scan(&status, &instance, &tenant, &count); err != nil {
			return scheduler.BudgetSnapshot{}, fmt.Errorf("failed to scan budget row: %w", err)
		}
		if status == string(domain.JobRunning) {
			snap.GlobalRunning += count
		} else {
			snap.GlobalPending += count
		}
		if instance != "" {
			snap.ByInstance[instance] += count
		}
		if tenant != "" {
			snap.ByTenant[tenant] += count
		}
	}
	return snap, rows.Err()
}

// JobFilter narrows job queries and admin repairs.
type JobFilter struct {
	JobID   *string
	RepoID  *int64
	JobType *string
	Status  *string
	Limit   int
}

func (f JobFilter) where(conds []string, args []any) ([]string, []any) {
	if f.JobID != nil {
		args = append(args, *f.JobID)
		conds = append(conds, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if f.RepoID != nil {
		args = append(args, *f.RepoID)
		conds = append(conds, fmt.Sprintf("repo_id = $%d", len(args)))
	}
	if f.JobType != nil {
		args = append(args, *f.JobType)
		conds = append(conds, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	return conds, args
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*domain.SyncJob, error) {
	conds, args := f.where(nil, nil)
	query := `SELECT ` + syncJobColumns + ` FROM scm.sync_jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CountJobsByStatus returns the queue composition.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*) FROM scm.sync_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var status domain.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// ResetDeadJobs returns dead jobs matching the filter to the pending
// state with a clean attempt budget. With dryRun only the count is
// computed.
func (s *Store) ResetDeadJobs(ctx context.Context, f JobFilter, dryRun bool) (int64, error) {
	conds, args := f.where([]string{"status = 'dead'"}, nil)
	where := strings.Join(conds, " AND ")

	if dryRun {
		var count int64
		err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM scm.sync_jobs WHERE `+where, args...).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("failed to count dead jobs: %w", err)
		}
		return count, nil
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE scm.sync_jobs
		   SET status = 'pending', attempts = 0, not_before = now(),
		       locked_by = NULL, locked_at = NULL, last_error = NULL,
		       updated_at = now()
		 WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset dead jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkJobsDead force-kills jobs matching the filter. Completed jobs are
// left alone.
func (s *Store) MarkJobsDead(ctx context.Context, f JobFilter, dryRun bool) (int64, error) {
	conds, args := f.where([]string{"status IN ('pending', 'running', 'failed')"}, nil)
	where := strings.Join(conds, " AND ")

	if dryRun {
		var count int64
		err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM scm.sync_jobs WHERE `+where, args...).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("failed to count jobs: %w", err)
		}
		return count, nil
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE scm.sync_jobs
		   SET status = 'dead', locked_by = NULL, locked_at = NULL,
		       updated_at = now()
		 WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark jobs dead: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpiredRunningJobs returns running jobs whose lease lapsed more than
// grace ago.
func (s *Store) ExpiredRunningJobs(ctx context.Context, grace time.Duration) ([]*domain.SyncJob, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+syncJobColumns+`
		  FROM scm.sync_jobs
		 WHERE status = 'running'
		   AND locked_at + make_interval(secs => lease_seconds + $1) < now()
		 ORDER BY locked_at ASC`,
		grace.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ReapJob applies one reaper recovery: move the job to status (pending
// or dead), clear the stale lease and increment attempts. Only
// still-running jobs are touched so a concurrent finisher wins cleanly.
func (s *Store) ReapJob(ctx context.Context, jobID string, status domain.JobStatus, notBefore *time.Time, lastError string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE scm.sync_jobs
		   SET status = $2, attempts = attempts + 1,
		       not_before = COALESCE($3, not_before),
		       locked_by = NULL, locked_at = NULL,
		       last_error = $4, updated_at = now()
		 WHERE job_id = $1 AND status = 'running'`,
		jobID, status, utcOrNil(notBefore), lastError)
	if err != nil {
		return fmt.Errorf("failed to reap job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}
