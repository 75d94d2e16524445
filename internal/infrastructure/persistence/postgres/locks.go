package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/logbook/scmsync/internal/domain"
)

// AcquireLock takes the (repo, job_type) coordination lock, creating the
// row on first use. Returns false when another holder's lease is still
// live.
func (s *Store) AcquireLock(ctx context.Context, repoID int64, jobType domain.JobType, holderID string, lease time.Duration) (bool, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO scm.sync_locks (repo_id, job_type, lease_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (repo_id, job_type) DO NOTHING`,
		repoID, jobType, int(lease.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to ensure lock row: %w", err)
	}

	// Take over when free or when the previous lease has lapsed.
	tag, err := s.db.Exec(ctx, `
		UPDATE scm.sync_locks
		   SET locked_by = $3, locked_at = now(), lease_seconds = $4, updated_at = now()
		 WHERE repo_id = $1 AND job_type = $2
		   AND (locked_by IS NULL
		        OR locked_at + make_interval(secs => lease_seconds) < now())`,
		repoID, jobType, holderID, int(lease.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLock frees the lock if the holder still owns it.
func (s *Store) ReleaseLock(ctx context.Context, repoID int64, jobType domain.JobType, holderID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE scm.sync_locks
		   SET locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE repo_id = $1 AND job_type = $2 AND locked_by = $3`,
		repoID, jobType, holderID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ForceReleaseLock clears a lock by id regardless of holder. Operator
// repair only.
func (s *Store) ForceReleaseLock(ctx context.Context, lockID int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE scm.sync_locks
		   SET locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE lock_id = $1`,
		lockID)
	if err != nil {
		return fmt.Errorf("failed to force-release lock %d: %w", lockID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", domain.ErrLockNotFound, lockID)
	}
	return nil
}

// ClearExpiredLocks frees every lock whose lease lapsed more than grace
// ago. Returns the number cleared.
func (s *Store) ClearExpiredLocks(ctx context.Context, grace time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE scm.sync_locks
		   SET locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE locked_by IS NOT NULL
		   AND locked_at + make_interval(secs => lease_seconds + $1) < now()`,
		grace.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountExpiredLocks reports held locks with lapsed leases.
func (s *Store) CountExpiredLocks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM scm.sync_locks
		 WHERE locked_by IS NOT NULL
		   AND locked_at + make_interval(secs => lease_seconds) < now()`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired locks: %w", err)
	}
	return count, nil
}

// ListLocks returns every lock row.
func (s *Store) ListLocks(ctx context.Context) ([]*domain.SyncLock, error) {
	rows, err := s.db.Query(ctx, `
		SELECT lock_id, repo_id, job_type, locked_by, locked_at,
		       lease_seconds, created_at, updated_at
		  FROM scm.sync_locks
		 ORDER BY lock_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	var out []*domain.SyncLock
	for rows.Next() {
		lock, err := scanSyncLock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		out = append(out, lock)
	}
	return out, rows.Err()
}
