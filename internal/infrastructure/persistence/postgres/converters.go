package postgres

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/logbook/scmsync/internal/domain"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// syncJobColumns is the select list every job query shares, in the order
// scanSyncJob expects.
const syncJobColumns = `job_id, repo_id, job_type, mode, priority, status,
	attempts, max_attempts, not_before, locked_by, locked_at,
	lease_seconds, last_error, last_run_id, payload_json,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncJob(row rowScanner) (*domain.SyncJob, error) {
	var job domain.SyncJob
	var lastRunID *string
	err := row.Scan(
		&job.ID, &job.RepoID, &job.JobType, &job.Mode, &job.Priority, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.NotBefore, &job.LockedBy, &job.LockedAt,
		&job.LeaseSeconds, &job.LastError, &lastRunID, &job.Payload,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.LastRunID = lastRunID
	return &job, nil
}

const syncRunColumns = `run_id, repo_id, job_type, mode, status,
	started_at, finished_at, cursor_before, cursor_after, counts,
	error_summary_json, degradation_json, meta_json`

func scanSyncRun(row rowScanner) (*domain.SyncRun, error) {
	var run domain.SyncRun
	err := row.Scan(
		&run.ID, &run.RepoID, &run.JobType, &run.Mode, &run.Status,
		&run.StartedAt, &run.FinishedAt, &run.CursorBefore, &run.CursorAfter, &run.Counts,
		&run.ErrorSummary, &run.Degradation, &run.Meta,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func scanSyncLock(row rowScanner) (*domain.SyncLock, error) {
	var lock domain.SyncLock
	err := row.Scan(
		&lock.ID, &lock.RepoID, &lock.JobType, &lock.LockedBy, &lock.LockedAt,
		&lock.LeaseSeconds, &lock.CreatedAt, &lock.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
