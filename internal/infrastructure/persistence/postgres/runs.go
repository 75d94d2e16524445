package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/logbook/scmsync/internal/breaker"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/keys"
	"github.com/logbook/scmsync/internal/worker"
)

// InsertRunStart appends a running row to the ledger. Meta carries the
// instance, tenant and pool labels that scope-level health aggregation
// filters on.
func (s *Store) InsertRunStart(ctx context.Context, run *domain.SyncRun) error {
	meta := run.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	if s.workerPool != "" {
		meta["pool"] = s.workerPool
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO scm.sync_runs
			(run_id, repo_id, job_type, mode, status, started_at,
			 cursor_before, counts, meta_json)
		VALUES ($1, $2, $3, $4, 'running', $5, $6, $7, $8)`,
		run.ID, run.RepoID, run.JobType, run.Mode, run.StartedAt.UTC(),
		run.CursorBefore, orEmptyCounts(run.Counts), meta)
	if err != nil {
		return fmt.Errorf("failed to insert run start: %w", err)
	}
	return nil
}

// FinalizeRun finishes a run, closes its job, releases the pair lock and
// optionally advances the cursor, all in one transaction. It is
// idempotent: once the run has left the running state, re-invocation
// changes nothing.
func (s *Store) FinalizeRun(ctx context.Context, p worker.FinalizeParams) error {
	return s.executeInTransaction(ctx, "finalize_run", func(tx *Store) error {
		tag, err := tx.db.Exec(ctx, `
			UPDATE scm.sync_runs
			   SET status = $2, finished_at = $3, counts = $4,
			       cursor_after = $5, error_summary_json = $6, degradation_json = $7
			 WHERE run_id = $1 AND status = 'running'`,
			p.RunID, p.RunStatus, p.FinishedAt.UTC(), orEmptyCounts(p.Counts),
			p.CursorAfter, p.ErrorSummary, p.Degradation)
		if err != nil {
			return fmt.Errorf("failed to finish run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already finalized, or reaped from under us.
			return nil
		}

		tag, err = tx.db.Exec(ctx, `
			UPDATE scm.sync_jobs
			   SET status = $3, last_run_id = $1,
			       attempts = attempts + $7,
			       not_before = COALESCE($4, not_before),
			       locked_by = NULL, locked_at = NULL,
			       last_error = $5, updated_at = now()
			 WHERE job_id = $2 AND locked_by = $6`,
			p.RunID, p.JobID, p.JobStatus, utcOrNil(p.NotBefore), p.LastError, p.WorkerID,
			p.AttemptsIncrement)
		if err != nil {
			return fmt.Errorf("failed to close job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrJobOwnershipLost
		}

		if err := tx.ReleaseLock(ctx, p.RepoID, p.JobType, p.WorkerID); err != nil {
			return err
		}

		if p.CursorValue != nil {
			if err := tx.KVSet(ctx, tx.cursorNamespace(),
				keys.BuildCursorKey(p.RepoID, p.JobType), p.CursorValue); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunFilter narrows run queries.
type RunFilter struct {
	RepoID  *int64
	JobType *string
	Status  *string
	Limit   int
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*domain.SyncRun, error) {
	var conds []string
	var args []any
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

	query := `SELECT ` + syncRunColumns + ` FROM scm.sync_runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// StuckRunningRuns returns runs that have been running longer than
// maxDuration.
func (s *Store) StuckRunningRuns(ctx context.Context, maxDuration time.Duration) ([]*domain.SyncRun, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+syncRunColumns+`
		  FROM scm.sync_runs
		 WHERE status = 'running'
		   AND started_at + make_interval(secs => $1) < now()
		 ORDER BY started_at ASC`,
		maxDuration.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stuck run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// FailRunByReaper marks a stuck run failed with the given error summary.
// Only still-running rows are touched.
func (s *Store) FailRunByReaper(ctx context.Context, runID string, errorSummary map[string]any) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE scm.sync_runs
		   SET status = 'failed', finished_at = now(), error_summary_json = $2
		 WHERE run_id = $1 AND status = 'running'`,
		runID, errorSummary)
	if err != nil {
		return fmt.Errorf("failed to fail stuck run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// ScopeHealthStats aggregates run health over the trailing window for a
// breaker scope selector ("global", "pool:x", "instance:x", "tenant:x").
// Instance, tenant and pool come from the run metadata written at start.
func (s *Store) ScopeHealthStats(ctx context.Context, scope string, window time.Duration) (breaker.HealthStats, error) {
	conds := []string{"started_at >= now() - make_interval(secs => $1)", "status <> 'running'"}
	args := []any{window.Seconds()}

	kind, value, _ := strings.Cut(scope, ":")
	switch kind {
	case "global":
	case "pool":
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("meta_json ->> 'pool' = $%d", len(args)))
	case "instance":
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("meta_json ->> 'instance' = $%d", len(args)))
	case "tenant":
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("meta_json ->> 'tenant' = $%d", len(args)))
	default:
		return breaker.HealthStats{}, fmt.Errorf("unknown breaker scope %q", scope)
	}

	var stats breaker.HealthStats
	var failed, hits int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM((counts ->> 'total_requests')::bigint), 0),
		       COALESCE(SUM((counts ->> 'total_429_hits')::bigint), 0),
		       COALESCE(SUM((counts ->> 'timeout_count')::bigint), 0)
		  FROM scm.sync_runs
		 WHERE `+strings.Join(conds, " AND "),
		args...).Scan(&stats.TotalRuns, &failed, &stats.TotalRequests, &hits, &stats.TotalTimeoutCount)
	if err != nil {
		return breaker.HealthStats{}, fmt.Errorf("failed to aggregate health for %s: %w", scope, err)
	}

	if stats.TotalRuns > 0 {
		stats.FailedRate = float64(failed) / float64(stats.TotalRuns)
	}
	if stats.TotalRequests > 0 {
		stats.RateLimitRate = float64(hits) / float64(stats.TotalRequests)
	}
	return stats, nil
}

func orEmptyCounts(c domain.Counts) domain.Counts {
	if c == nil {
		return domain.Counts{}
	}
	return c
}
