package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/keys"
	"github.com/logbook/scmsync/internal/scheduler"
)

// ListRepos returns every registered repo.
func (s *Store) ListRepos(ctx context.Context) ([]*domain.Repo, error) {
	rows, err := s.db.Query(ctx, `
		SELECT repo_id, repo_type, url, project_key, default_branch, created_at, updated_at
		  FROM scm.repos
		 ORDER BY repo_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repos: %w", err)
	}
	defer rows.Close()

	var out []*domain.Repo
	for rows.Next() {
		var r domain.Repo
		if err := rows.Scan(&r.ID, &r.RepoType, &r.URL, &r.ProjectKey, &r.DefaultBranch,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan repo: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetRepo returns one repo by id.
func (s *Store) GetRepo(ctx context.Context, repoID int64) (*domain.Repo, error) {
	var r domain.Repo
	err := s.db.QueryRow(ctx, `
		SELECT repo_id, repo_type, url, project_key, default_branch, created_at, updated_at
		  FROM scm.repos
		 WHERE repo_id = $1`,
		repoID).Scan(&r.ID, &r.RepoType, &r.URL, &r.ProjectKey, &r.DefaultBranch,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %d", domain.ErrRepoNotFound, repoID)
		}
		return nil, fmt.Errorf("failed to get repo %d: %w", repoID, err)
	}
	return &r, nil
}

// pairHistory is the per-pair run aggregate feeding PairState.
type pairHistory struct {
	recentRuns   int
	recentFailed int
	requests     int64
	hits         int64
}

// ListRepoStates hydrates the scheduler's view: every repo with its
// per-pair run history over the trailing window and the cursor-age
// signal from the KV write times.
func (s *Store) ListRepoStates(ctx context.Context, window time.Duration) ([]scheduler.RepoState, error) {
	repos, err := s.ListRepos(ctx)
	if err != nil {
		return nil, err
	}

	history, err := s.pairHistories(ctx, window)
	if err != nil {
		return nil, err
	}

	cursorTimes, err := s.cursorUpdatedAts(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]scheduler.RepoState, 0, len(repos))
	for _, repo := range repos {
		state := scheduler.RepoState{
			RepoID:     repo.ID,
			RepoType:   repo.RepoType,
			ProjectKey: repo.ProjectKey,
			TenantID:   repo.Tenant(),
			Pool:       s.workerPool,
			Pairs:      map[domain.JobType]scheduler.PairState{},
		}
		if repo.RepoType == domain.RepoTypeGit {
			state.GitLabInstance = keys.NormalizeInstanceKey(repo.URL)
		}

		for _, jt := range domain.JobTypesFor(repo.RepoType) {
			key := scheduler.PairKey{RepoID: repo.ID, JobType: jt}
			pair := scheduler.PairState{}
			if t, ok := cursorTimes[key]; ok {
				u := t.UTC()
				pair.CursorUpdatedAt = &u
			}
			if h, ok := history[key]; ok {
				pair.RecentRuns = h.recentRuns
				pair.RecentFailed = h.recentFailed
				if h.requests > 0 {
					pair.RateLimitRate = float64(h.hits) / float64(h.requests)
				}
			}
			state.Pairs[jt] = pair
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *Store) pairHistories(ctx context.Context, window time.Duration) (map[scheduler.PairKey]pairHistory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT repo_id, job_type,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM((counts ->> 'total_requests')::bigint), 0),
		       COALESCE(SUM((counts ->> 'total_429_hits')::bigint), 0)
		  FROM scm.sync_runs
		 WHERE started_at >= now() - make_interval(secs => $1)
		   AND status <> 'running'
		 GROUP BY repo_id, job_type`,
		window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate pair history: %w", err)
	}
	defer rows.Close()

	out := make(map[scheduler.PairKey]pairHistory)
	for rows.Next() {
		var key scheduler.PairKey
		var h pairHistory
		if err := rows.Scan(&key.RepoID, &key.JobType, &h.recentRuns, &h.recentFailed,
			&h.requests, &h.hits); err != nil {
			return nil, fmt.Errorf("failed to scan pair history: %w", err)
		}
		out[key] = h
	}
	return out, rows.Err()
}

// CountRepos returns the registry size.
func (s *Store) CountRepos(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM scm.repos`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count repos: %w", err)
	}
	return count, nil
}
