package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/logbook/scmsync/internal/cursor"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/keys"
	"github.com/logbook/scmsync/internal/worker"
)

// TokenProvider resolves the API token for a GitLab instance.
type TokenProvider func(instanceKey string) (string, error)

// StaticToken returns the same token for every instance.
func StaticToken(token string) TokenProvider {
	return func(string) (string, error) { return token, nil }
}

// GitLabAdapter syncs commits, merge requests and review notes from
// GitLab instances. One API client is cached per instance.
type GitLabAdapter struct {
	cfg     Config
	sink    Sink
	tokens  TokenProvider
	buckets TokenAcquirer

	mu      sync.Mutex
	clients map[string]*gitlab.Client
}

// client returns the cached API client for an instance, building it on
// first use with a Retry-After-aware retrying HTTP client.
func (g *GitLabAdapter) client(instanceKey string) (*gitlab.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[instanceKey]; ok {
		return c, nil
	}

	token, err := g.tokens(instanceKey)
	if err != nil {
		return nil, fmt.Errorf("no token for instance %s: %w", instanceKey, err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.HTTPClient.Timeout = g.cfg.Timeout
	rc.Logger = nil

	c, err := gitlab.NewClient(token,
		gitlab.WithBaseURL("https://"+instanceKey+"/api/v4"),
		gitlab.WithHTTPClient(rc.StandardClient()))
	if err != nil {
		return nil, fmt.Errorf("failed to build client for %s: %w", instanceKey, err)
	}

	if g.clients == nil {
		g.clients = map[string]*gitlab.Client{}
	}
	g.clients[instanceKey] = c
	return c, nil
}

// acquire blocks on the instance rate limit bucket before an API call.
func (g *GitLabAdapter) acquire(ctx context.Context, instanceKey string) error {
	if g.buckets == nil {
		return nil
	}
	return g.buckets.Acquire(ctx, instanceKey, 1)
}

// startBound resolves the incremental lower bound for a git stream.
// Backfill mode and empty cursors scan from the beginning.
func startBound(req worker.SyncRequest, overlap time.Duration) *time.Time {
	if req.Job.Mode == domain.ModeBackfill {
		return nil
	}
	bound, err := req.Cursor.StartBound(req.Job.JobType, overlap)
	if err != nil || bound.IsZero() {
		return nil
	}
	return &bound
}

// SyncCommits pulls commits on the default branch since the cursor
// bound.
func (g *GitLabAdapter) SyncCommits(ctx context.Context, req worker.SyncRequest) worker.RunResult {
	instanceKey := keys.NormalizeInstanceKey(req.Repo.URL)
	client, err := g.client(instanceKey)
	if err != nil {
		return worker.Failed(worker.RunError{Category: domain.CategoryAuthError, Message: err.Error()})
	}

	opts := &gitlab.ListCommitsOptions{
		ListOptions: gitlab.ListOptions{PerPage: int64(g.cfg.PerPage), Page: 1},
		Since:       startBound(req, g.cfg.OverlapWindow),
	}
	if req.Repo.DefaultBranch != "" {
		opts.RefName = gitlab.Ptr(req.Repo.DefaultBranch)
	}

	var deg degradation
	counts := domain.Counts{"synced_count": 0, "total_requests": 0}
	var maxTS time.Time
	var maxSHA string

	for page := 0; page < pageBudget(g.cfg, req.Job); page++ {
		if err := g.acquire(ctx, instanceKey); err != nil {
			return failedResult(counts, &deg, classifyGitLabError(err))
		}

		counts["total_requests"]++
		commits, resp, err := client.Commits.ListCommits(req.Repo.ProjectKey, opts, gitlab.WithContext(ctx))
		if err != nil {
			return failedResult(counts, &deg, classifyGitLabError(err))
		}

		for _, c := range commits {
			if c.CommittedDate == nil {
				deg.count("missing_committed_date")
				continue
			}
			payload := map[string]any{
				"repo_id":      req.Repo.ID,
				"sha":          c.ID,
				"committed_at": cursor.FormatTime(*c.CommittedDate),
				"title":        c.Title,
				"author_email": c.AuthorEmail,
			}
			if publishItem(ctx, g.sink, &deg, "commits", payload) {
				counts["synced_count"]++
			}
			if cursor.AdvanceCommit(c.CommittedDate.UTC(), c.ID, maxTS, maxSHA) {
				maxTS = c.CommittedDate.UTC()
				maxSHA = c.ID
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	result := worker.RunResult{
		Status:      runStatus(counts),
		Counts:      counts,
		Degradation: deg.dict(),
	}
	if !maxTS.IsZero() {
		result.CursorAfter = map[string]any{
			"last_commit_ts":  cursor.FormatTime(maxTS),
			"last_commit_sha": maxSHA,
		}
	}
	return result
}

// SyncMRs pulls merge requests updated since the cursor bound, oldest
// first so the watermark grows monotonically within the run.
func (g *GitLabAdapter) SyncMRs(ctx context.Context, req worker.SyncRequest) worker.RunResult {
	instanceKey := keys.NormalizeInstanceKey(req.Repo.URL)
	client, err := g.client(instanceKey)
	if err != nil {
		return worker.Failed(worker.RunError{Category: domain.CategoryAuthError, Message: err.Error()})
	}

	var deg degradation
	counts := domain.Counts{"synced_count": 0, "total_requests": 0}
	var maxTS time.Time
	var maxIID int64

	opts := &gitlab.ListProjectMergeRequestsOptions{
		ListOptions:  gitlab.ListOptions{PerPage: int64(g.cfg.PerPage), Page: 1},
		UpdatedAfter: startBound(req, g.cfg.OverlapWindow),
		OrderBy:      gitlab.Ptr("updated_at"),
		Sort:         gitlab.Ptr("asc"),
		Scope:        gitlab.Ptr("all"),
	}

	for page := 0; page < pageBudget(g.cfg, req.Job); page++ {
		if err := g.acquire(ctx, instanceKey); err != nil {
			return failedResult(counts, &deg, classifyGitLabError(err))
		}

		counts["total_requests"]++
		mrs, resp, err := client.MergeRequests.ListProjectMergeRequests(req.Repo.ProjectKey, opts, gitlab.WithContext(ctx))
		if err != nil {
			return failedResult(counts, &deg, classifyGitLabError(err))
		}

		for _, mr := range mrs {
			if mr.UpdatedAt == nil {
				deg.count("missing_updated_at")
				continue
			}
			payload := map[string]any{
				"repo_id":    req.Repo.ID,
				"iid":        mr.IID,
				"state":      mr.State,
				"title":      mr.Title,
				"updated_at": cursor.FormatTime(*mr.UpdatedAt),
			}
			if publishItem(ctx, g.sink, &deg, "merge_requests", payload) {
				counts["synced_count"]++
			}
			if cursor.AdvanceMR(mr.UpdatedAt.UTC(), int64(mr.IID), maxTS, maxIID) {
				maxTS = mr.UpdatedAt.UTC()
				maxIID = int64(mr.IID)
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	result := worker.RunResult{
		Status:      runStatus(counts),
		Counts:      counts,
		Degradation: deg.dict(),
	}
	if !maxTS.IsZero() {
		result.CursorAfter = mrWatermark(maxTS, maxIID)
	}
	return result
}

// SyncReviews pulls the notes of merge requests updated since the
// cursor bound. A failed note fetch degrades the run instead of failing
// it; the watermark only covers fully synced MRs.
func (g *GitLabAdapter) SyncReviews(ctx context.Context, req worker.SyncRequest) worker.RunResult {
	instanceKey := keys.NormalizeInstanceKey(req.Repo.URL)
	client, err := g.client(instanceKey)
	if err != nil {
		return worker.Failed(worker.RunError{Category: domain.CategoryAuthError, Message: err.Error()})
	}

	var deg degradation
	counts := domain.Counts{"synced_count": 0, "total_requests": 0}
	var maxTS time.Time
	var maxIID int64

	opts := &gitlab.ListProjectMergeRequestsOptions{
		ListOptions:  gitlab.ListOptions{PerPage: int64(g.cfg.PerPage), Page: 1},
		UpdatedAfter: startBound(req, g.cfg.OverlapWindow),
		OrderBy:      gitlab.Ptr("updated_at"),
		Sort:         gitlab.Ptr("asc"),
		Scope:        gitlab.Ptr("all"),
	}

	for page := 0; page < pageBudget(g.cfg, req.Job); page++ {
		if err := g.acquire(ctx, instanceKey); err != nil {
			return failedResult(counts, &deg, classifyGitLabError(err))
		}

		counts["total_requests"]++
		mrs, resp, err := client.MergeRequests.ListProjectMergeRequests(req.Repo.ProjectKey, opts, gitlab.WithContext(ctx))
		if err != nil {
			return failedResult(counts, &deg, classifyGitLabError(err))
		}

		for _, mr := range mrs {
			if mr.UpdatedAt == nil {
				deg.count("missing_updated_at")
				continue
			}
			synced, err := g.syncMRNotes(ctx, client, instanceKey, req, mr.IID, counts, &deg)
			if err != nil {
				deg.count("notes_fetch_failed")
				continue
			}
			counts["synced_count"] += synced
			if cursor.AdvanceMR(mr.UpdatedAt.UTC(), int64(mr.IID), maxTS, maxIID) {
				maxTS = mr.UpdatedAt.UTC()
				maxIID = int64(mr.IID)
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	result := worker.RunResult{
		Status:      runStatus(counts),
		Counts:      counts,
		Degradation: deg.dict(),
	}
	if !maxTS.IsZero() {
		result.CursorAfter = mrWatermark(maxTS, maxIID)
	}
	return result
}

func (g *GitLabAdapter) syncMRNotes(ctx context.Context, client *gitlab.Client, instanceKey string, req worker.SyncRequest, mrIID int64, counts domain.Counts, deg *degradation) (int64, error) {
	opts := &gitlab.ListMergeRequestNotesOptions{
		ListOptions: gitlab.ListOptions{PerPage: int64(g.cfg.PerPage), Page: 1},
	}

	var synced int64
	for {
		if err := g.acquire(ctx, instanceKey); err != nil {
			return synced, err
		}

		counts["total_requests"]++
		notes, resp, err := client.Notes.ListMergeRequestNotes(req.Repo.ProjectKey, mrIID, opts, gitlab.WithContext(ctx))
		if err != nil {
			return synced, err
		}

		for _, note := range notes {
			payload := map[string]any{
				"repo_id": req.Repo.ID,
				"mr_iid":  mrIID,
				"note_id": note.ID,
				"system":  note.System,
			}
			if note.UpdatedAt != nil {
				payload["updated_at"] = cursor.FormatTime(*note.UpdatedAt)
			}
			if publishItem(ctx, g.sink, deg, "mr_notes", payload) {
				synced++
			}
		}

		if resp.NextPage == 0 {
			return synced, nil
		}
		opts.Page = resp.NextPage
	}
}

func mrWatermark(ts time.Time, iid int64) map[string]any {
	return map[string]any{
		"last_mr_updated_at": cursor.FormatTime(ts),
		"last_mr_iid":        iid,
	}
}

// runStatus maps the synced count onto completed vs no_data.
func runStatus(counts domain.Counts) domain.RunStatus {
	if counts["synced_count"] == 0 {
		return domain.RunNoData
	}
	return domain.RunCompleted
}

// failedResult closes out a run-fatal adapter error, folding the hit
// into the health counters the breaker aggregates.
func failedResult(counts domain.Counts, deg *degradation, e worker.RunError) worker.RunResult {
	switch e.Category {
	case domain.CategoryRateLimited:
		counts["total_429_hits"]++
	case domain.CategoryTimeout:
		counts["timeout_count"]++
	}
	return worker.RunResult{
		Status:      domain.RunFailed,
		Counts:      counts,
		Error:       &e,
		Degradation: deg.dict(),
	}
}

// classifyGitLabError maps a client-go error onto the error taxonomy,
// carrying the Retry-After duration on 429.
func classifyGitLabError(err error) worker.RunError {
	var errResp *gitlab.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status := errResp.Response.StatusCode
		e := worker.RunError{
			Category:   domain.CategoryFromHTTPStatus(status),
			Message:    err.Error(),
			HTTPStatus: status,
		}
		if status == http.StatusTooManyRequests {
			e.RetryAfter = retryAfter(errResp.Response.Header)
		}
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return worker.RunError{Category: domain.CategoryTimeout, Message: err.Error()}
	}
	return worker.RunError{Category: domain.ClassifyMessage(err.Error()), Message: err.Error()}
}

// retryAfter parses a Retry-After header, seconds form or HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
