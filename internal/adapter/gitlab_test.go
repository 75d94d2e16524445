package adapter

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/logbook/scmsync/internal/cursor"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/worker"
)

func errorResponse(status int, header http.Header) *gitlab.ErrorResponse {
	return &gitlab.ErrorResponse{
		Response: &http.Response{
			StatusCode: status,
			Header:     header,
			Request:    &http.Request{Method: http.MethodGet, URL: &url.URL{}},
		},
		Message:  http.StatusText(status),
	}
}

func TestClassifyGitLabError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.ErrorCategory
	}{
		{"unauthorized", 401, domain.CategoryAuthError},
		{"not found", 404, domain.CategoryRepoNotFound},
		{"rate limited", 429, domain.CategoryRateLimited},
		{"server error", 502, domain.CategoryServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := classifyGitLabError(errorResponse(tt.status, http.Header{}))
			assert.Equal(t, tt.want, e.Category)
			assert.Equal(t, tt.status, e.HTTPStatus)
		})
	}
}

func TestClassifyGitLabError_CarriesRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "42")
	e := classifyGitLabError(errorResponse(429, h))
	assert.Equal(t, domain.CategoryRateLimited, e.Category)
	assert.Equal(t, 42*time.Second, e.RetryAfter)
}

func TestRetryAfter_EmptyAndMalformed(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryAfter(http.Header{}))

	h := http.Header{}
	h.Set("Retry-After", "soon")
	assert.Equal(t, time.Duration(0), retryAfter(h))
}

func TestPageBudget_HonorsSuggestion(t *testing.T) {
	cfg := DefaultConfig()

	job := &domain.SyncJob{Payload: map[string]any{"suggested_batch_size": float64(5)}}
	assert.Equal(t, 5, pageBudget(cfg, job))

	// Suggestions never grow the budget.
	job = &domain.SyncJob{Payload: map[string]any{"suggested_batch_size": float64(500)}}
	assert.Equal(t, cfg.MaxPages, pageBudget(cfg, job))

	assert.Equal(t, cfg.MaxPages, pageBudget(cfg, &domain.SyncJob{}))
}

func TestStartBound_ModesAndEmptyCursor(t *testing.T) {
	cur := cursor.New()
	cur.Watermark["last_commit_ts"] = "2026-08-26T10:00:00Z"
	cur.Watermark["last_commit_sha"] = "aaa"

	job := &domain.SyncJob{JobType: domain.JobTypeCommits, Mode: domain.ModeIncremental}
	bound := startBound(worker.SyncRequest{Job: job, Cursor: cur}, 10*time.Minute)
	if assert.NotNil(t, bound) {
		assert.Equal(t, time.Date(2026, 8, 26, 9, 50, 0, 0, time.UTC), bound.UTC())
	}

	job.Mode = domain.ModeBackfill
	assert.Nil(t, startBound(worker.SyncRequest{Job: job, Cursor: cur}, 10*time.Minute))

	job.Mode = domain.ModeIncremental
	assert.Nil(t, startBound(worker.SyncRequest{Job: job, Cursor: cursor.New()}, 10*time.Minute))
}

func TestDegradationDict(t *testing.T) {
	var d degradation
	assert.Nil(t, d.dict())

	d.count("sink_error")
	d.count("sink_error")
	d.count("missing_updated_at")

	dict := d.dict()
	reasons := dict["reasons"].(map[string]any)
	assert.Equal(t, 2, reasons["sink_error"])
	assert.Equal(t, 1, reasons["missing_updated_at"])
}
