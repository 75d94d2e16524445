package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/logbook/scmsync/internal/cursor"
	"github.com/logbook/scmsync/internal/domain"
)

// SyncRequest is what an adapter receives for one run: the claimed job,
// its repository row and the cursor the previous run left behind.
type SyncRequest struct {
	Job    *domain.SyncJob
	Repo   *domain.Repo
	Cursor cursor.Cursor
}

// SyncFunc performs one sync run. Adapters never return an error: every
// failure is expressed as a RunResult with status failed, so the job
// state machine never observes a raw exception.
type SyncFunc func(ctx context.Context, req SyncRequest) RunResult

// Registry maps job types to their adapters.
type Registry map[domain.JobType]SyncFunc

// RunError is the run-fatal failure of an adapter invocation.
type RunError struct {
	Category   domain.ErrorCategory
	Message    string
	HTTPStatus int
	// RetryAfter carries the server-requested pause on 429 responses.
	RetryAfter time.Duration
}

// Error implements the error interface for logging convenience.
func (e RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// RunResult is the outcome of one adapter invocation.
type RunResult struct {
	Status domain.RunStatus // completed, no_data or failed
	Counts domain.Counts    // must include synced_count

	// CursorAfter is the candidate watermark. It is applied through the
	// advancement predicate; a regressing candidate is skipped.
	CursorAfter map[string]any

	Error       *RunError
	Degradation map[string]any
}

// Failed builds a failed RunResult from a RunError.
func Failed(e RunError) RunResult {
	return RunResult{
		Status: domain.RunFailed,
		Counts: domain.Counts{"synced_count": 0},
		Error:  &e,
	}
}
