package domain

import (
	"strings"
	"time"
)

// RepoType identifies the source control system backing a repository.
type RepoType string

const (
	RepoTypeGit RepoType = "git"
	RepoTypeSVN RepoType = "svn"
)

// JobType names one sync stream for a repository. The set is closed per
// repo type (git: commits/mrs/reviews, svn: svn) but the coordination
// layer treats the values as opaque strings.
type JobType string

const (
	JobTypeCommits JobType = "commits"
	JobTypeMRs     JobType = "mrs"
	JobTypeReviews JobType = "reviews"
	JobTypeSVN     JobType = "svn"
)

// JobTypesFor returns the job types that apply to a repo type.
func JobTypesFor(rt RepoType) []JobType {
	if rt == RepoTypeSVN {
		return []JobType{JobTypeSVN}
	}
	return []JobType{JobTypeCommits, JobTypeMRs, JobTypeReviews}
}

// JobMode selects between incremental catch-up and full backfill.
type JobMode string

const (
	ModeIncremental JobMode = "incremental"
	ModeBackfill    JobMode = "backfill"
)

// JobStatus is the sync_jobs state machine.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// RunStatus is the sync_runs state machine.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunNoData    RunStatus = "no_data"
)

// Repo is a registered repository. Rows are created by the registry
// process; the sync core only reads them.
type Repo struct {
	ID            int64
	RepoType      RepoType
	URL           string
	ProjectKey    string
	DefaultBranch string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Tenant returns the fairness unit for the repo: the first path segment
// of the project key. Repos without a separator have no tenant.
func (r Repo) Tenant() string {
	if idx := strings.IndexByte(r.ProjectKey, '/'); idx > 0 {
		return r.ProjectKey[:idx]
	}
	return ""
}

// SyncJob is one row of the work queue.
type SyncJob struct {
	ID           string
	RepoID       int64
	JobType      JobType
	Mode         JobMode
	Priority     int
	Status       JobStatus
	Attempts     int
	MaxAttempts  int
	NotBefore    time.Time
	LockedBy     *string
	LockedAt     *time.Time
	LeaseSeconds int
	LastError    *string
	LastRunID    *string
	Payload      map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LeaseExpired reports whether the worker lease has lapsed, with grace.
func (j SyncJob) LeaseExpired(now time.Time, grace time.Duration) bool {
	if j.LockedAt == nil {
		return false
	}
	deadline := j.LockedAt.Add(time.Duration(j.LeaseSeconds)*time.Second + grace)
	return deadline.Before(now)
}

// SyncRun is one row of the append-only run ledger.
type SyncRun struct {
	ID           string
	RepoID       int64
	JobType      JobType
	Mode         JobMode
	Status       RunStatus
	StartedAt    time.Time
	FinishedAt   *time.Time
	CursorBefore map[string]any
	CursorAfter  map[string]any
	Counts       Counts
	ErrorSummary map[string]any
	Degradation  map[string]any
	Meta         map[string]any
}

// SyncLock coordinates across job types for one (repo, job_type) pair.
type SyncLock struct {
	ID           int64
	RepoID       int64
	JobType      JobType
	LockedBy     *string
	LockedAt     *time.Time
	LeaseSeconds int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RateLimitBucket is the persisted token-bucket state for one GitLab
// instance. Tokens refill continuously at Rate up to Burst.
type RateLimitBucket struct {
	InstanceKey string
	Tokens      float64
	Rate        float64
	Burst       float64
	PausedUntil *time.Time
	Meta        map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Paused reports whether the bucket pause is still in effect.
func (b RateLimitBucket) Paused(now time.Time) bool {
	return b.PausedUntil != nil && b.PausedUntil.After(now)
}
