package config

import (
	"fmt"
	"time"

	"github.com/logbook/scmsync/internal/adapter"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/reaper"
	"github.com/logbook/scmsync/internal/worker"
)

// WorkerConfig holds the worker harness tuning.
type WorkerConfig struct {
	WorkerID          string        `env:"SCM_WORKER_ID"`
	Concurrency       int           `env:"SCM_WORKER_CONCURRENCY" default:"4"`
	PollInterval      time.Duration `env:"SCM_WORKER_POLL_INTERVAL" default:"5s"`
	LeaseSeconds      int           `env:"SCM_WORKER_LEASE_SECONDS" default:"300"`
	HeartbeatInterval time.Duration `env:"SCM_WORKER_HEARTBEAT_INTERVAL"`

	OverlapWindow    time.Duration `env:"SCM_WORKER_OVERLAP_WINDOW" default:"10m"`
	OverlapRevisions int64         `env:"SCM_WORKER_OVERLAP_REVISIONS" default:"10"`

	RetryDelay time.Duration `env:"SCM_RETRY_DELAY" default:"60s"`
	MaxBackoff time.Duration `env:"SCM_MAX_BACKOFF" default:"30m"`

	RateLimitPauseDefault time.Duration `env:"SCM_WORKER_RATE_LIMIT_PAUSE_DEFAULT" default:"1m"`
}

// ToRetryPolicy converts the env overrides to the shared retry policy.
func (c WorkerConfig) ToRetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{RetryDelay: c.RetryDelay, MaxBackoff: c.MaxBackoff}
}

// ToWorker converts the env overrides to the harness config.
func (c WorkerConfig) ToWorker(namespace, pool string) worker.Config {
	cfg := worker.DefaultConfig()
	cfg.WorkerID = c.WorkerID
	cfg.Pool = pool
	cfg.Concurrency = c.Concurrency
	cfg.PollInterval = c.PollInterval
	cfg.LeaseSeconds = c.LeaseSeconds
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.OverlapWindow = c.OverlapWindow
	cfg.OverlapRevisions = c.OverlapRevisions
	cfg.RetryPolicy = c.ToRetryPolicy()
	cfg.BreakerProjectKey = namespace
	cfg.RateLimitPauseDefault = c.RateLimitPauseDefault
	return cfg
}

// ReaperConfig holds the recovery loop tuning.
type ReaperConfig struct {
	Interval       time.Duration `env:"SCM_REAPER_INTERVAL" default:"1m"`
	LeaseGrace     time.Duration `env:"SCM_REAPER_LEASE_GRACE" default:"30s"`
	MaxRunDuration time.Duration `env:"SCM_REAPER_MAX_RUN_DURATION" default:"2h"`
	JobPolicy      string        `env:"SCM_REAPER_JOB_POLICY" default:"to_failed"`
	StartupJitter  time.Duration `env:"SCM_REAPER_STARTUP_JITTER" default:"5s"`
}

// Validate rejects unknown recovery policies.
func (c *ReaperConfig) Validate() error {
	switch c.JobPolicy {
	case reaper.PolicyToFailed, reaper.PolicyToPending:
		return nil
	}
	return fmt.Errorf("invalid SCM_REAPER_JOB_POLICY %q", c.JobPolicy)
}

// ToReaper converts the env overrides to the reaper config.
func (c ReaperConfig) ToReaper(retry domain.RetryPolicy) reaper.Config {
	return reaper.Config{
		Interval:       c.Interval,
		LeaseGrace:     c.LeaseGrace,
		MaxRunDuration: c.MaxRunDuration,
		JobPolicy:      c.JobPolicy,
		RetryPolicy:    retry,
		StartupJitter:  c.StartupJitter,
	}
}

// RateLimitConfig seeds the per-instance token buckets.
type RateLimitConfig struct {
	DefaultRate  float64 `env:"SCM_RATE_LIMIT_DEFAULT_RATE" default:"2.0"`
	DefaultBurst float64 `env:"SCM_RATE_LIMIT_DEFAULT_BURST" default:"60"`
}

// AdapterConfig holds the SCM client tuning.
type AdapterConfig struct {
	GitLabToken string        `env:"SCM_GITLAB_TOKEN"`
	PerPage     int           `env:"SCM_ADAPTER_PER_PAGE" default:"100"`
	MaxPages    int           `env:"SCM_ADAPTER_MAX_PAGES" default:"50"`
	Timeout     time.Duration `env:"SCM_ADAPTER_TIMEOUT" default:"30s"`
	SVNCommand  string        `env:"SCM_SVN_COMMAND" default:"svn"`

	// SpoolDir is where synced items land for the ingest pipeline.
	// Empty disables publishing.
	SpoolDir string `env:"SCM_INGEST_SPOOL_DIR"`
}

// ToAdapter converts the env overrides to the adapter config. The
// overlap windows come from the worker config so both layers agree.
func (c AdapterConfig) ToAdapter(w WorkerConfig) adapter.Config {
	return adapter.Config{
		PerPage:          c.PerPage,
		MaxPages:         c.MaxPages,
		Timeout:          c.Timeout,
		OverlapWindow:    w.OverlapWindow,
		OverlapRevisions: w.OverlapRevisions,
		SVNCommand:       c.SVNCommand,
	}
}
