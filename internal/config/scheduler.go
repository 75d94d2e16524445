package config

import (
	"time"

	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/scheduler"
)

// SchedulerConfig holds the scan policy overrides.
type SchedulerConfig struct {
	CursorAgeThreshold    time.Duration `env:"SCM_SCHEDULER_CURSOR_AGE_THRESHOLD" default:"1h"`
	ErrorBudgetThreshold  float64       `env:"SCM_SCHEDULER_ERROR_BUDGET_THRESHOLD" default:"0.5"`
	MinSamples            int           `env:"SCM_SCHEDULER_MIN_SAMPLES" default:"5"`
	RateLimitHitThreshold float64       `env:"SCM_SCHEDULER_RATE_LIMIT_HIT_THRESHOLD" default:"0.3"`

	MaxRunning             int `env:"SCM_SCHEDULER_MAX_RUNNING" default:"50"`
	MaxQueueDepth          int `env:"SCM_SCHEDULER_MAX_QUEUE_DEPTH" default:"200"`
	PerInstanceConcurrency int `env:"SCM_SCHEDULER_PER_INSTANCE_CONCURRENCY" default:"10"`
	PerTenantConcurrency   int `env:"SCM_SCHEDULER_PER_TENANT_CONCURRENCY" default:"5"`
	MaxEnqueuePerScan      int `env:"SCM_SCHEDULER_MAX_ENQUEUE_PER_SCAN" default:"50"`

	SkipOnBucketPause         bool `env:"SCM_SCHEDULER_SKIP_ON_BUCKET_PAUSE" default:"false"`
	EnableTenantFairness      bool `env:"SCM_SCHEDULER_ENABLE_TENANT_FAIRNESS" default:"true"`
	TenantFairnessMaxPerRound int  `env:"SCM_SCHEDULER_TENANT_FAIRNESS_MAX_PER_ROUND" default:"1"`

	MVPModeEnabled      bool     `env:"SCM_SCHEDULER_MVP_MODE_ENABLED" default:"false"`
	MVPJobTypeAllowlist []string `env:"SCM_SCHEDULER_MVP_JOB_TYPE_ALLOWLIST"`

	MaxAttempts  int           `env:"SCM_SCHEDULER_MAX_ATTEMPTS" default:"3"`
	LeaseSeconds int           `env:"SCM_SCHEDULER_LEASE_SECONDS" default:"300"`
	ScanInterval time.Duration `env:"SCM_SCHEDULER_SCAN_INTERVAL" default:"1m"`
}

// ToPolicy converts the env overrides to the scheduler policy config.
func (c SchedulerConfig) ToPolicy(namespace string) scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.CursorAgeThreshold = c.CursorAgeThreshold
	cfg.ErrorBudgetThreshold = c.ErrorBudgetThreshold
	cfg.MinSamples = c.MinSamples
	cfg.RateLimitHitThreshold = c.RateLimitHitThreshold
	cfg.MaxRunning = c.MaxRunning
	cfg.MaxQueueDepth = c.MaxQueueDepth
	cfg.PerInstanceConcurrency = c.PerInstanceConcurrency
	cfg.PerTenantConcurrency = c.PerTenantConcurrency
	cfg.MaxEnqueuePerScan = c.MaxEnqueuePerScan
	cfg.SkipOnBucketPause = c.SkipOnBucketPause
	cfg.EnableTenantFairness = c.EnableTenantFairness
	cfg.TenantFairnessMaxPerRound = c.TenantFairnessMaxPerRound
	cfg.MVPModeEnabled = c.MVPModeEnabled
	cfg.MVPJobTypeAllowlist = toJobTypes(c.MVPJobTypeAllowlist)
	cfg.MaxAttempts = c.MaxAttempts
	cfg.LeaseSeconds = c.LeaseSeconds
	cfg.ScanInterval = c.ScanInterval
	cfg.BreakerProjectKey = namespace
	return cfg
}

func toJobTypes(names []string) []domain.JobType {
	if len(names) == 0 {
		return nil
	}
	out := make([]domain.JobType, 0, len(names))
	for _, name := range names {
		out = append(out, domain.JobType(name))
	}
	return out
}
