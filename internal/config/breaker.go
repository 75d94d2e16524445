package config

import (
	"time"

	"github.com/logbook/scmsync/internal/breaker"
)

// BreakerConfig holds the circuit breaker tuning.
type BreakerConfig struct {
	FailureRateThreshold float64 `env:"SCM_CB_FAILURE_RATE_THRESHOLD" default:"0.5"`
	RateLimitThreshold   float64 `env:"SCM_CB_RATE_LIMIT_THRESHOLD" default:"0.3"`
	TimeoutRateThreshold float64 `env:"SCM_CB_TIMEOUT_RATE_THRESHOLD" default:"0.3"`

	WindowCount   int `env:"SCM_CB_WINDOW_COUNT" default:"50"`
	WindowMinutes int `env:"SCM_CB_WINDOW_MINUTES" default:"30"`
	MinSamples    int `env:"SCM_CB_MIN_SAMPLES" default:"5"`

	OpenDuration         time.Duration `env:"SCM_CB_OPEN_DURATION" default:"5m"`
	HalfOpenMaxRequests  int           `env:"SCM_CB_HALF_OPEN_MAX_REQUESTS" default:"3"`
	RecoverySuccessCount int           `env:"SCM_CB_RECOVERY_SUCCESS_COUNT" default:"2"`

	EnableSmoothing bool    `env:"SCM_CB_ENABLE_SMOOTHING" default:"true"`
	SmoothingAlpha  float64 `env:"SCM_CB_SMOOTHING_ALPHA" default:"0.5"`

	BackfillOnlyMode       bool          `env:"SCM_CB_BACKFILL_ONLY_MODE" default:"false"`
	DegradedBatchSize      int           `env:"SCM_CB_DEGRADED_BATCH_SIZE" default:"10"`
	DegradedForwardWindow  time.Duration `env:"SCM_CB_DEGRADED_FORWARD_WINDOW" default:"1h"`
	BaselineBatchSize      int           `env:"SCM_CB_BASELINE_BATCH_SIZE" default:"100"`
	ProbeBudgetPerInterval int           `env:"SCM_CB_PROBE_BUDGET_PER_INTERVAL" default:"2"`
	ProbeJobTypesAllowlist []string      `env:"SCM_CB_PROBE_JOB_TYPES_ALLOWLIST" default:"commits"`
}

// ToBreaker converts the env overrides to the breaker config.
func (c BreakerConfig) ToBreaker() breaker.Config {
	return breaker.Config{
		FailureRateThreshold:   c.FailureRateThreshold,
		RateLimitThreshold:     c.RateLimitThreshold,
		TimeoutRateThreshold:   c.TimeoutRateThreshold,
		WindowCount:            c.WindowCount,
		WindowMinutes:          c.WindowMinutes,
		OpenDuration:           c.OpenDuration,
		HalfOpenMaxRequests:    c.HalfOpenMaxRequests,
		RecoverySuccessCount:   c.RecoverySuccessCount,
		MinSamples:             c.MinSamples,
		EnableSmoothing:        c.EnableSmoothing,
		SmoothingAlpha:         c.SmoothingAlpha,
		BackfillOnlyMode:       c.BackfillOnlyMode,
		DegradedBatchSize:      c.DegradedBatchSize,
		DegradedForwardWindow:  c.DegradedForwardWindow,
		BaselineBatchSize:      c.BaselineBatchSize,
		ProbeBudgetPerInterval: c.ProbeBudgetPerInterval,
		ProbeJobTypesAllowlist: toJobTypes(c.ProbeJobTypesAllowlist),
	}
}
