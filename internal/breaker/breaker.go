// Package breaker implements the per-scope CLOSED/OPEN/HALF_OPEN
// circuit controller gating sync admission. Controllers are keyed by
// their canonical scope key and never share state; persistence is a
// state dict in the scm.sync_health KV namespace.
package breaker

import (
	"time"

	"github.com/logbook/scmsync/internal/domain"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one controller. Zero values fall back to defaults in
// Normalize; overrides come from SCM_CB_* env vars (internal/config).
type Config struct {
	FailureRateThreshold   float64
	RateLimitThreshold     float64
	TimeoutRateThreshold   float64
	WindowCount            int
	WindowMinutes          int
	OpenDuration           time.Duration
	HalfOpenMaxRequests    int
	RecoverySuccessCount   int
	MinSamples             int
	EnableSmoothing        bool
	SmoothingAlpha         float64
	BackfillOnlyMode       bool
	DegradedBatchSize      int
	DegradedForwardWindow  time.Duration
	BaselineBatchSize      int
	ProbeBudgetPerInterval int
	ProbeJobTypesAllowlist []domain.JobType
}

// DefaultConfig returns the stock breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:   0.5,
		RateLimitThreshold:     0.3,
		TimeoutRateThreshold:   0.3,
		WindowCount:            50,
		WindowMinutes:          30,
		OpenDuration:           5 * time.Minute,
		HalfOpenMaxRequests:    3,
		RecoverySuccessCount:   2,
		MinSamples:             5,
		EnableSmoothing:        true,
		SmoothingAlpha:         0.5,
		BackfillOnlyMode:       false,
		DegradedBatchSize:      10,
		DegradedForwardWindow:  time.Hour,
		BaselineBatchSize:      100,
		ProbeBudgetPerInterval: 2,
		ProbeJobTypesAllowlist: []domain.JobType{domain.JobTypeCommits},
	}
}

// Normalize fills unset fields with defaults.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.MinSamples <= 0 {
		c.MinSamples = def.MinSamples
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		c.SmoothingAlpha = def.SmoothingAlpha
	}
	if c.RecoverySuccessCount <= 0 {
		c.RecoverySuccessCount = def.RecoverySuccessCount
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if c.DegradedBatchSize <= 0 {
		c.DegradedBatchSize = def.DegradedBatchSize
	}
	if c.BaselineBatchSize <= 0 {
		c.BaselineBatchSize = def.BaselineBatchSize
	}
	if c.ProbeBudgetPerInterval <= 0 {
		c.ProbeBudgetPerInterval = def.ProbeBudgetPerInterval
	}
	if len(c.ProbeJobTypesAllowlist) == 0 {
		c.ProbeJobTypesAllowlist = def.ProbeJobTypesAllowlist
	}
	return c
}

// HealthStats is the windowed aggregate the scheduler computes from
// sync_runs and feeds into Check.
type HealthStats struct {
	TotalRuns         int
	FailedRate        float64
	RateLimitRate     float64
	TotalRequests     int64
	TotalTimeoutCount int64
}

// Decision is what the scheduler applies for one scope.
type Decision struct {
	Key                    string
	State                  State
	AllowSync              bool
	IsBackfillOnly         bool
	IsProbeMode            bool
	ProbeBudget            int
	ProbeJobTypesAllowlist []domain.JobType
	SuggestedBatchSize     int
	SuggestedDiffMode      string
	WaitSeconds            float64
	TriggerReason          string
}

// Controller is the state machine for one breaker key. Not safe for
// concurrent use; each scheduler scan owns its controller map.
type Controller struct {
	key string
	cfg Config
	now func() time.Time

	state         State
	openedAt      time.Time
	triggerReason string

	halfOpenAttempts  int
	halfOpenSuccesses int
	suggestedBatch    int

	smFailed    float64
	smRateLimit float64
	smTimeout   float64
	smInit      bool
}

// New creates a CLOSED controller for the given canonical key. The clock
// is injectable for deterministic tests; nil means time.Now.
func New(key string, cfg Config, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{
		key:   key,
		cfg:   cfg.Normalize(),
		now:   now,
		state: StateClosed,
	}
}

// Key returns the controller's canonical breaker key.
func (c *Controller) Key() string { return c.key }

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Check evaluates windowed health and returns the admission decision,
// transitioning OPEN→HALF_OPEN on expiry and CLOSED→OPEN on threshold
// breach.
func (c *Controller) Check(stats HealthStats) Decision {
	now := c.now()

	if c.state == StateOpen && now.Sub(c.openedAt) >= c.cfg.OpenDuration {
		c.toHalfOpen()
	}

	switch c.state {
	case StateClosed:
		c.checkClosed(stats)
		if c.state == StateOpen {
			return c.openDecision(now)
		}
		return Decision{
			Key:       c.key,
			State:     StateClosed,
			AllowSync: true,
		}

	case StateHalfOpen:
		// Remaining probes this half-open episode may issue before the
		// attempt cap forces a verdict.
		remaining := c.cfg.HalfOpenMaxRequests - c.halfOpenAttempts
		if remaining <= 0 {
			return Decision{
				Key:           c.key,
				State:         StateHalfOpen,
				TriggerReason: c.triggerReason,
			}
		}
		budget := c.cfg.ProbeBudgetPerInterval
		if budget > remaining {
			budget = remaining
		}
		return Decision{
			Key:                    c.key,
			State:                  StateHalfOpen,
			AllowSync:              true,
			IsBackfillOnly:         true,
			IsProbeMode:            true,
			ProbeBudget:            budget,
			ProbeJobTypesAllowlist: c.cfg.ProbeJobTypesAllowlist,
			SuggestedBatchSize:     c.suggestedBatch,
			SuggestedDiffMode:      "none",
			TriggerReason:          c.triggerReason,
		}

	default:
		return c.openDecision(now)
	}
}

func (c *Controller) checkClosed(stats HealthStats) {
	failed, rateLimit, timeout := c.effectiveRates(stats)

	if stats.TotalRuns < c.cfg.MinSamples {
		return
	}

	switch {
	case failed >= c.cfg.FailureRateThreshold:
		c.trip("failure_rate")
	case rateLimit >= c.cfg.RateLimitThreshold:
		c.trip("rate_limited")
	case stats.TotalRequests > 0 && timeout >= c.cfg.TimeoutRateThreshold:
		c.trip("timeout")
	}
}

func (c *Controller) effectiveRates(stats HealthStats) (failed, rateLimit, timeout float64) {
	failed = stats.FailedRate
	rateLimit = stats.RateLimitRate
	if stats.TotalRequests > 0 {
		timeout = float64(stats.TotalTimeoutCount) / float64(stats.TotalRequests)
	}

	if !c.cfg.EnableSmoothing {
		return failed, rateLimit, timeout
	}

	alpha := c.cfg.SmoothingAlpha
	if !c.smInit {
		c.smFailed, c.smRateLimit, c.smTimeout = failed, rateLimit, timeout
		c.smInit = true
	} else {
		c.smFailed = alpha*failed + (1-alpha)*c.smFailed
		c.smRateLimit = alpha*rateLimit + (1-alpha)*c.smRateLimit
		c.smTimeout = alpha*timeout + (1-alpha)*c.smTimeout
	}
	return c.smFailed, c.smRateLimit, c.smTimeout
}

func (c *Controller) trip(reason string) {
	c.state = StateOpen
	c.openedAt = c.now()
	c.triggerReason = reason
}

func (c *Controller) toHalfOpen() {
	c.state = StateHalfOpen
	c.halfOpenAttempts = 0
	c.halfOpenSuccesses = 0
	c.suggestedBatch = c.cfg.DegradedBatchSize
}

func (c *Controller) openDecision(now time.Time) Decision {
	wait := c.cfg.OpenDuration.Seconds() - now.Sub(c.openedAt).Seconds()
	if wait < 0 {
		wait = 0
	}

	d := Decision{
		Key:           c.key,
		State:         StateOpen,
		WaitSeconds:   wait,
		TriggerReason: c.triggerReason,
	}
	if c.cfg.BackfillOnlyMode {
		d.AllowSync = true
		d.IsBackfillOnly = true
		d.SuggestedBatchSize = c.cfg.DegradedBatchSize
		d.SuggestedDiffMode = "none"
	}
	return d
}

// RecordResult feeds a probe outcome back. Only HALF_OPEN changes state:
// enough successes close the breaker, any failure reopens it with the
// failure category as the trigger, and hitting HalfOpenMaxRequests
// without closing reopens it as half_open_exhausted.
func (c *Controller) RecordResult(success bool, category domain.ErrorCategory) {
	if c.state != StateHalfOpen {
		return
	}

	c.halfOpenAttempts++
	if !success {
		c.state = StateOpen
		c.openedAt = c.now()
		c.triggerReason = string(category)
		return
	}

	c.halfOpenSuccesses++
	// Grow the suggested batch geometrically toward the closed baseline.
	c.suggestedBatch *= 2
	if c.suggestedBatch > c.cfg.BaselineBatchSize {
		c.suggestedBatch = c.cfg.BaselineBatchSize
	}

	if c.halfOpenSuccesses >= c.cfg.RecoverySuccessCount {
		c.state = StateClosed
		c.triggerReason = ""
		c.smInit = false
		c.smFailed, c.smRateLimit, c.smTimeout = 0, 0, 0
		return
	}

	// The attempt cap ran out before enough successes accumulated:
	// reopen rather than probing indefinitely.
	if c.halfOpenAttempts >= c.cfg.HalfOpenMaxRequests {
		c.state = StateOpen
		c.openedAt = c.now()
		c.triggerReason = "half_open_exhausted"
	}
}
