package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logbook/scmsync/internal/domain"
)

// fakeClock lets tests step wall time explicitly.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestController(cfg Config) (*Controller, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)}
	return New("scm:instance:gitlab.example.com", cfg, clk.now), clk
}

func TestCheck_StaysClosedBelowMinSamples(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSamples = 5
	cfg.EnableSmoothing = false
	ctrl, _ := newTestController(cfg)

	// 100% failures on only 4 runs: not enough evidence to trip.
	d := ctrl.Check(HealthStats{TotalRuns: 4, FailedRate: 1.0})
	assert.Equal(t, StateClosed, d.State)
	assert.True(t, d.AllowSync)
}

func TestCheck_TripsOnFailureRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0.3
	cfg.EnableSmoothing = false
	ctrl, _ := newTestController(cfg)

	d := ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 0.5})
	assert.Equal(t, StateOpen, d.State)
	assert.False(t, d.AllowSync)
	assert.Equal(t, "failure_rate", d.TriggerReason)
	assert.Greater(t, d.WaitSeconds, 0.0)
}

func TestCheck_TimeoutRateNeedsRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutRateThreshold = 0.2
	cfg.EnableSmoothing = false
	ctrl, _ := newTestController(cfg)

	// Degenerate input: no requests recorded, timeout rate undefined.
	d := ctrl.Check(HealthStats{TotalRuns: 10, TotalTimeoutCount: 5})
	assert.Equal(t, StateClosed, d.State)

	d = ctrl.Check(HealthStats{TotalRuns: 10, TotalRequests: 10, TotalTimeoutCount: 5})
	assert.Equal(t, StateOpen, d.State)
	assert.Equal(t, "timeout", d.TriggerReason)
}

func TestTripThenRecover(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0.3
	cfg.OpenDuration = 100 * time.Millisecond
	cfg.RecoverySuccessCount = 2
	cfg.EnableSmoothing = false
	ctrl, clk := newTestController(cfg)

	d := ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 0.5})
	require.Equal(t, StateOpen, d.State)

	// Before the open duration elapses the breaker stays OPEN.
	clk.advance(50 * time.Millisecond)
	d = ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 0.1})
	assert.Equal(t, StateOpen, d.State)

	clk.advance(100 * time.Millisecond)
	d = ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 0.1})
	require.Equal(t, StateHalfOpen, d.State)
	assert.True(t, d.IsProbeMode)
	assert.True(t, d.IsBackfillOnly)
	assert.Equal(t, cfg.ProbeBudgetPerInterval, d.ProbeBudget)
	assert.Equal(t, "none", d.SuggestedDiffMode)
	assert.Equal(t, cfg.DegradedBatchSize, d.SuggestedBatchSize)

	ctrl.RecordResult(true, "")
	ctrl.RecordResult(true, "")
	assert.Equal(t, StateClosed, ctrl.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0.3
	cfg.OpenDuration = time.Millisecond
	cfg.EnableSmoothing = false
	ctrl, clk := newTestController(cfg)

	ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 1.0})
	clk.advance(time.Second)
	d := ctrl.Check(HealthStats{})
	require.Equal(t, StateHalfOpen, d.State)

	ctrl.RecordResult(false, domain.CategoryRateLimited)
	assert.Equal(t, StateOpen, ctrl.State())

	d = ctrl.Check(HealthStats{})
	assert.Equal(t, "rate_limited", d.TriggerReason)
}

func TestHalfOpenAttemptCapReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0.3
	cfg.OpenDuration = time.Millisecond
	cfg.HalfOpenMaxRequests = 3
	cfg.RecoverySuccessCount = 5
	cfg.EnableSmoothing = false
	ctrl, clk := newTestController(cfg)

	ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 1.0})
	clk.advance(time.Second)
	require.Equal(t, StateHalfOpen, ctrl.Check(HealthStats{}).State)

	// Three successes cannot reach the recovery count of five.
	ctrl.RecordResult(true, "")
	ctrl.RecordResult(true, "")
	assert.Equal(t, StateHalfOpen, ctrl.State())
	ctrl.RecordResult(true, "")
	assert.Equal(t, StateOpen, ctrl.State())

	d := ctrl.Check(HealthStats{})
	assert.False(t, d.AllowSync)
	assert.Equal(t, "half_open_exhausted", d.TriggerReason)
}

func TestHalfOpenProbeBudgetCappedByRemainingAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0.3
	cfg.OpenDuration = time.Millisecond
	cfg.HalfOpenMaxRequests = 3
	cfg.RecoverySuccessCount = 5
	cfg.ProbeBudgetPerInterval = 10
	cfg.EnableSmoothing = false
	ctrl, clk := newTestController(cfg)

	ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 1.0})
	clk.advance(time.Second)

	d := ctrl.Check(HealthStats{})
	require.Equal(t, StateHalfOpen, d.State)
	assert.Equal(t, 3, d.ProbeBudget)

	ctrl.RecordResult(true, "")
	d = ctrl.Check(HealthStats{})
	assert.Equal(t, 2, d.ProbeBudget)
}

func TestHalfOpenBatchGrowsGeometrically(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenDuration = time.Millisecond
	cfg.DegradedBatchSize = 10
	cfg.BaselineBatchSize = 100
	cfg.RecoverySuccessCount = 10
	cfg.HalfOpenMaxRequests = 10
	cfg.EnableSmoothing = false
	cfg.FailureRateThreshold = 0.3
	ctrl, clk := newTestController(cfg)

	ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 1.0})
	clk.advance(time.Second)
	require.Equal(t, StateHalfOpen, ctrl.Check(HealthStats{}).State)

	ctrl.RecordResult(true, "")
	assert.Equal(t, 20, ctrl.Check(HealthStats{}).SuggestedBatchSize)
	ctrl.RecordResult(true, "")
	assert.Equal(t, 40, ctrl.Check(HealthStats{}).SuggestedBatchSize)
	ctrl.RecordResult(true, "")
	ctrl.RecordResult(true, "")
	// Capped at the closed baseline.
	assert.Equal(t, 100, ctrl.Check(HealthStats{}).SuggestedBatchSize)
}

func TestOpenBackfillOnlyMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0.3
	cfg.BackfillOnlyMode = true
	cfg.EnableSmoothing = false
	ctrl, _ := newTestController(cfg)

	d := ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 0.9})
	assert.Equal(t, StateOpen, d.State)
	assert.True(t, d.AllowSync)
	assert.True(t, d.IsBackfillOnly)
	assert.Equal(t, cfg.DegradedBatchSize, d.SuggestedBatchSize)
}

func TestSmoothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0.5
	cfg.EnableSmoothing = true
	cfg.SmoothingAlpha = 0.5
	ctrl, _ := newTestController(cfg)

	// First observation seeds the EWMA at 0.4: below threshold.
	d := ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 0.4})
	assert.Equal(t, StateClosed, d.State)

	// Raw 0.9 smooths to 0.5*0.9 + 0.5*0.4 = 0.65: trips.
	d = ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 0.9})
	assert.Equal(t, StateOpen, d.State)
}

func TestStateDictRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0.3
	cfg.OpenDuration = time.Minute
	cfg.EnableSmoothing = false
	ctrl, clk := newTestController(cfg)

	ctrl.Check(HealthStats{TotalRuns: 10, FailedRate: 0.8})
	require.Equal(t, StateOpen, ctrl.State())

	restored := New("scm:instance:other.example.com", cfg, clk.now)
	restored.LoadStateDict(ctrl.StateDict())

	// Load keeps the controller's own key.
	assert.Equal(t, "scm:instance:other.example.com", restored.Key())
	assert.Equal(t, StateOpen, restored.State())

	d := restored.Check(HealthStats{})
	assert.Equal(t, "failure_rate", d.TriggerReason)

	clk.advance(2 * time.Minute)
	d = restored.Check(HealthStats{})
	assert.Equal(t, StateHalfOpen, d.State)
}
