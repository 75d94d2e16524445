package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenant(t *testing.T) {
	assert.Equal(t, "acme", Repo{ProjectKey: "acme/platform/api"}.Tenant())
	assert.Equal(t, "acme", Repo{ProjectKey: "acme/api"}.Tenant())
	assert.Equal(t, "", Repo{ProjectKey: "standalone"}.Tenant())
	assert.Equal(t, "", Repo{ProjectKey: ""}.Tenant())
}

func TestLeaseExpired(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	lockedAt := now.Add(-10 * time.Minute)

	job := SyncJob{LockedAt: &lockedAt, LeaseSeconds: 300}
	assert.True(t, job.LeaseExpired(now, 60*time.Second))
	assert.False(t, job.LeaseExpired(now, 10*time.Minute))

	unlocked := SyncJob{LeaseSeconds: 300}
	assert.False(t, unlocked.LeaseExpired(now, 0))
}

func TestValidateCounts(t *testing.T) {
	ok, missing, invalid := ValidateCounts(Counts{
		KeySyncedCount:   100,
		"diff_count":     95,
		"total_429_hits": 3,
	})
	assert.True(t, ok)
	assert.Empty(t, missing)
	assert.Empty(t, invalid)

	ok, missing, _ = ValidateCounts(Counts{"diff_count": 1})
	assert.False(t, ok)
	assert.Equal(t, []string{KeySyncedCount}, missing)

	ok, _, invalid = ValidateCounts(Counts{KeySyncedCount: -1})
	assert.False(t, ok)
	assert.Equal(t, []string{KeySyncedCount}, invalid)

	// Unknown keys pass validation untouched.
	ok, _, _ = ValidateCounts(Counts{KeySyncedCount: 1, "custom_metric": 5})
	assert.True(t, ok)
}

func TestCountsMerge(t *testing.T) {
	a := Counts{KeySyncedCount: 10, "diff_count": 2}
	b := Counts{KeySyncedCount: 5, "skipped_count": 1}

	merged := a.Merge(b)
	assert.Equal(t, int64(15), merged.SyncedCount())
	assert.Equal(t, int64(2), merged["diff_count"])
	assert.Equal(t, int64(1), merged["skipped_count"])
	// Inputs untouched.
	assert.Equal(t, int64(10), a.SyncedCount())
}

func TestPauseRecordRoundTrip(t *testing.T) {
	rec := PauseRecord{
		PausedUntil: 1766800000,
		Reason:      "circuit breaker open",
		PausedAt:    1766796400,
		ReasonCode:  "breaker_open",
		FailureRate: 0.42,
	}
	require.Equal(t, rec, PauseRecordFromDict(rec.ToDict()))
}

func TestPauseRecordFromJSONNumbers(t *testing.T) {
	// encoding/json produces float64 for every number.
	rec := PauseRecordFromDict(map[string]any{
		"paused_until": float64(1766800000),
		"paused_at":    float64(1766796400),
		"reason":       "manual",
		"reason_code":  "admin",
		"failure_rate": 0.1,
	})
	assert.Equal(t, int64(1766800000), rec.PausedUntil)
	assert.Equal(t, "manual", rec.Reason)
}

func TestCategoryPermanent(t *testing.T) {
	for _, cat := range []ErrorCategory{CategoryAuthError, CategoryRepoNotFound, CategoryPermissionDenied, CategoryValidation} {
		assert.True(t, cat.Permanent(), string(cat))
	}
	for _, cat := range []ErrorCategory{CategoryRateLimited, CategoryTimeout, CategoryNetwork, CategoryServerError, CategoryUnknown, CategoryContentTooLarge} {
		assert.False(t, cat.Permanent(), string(cat))
	}
}

func TestClassifyMessage(t *testing.T) {
	cases := map[string]ErrorCategory{
		"HTTP 401 Unauthorized":          CategoryAuthError,
		"project not found":              CategoryRepoNotFound,
		"permission denied on resource":  CategoryPermissionDenied,
		"429 Too Many Requests":          CategoryRateLimited,
		"context deadline exceeded":      CategoryTimeout,
		"dial tcp: connection refused":   CategoryNetwork,
		"502 Bad Gateway":                CategoryServerError,
		"something else entirely broke":  CategoryUnknown,
		"":                               CategoryUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, ClassifyMessage(msg), msg)
	}
}

func TestBackoffDelay(t *testing.T) {
	pol := RetryPolicy{RetryDelay: 60 * time.Second, MaxBackoff: 30 * time.Minute}
	noJitter := func(time.Duration) time.Duration { return 0 }

	// Category bases double per attempt.
	assert.Equal(t, 30*time.Second, BackoffDelay(1, CategoryRateLimited, pol, noJitter))
	assert.Equal(t, 60*time.Second, BackoffDelay(2, CategoryRateLimited, pol, noJitter))
	assert.Equal(t, 15*time.Second, BackoffDelay(1, CategoryTimeout, pol, noJitter))
	assert.Equal(t, 10*time.Second, BackoffDelay(1, CategoryNetwork, pol, noJitter))
	assert.Equal(t, 10*time.Second, BackoffDelay(1, CategoryServerError, pol, noJitter))

	// Unknown falls back to the configured retry delay.
	assert.Equal(t, 60*time.Second, BackoffDelay(1, CategoryUnknown, pol, noJitter))

	// Capped at MaxBackoff.
	assert.Equal(t, pol.MaxBackoff, BackoffDelay(20, CategoryUnknown, pol, noJitter))

	// Jitter is additive but still capped.
	withJitter := func(d time.Duration) time.Duration { return d / 2 }
	assert.Equal(t, 45*time.Second, BackoffDelay(1, CategoryRateLimited, pol, withJitter))
}

func TestCategoryFromHTTPStatus(t *testing.T) {
	assert.Equal(t, CategoryAuthError, CategoryFromHTTPStatus(401))
	assert.Equal(t, CategoryAuthError, CategoryFromHTTPStatus(403))
	assert.Equal(t, CategoryRepoNotFound, CategoryFromHTTPStatus(404))
	assert.Equal(t, CategoryRateLimited, CategoryFromHTTPStatus(429))
	assert.Equal(t, CategoryServerError, CategoryFromHTTPStatus(503))
	assert.Equal(t, CategoryUnknown, CategoryFromHTTPStatus(200))
}
