package domain

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// ErrorCategory classifies a run failure for retry policy purposes.
type ErrorCategory string

const (
	CategoryAuthError        ErrorCategory = "auth_error"
	CategoryRepoNotFound     ErrorCategory = "repo_not_found"
	CategoryPermissionDenied ErrorCategory = "permission_denied"
	CategoryRateLimited      ErrorCategory = "rate_limited"
	CategoryTimeout          ErrorCategory = "timeout"
	CategoryNetwork          ErrorCategory = "network"
	CategoryServerError      ErrorCategory = "server_error"
	CategoryContentTooLarge  ErrorCategory = "content_too_large"
	CategoryValidation       ErrorCategory = "validation"
	CategoryUnknown          ErrorCategory = "unknown"
)

// Permanent reports whether the category never retries. Permanent
// failures skip backoff and escalate the job straight to dead.
func (c ErrorCategory) Permanent() bool {
	switch c {
	case CategoryAuthError, CategoryRepoNotFound, CategoryPermissionDenied, CategoryValidation:
		return true
	}
	return false
}

// BackoffBase returns the category-specific base delay for exponential
// backoff. Zero means the caller should fall back to its configured
// default retry delay.
func (c ErrorCategory) BackoffBase() time.Duration {
	switch c {
	case CategoryRateLimited:
		return 30 * time.Second
	case CategoryTimeout:
		return 15 * time.Second
	case CategoryNetwork, CategoryServerError:
		return 10 * time.Second
	}
	return 0
}

// CategoryFromHTTPStatus maps an HTTP status to an error category.
// 403 defaults to auth_error; adapters that know the failure was
// resource-scoped report permission_denied themselves.
func CategoryFromHTTPStatus(status int) ErrorCategory {
	switch {
	case status == 401 || status == 403:
		return CategoryAuthError
	case status == 404:
		return CategoryRepoNotFound
	case status == 429:
		return CategoryRateLimited
	case status == 408:
		return CategoryTimeout
	case status >= 500:
		return CategoryServerError
	}
	return CategoryUnknown
}

// ClassifyMessage infers a category from stored error text. The reaper
// uses this to decide what to do with an expired lease whose last_error
// is all it has.
func ClassifyMessage(msg string) ErrorCategory {
	m := strings.ToLower(msg)
	switch {
	case m == "":
		return CategoryUnknown
	case strings.Contains(m, "401") || strings.Contains(m, "unauthorized") || strings.Contains(m, "invalid token") || strings.Contains(m, "auth"):
		return CategoryAuthError
	case strings.Contains(m, "404") || strings.Contains(m, "not found"):
		return CategoryRepoNotFound
	case strings.Contains(m, "permission denied") || strings.Contains(m, "forbidden"):
		return CategoryPermissionDenied
	case strings.Contains(m, "429") || strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests"):
		return CategoryRateLimited
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out") || strings.Contains(m, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(m, "connection refused") || strings.Contains(m, "connection reset") || strings.Contains(m, "no such host") || strings.Contains(m, "network"):
		return CategoryNetwork
	case strings.Contains(m, "500") || strings.Contains(m, "502") || strings.Contains(m, "503") || strings.Contains(m, "server error"):
		return CategoryServerError
	}
	return CategoryUnknown
}

// RetryPolicy configures retry backoff for transient failures.
type RetryPolicy struct {
	RetryDelay time.Duration // base delay for unknown categories
	MaxBackoff time.Duration // cap on the computed delay
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RetryDelay: 60 * time.Second,
		MaxBackoff: 30 * time.Minute,
	}
}

// Jitter produces a random delay in [0, d). Injectable so deterministic
// tests can pin it.
type Jitter func(d time.Duration) time.Duration

// DefaultJitter draws from math/rand/v2.
func DefaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return rand.N(d)
}

// BackoffDelay computes min(max, base * 2^(attempts-1) + jitter) where
// base depends on the error category. Attempts counts the failure being
// scheduled, so the first retry uses the base delay itself.
func BackoffDelay(attempts int, cat ErrorCategory, pol RetryPolicy, jitter Jitter) time.Duration {
	base := cat.BackoffBase()
	if base <= 0 {
		base = pol.RetryDelay
	}
	if attempts < 1 {
		attempts = 1
	}
	if jitter == nil {
		jitter = DefaultJitter
	}

	d := float64(base) * math.Pow(2, float64(attempts-1))
	if d > float64(pol.MaxBackoff) {
		d = float64(pol.MaxBackoff)
	}

	delay := time.Duration(d) + jitter(base)
	if delay > pol.MaxBackoff {
		delay = pol.MaxBackoff
	}
	return delay
}
