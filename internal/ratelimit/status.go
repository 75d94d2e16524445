package ratelimit

import "time"

// InstanceBucketStatus is a read-only bucket snapshot for the scheduler:
// no token deduction, just enough to rank and penalize candidates.
type InstanceBucketStatus struct {
	InstanceKey    string
	IsPaused       bool
	PauseRemaining time.Duration
	CurrentTokens  float64
	Rate           float64
	Burst          float64
}

// LowTokens reports whether the bucket is below the given fraction of
// its capacity. The boundary itself is not low: tokens == frac*burst
// draws no penalty.
func (s InstanceBucketStatus) LowTokens(frac float64) bool {
	if s.Burst <= 0 {
		return false
	}
	return s.CurrentTokens < frac*s.Burst
}
