package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLowTokens_Boundary(t *testing.T) {
	// tokens == 0.2*burst is not low; just below is.
	at := InstanceBucketStatus{CurrentTokens: 20, Burst: 100}
	assert.False(t, at.LowTokens(0.2))

	below := InstanceBucketStatus{CurrentTokens: 19, Burst: 100}
	assert.True(t, below.LowTokens(0.2))

	zeroBurst := InstanceBucketStatus{CurrentTokens: 0, Burst: 0}
	assert.False(t, zeroBurst.LowTokens(0.2))
}
