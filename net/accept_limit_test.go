package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcceptLimiterBurst(t *testing.T) {
	limiter := NewAcceptLimiter(1, 2)

	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow(), "bucket exhausted")
}

func TestAcceptLimiterReload(t *testing.T) {
	limiter := NewAcceptLimiter(1, 1)
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	limiter.Reload(100, 10)
	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow(), "fresh bucket after reload")
	}
}

func TestFunnelLimiterReload(t *testing.T) {
	limiter := NewFunnelLimiter(1000)
	limiter.Take()
	limiter.Take()

	limiter.Reload(2000)
	limiter.Take()
}
