package orch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallRateLimiter_AllowsUpToLimit(t *testing.T) {
	rl := NewCallRateLimiter(3, time.Minute)

	assert.True(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))

	// other connections keep their own window
	assert.True(t, rl.Allow("c2"))
}

func TestCallRateLimiter_WindowSlides(t *testing.T) {
	rl := NewCallRateLimiter(2, 30*time.Millisecond)

	assert.True(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))

	time.Sleep(40 * time.Millisecond)
	assert.True(t, rl.Allow("c1"))
}

func TestCallRateLimiter_ZeroLimitDisables(t *testing.T) {
	rl := NewCallRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("c1"))
	}
}

func TestCallRateLimiter_ForgetResetsHistory(t *testing.T) {
	rl := NewCallRateLimiter(1, time.Minute)

	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))

	rl.Forget("c1")
	assert.True(t, rl.Allow("c1"))
}
