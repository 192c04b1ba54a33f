package http

import (
	"testing"
	"time"

	"github.com/dkeye/housecall/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestSwapRateLimiter_Window(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewSwapRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow(domain.SwapCamera))
	assert.True(t, rl.Allow(domain.SwapCamera))
	assert.False(t, rl.Allow(domain.SwapCamera))
	assert.True(t, rl.Allow(domain.SwapMike), "targets are limited independently")

	now = now.Add(5 * time.Second)
	assert.True(t, rl.Allow(domain.SwapCamera), "one token back after half the interval")
	assert.False(t, rl.Allow(domain.SwapCamera))

	now = now.Add(10 * time.Second)
	assert.True(t, rl.Allow(domain.SwapCamera), "bucket refilled")
	assert.True(t, rl.Allow(domain.SwapCamera))
	assert.False(t, rl.Allow(domain.SwapCamera), "burst is capped at the limit")
}

func TestSwapRateLimiter_RejectedDoNotCount(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewSwapRateLimiter(1, 10*time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow(domain.SwapSpeaker))
	now = now.Add(5 * time.Second)
	assert.False(t, rl.Allow(domain.SwapSpeaker))
	now = now.Add(6 * time.Second)
	assert.True(t, rl.Allow(domain.SwapSpeaker))
}

func TestSwapRateLimiter_Disabled(t *testing.T) {
	rl := NewSwapRateLimiter(0, time.Second)
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow(domain.SwapCamera))
	}
}
