package http

import (
	"sync"
	"time"

	"github.com/dkeye/housecall/internal/domain"
	"golang.org/x/time/rate"
)

// SwapRateLimiter gives every swap target its own token bucket: limit
// swaps in a burst, refilled evenly over interval.
type SwapRateLimiter struct {
	mu       sync.Mutex
	buckets  map[domain.SwapTarget]*rate.Limiter
	every    rate.Limit
	burst    int
	disabled bool
	now      func() time.Time
}

// NewSwapRateLimiter throttles nothing when limit is not positive.
func NewSwapRateLimiter(limit int, interval time.Duration) *SwapRateLimiter {
	rl := &SwapRateLimiter{
		buckets:  make(map[domain.SwapTarget]*rate.Limiter),
		burst:    limit,
		disabled: limit <= 0 || interval <= 0,
		now:      time.Now,
	}
	if !rl.disabled {
		rl.every = rate.Every(interval / time.Duration(limit))
	}
	return rl
}

// Allow takes a token for target. Rejected attempts cost nothing.
func (rl *SwapRateLimiter) Allow(target domain.SwapTarget) bool {
	if rl.disabled {
		return true
	}
	rl.mu.Lock()
	b, ok := rl.buckets[target]
	if !ok {
		b = rate.NewLimiter(rl.every, rl.burst)
		rl.buckets[target] = b
	}
	rl.mu.Unlock()
	return b.AllowN(rl.now(), 1)
}
