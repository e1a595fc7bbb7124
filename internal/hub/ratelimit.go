package hub

import (
	"sync"
	"time"
)

// Default per-connection rate limit: sustained 100 requests/second with a
// burst allowance of 50.
const (
	defaultRatePerSecond = 100
	defaultBurst         = 50
)

// rateLimiter is a token bucket. One instance guards one connection.
type rateLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
}

func newRateLimiter(ratePerSecond, burst int) *rateLimiter {
	return &rateLimiter{
		rate:   float64(ratePerSecond),
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// allow consumes one token. When the bucket is empty it reports false plus
// how long the caller should wait before retrying.
func (rl *rateLimiter) allow() (bool, time.Duration) {
	return rl.allowAt(time.Now())
}

func (rl *rateLimiter) allowAt(now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	elapsed := now.Sub(rl.last).Seconds()
	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.burst {
			rl.tokens = rl.burst
		}
		rl.last = now
	}

	if rl.tokens >= 1 {
		rl.tokens--
		return true, 0
	}

	deficit := 1 - rl.tokens
	wait := time.Duration(deficit / rl.rate * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}
