// Package server builds token bucket limiters that throttle inbound frames per
// connection and chat posts per identity.
package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxLimiterKeys bounds the per-identity limiter map.
const maxLimiterKeys = 10000

func newRateLimiter(burst int, interval time.Duration) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(burst)/interval.Seconds()), burst)
}

// keyedLimiter hands out one token bucket per key.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	burst    int
	interval time.Duration
}

func newKeyedLimiter(burst int, interval time.Duration) *keyedLimiter {
	return &keyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		burst:    burst,
		interval: interval,
	}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		if len(k.limiters) >= maxLimiterKeys {
			k.limiters = make(map[string]*rate.Limiter)
		}
		limiter = newRateLimiter(k.burst, k.interval)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()

	return limiter.Allow()
}
