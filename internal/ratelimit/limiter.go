// Package ratelimit throttles session starts per caller with token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepEvery is the minimum gap between scans for idle buckets.
const sweepEvery = time.Minute

// Limiter keeps one token bucket per caller key. Buckets that have refilled
// completely are indistinguishable from new ones and are dropped.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	rate      rate.Limit
	burst     int
	lastSweep time.Time

	now func() time.Time
}

// NewLimiter creates a limiter allowing requestsPerHour sustained requests
// per key with bursts of up to burst.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow takes a token from key's bucket. It reports whether one was
// available and how many remain.
func (l *Limiter) Allow(key string) (bool, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.rate, l.burst)
		l.buckets[key] = bucket
	}
	allowed := bucket.AllowN(now, 1)
	return allowed, bucket.TokensAt(now)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < sweepEvery {
		return
	}
	l.lastSweep = now

	full := float64(l.burst)
	for key, bucket := range l.buckets {
		if bucket.TokensAt(now) >= full {
			delete(l.buckets, key)
		}
	}
}
