package api

import (
	"context"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a per-wallet token bucket. Buckets hold up to burst tokens
// and refill at perMinute tokens per minute.
type RateLimiter struct {
	buckets    map[string]*tokenBucket
	bucketsMux sync.RWMutex
	burst      float64
	perSecond  float64
	now        func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	mutex      sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		buckets:   make(map[string]*tokenBucket),
		burst:     float64(burst),
		perSecond: float64(perMinute) / 60,
		now:       time.Now,
	}
}

// Allow takes a token from key's bucket
func (rl *RateLimiter) Allow(key string) bool {
	bucket := rl.getBucket(strings.ToLower(key))

	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()

	now := rl.now()
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed > 0 {
		bucket.tokens += elapsed * rl.perSecond
		if bucket.tokens > rl.burst {
			bucket.tokens = rl.burst
		}
		bucket.lastRefill = now
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}
	return false
}

// Reset refills key's bucket
func (rl *RateLimiter) Reset(key string) {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	if bucket, exists := rl.buckets[strings.ToLower(key)]; exists {
		bucket.mutex.Lock()
		bucket.tokens = rl.burst
		bucket.lastRefill = rl.now()
		bucket.mutex.Unlock()
	}
}

func (rl *RateLimiter) getBucket(key string) *tokenBucket {
	rl.bucketsMux.RLock()
	bucket, exists := rl.buckets[key]
	rl.bucketsMux.RUnlock()

	if exists {
		return bucket
	}

	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists := rl.buckets[key]; exists {
		return bucket
	}

	bucket = &tokenBucket{
		tokens:     rl.burst,
		lastRefill: rl.now(),
	}
	rl.buckets[key] = bucket
	return bucket
}

// cleanup drops buckets idle for longer than maxIdle
func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	for key, bucket := range rl.buckets {
		bucket.mutex.Lock()
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
		}
		bucket.mutex.Unlock()
	}
}

// StartCleanup drops idle buckets every interval until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(time.Hour)
			}
		}
	}()
}

// Len returns the number of tracked buckets
func (rl *RateLimiter) Len() int {
	rl.bucketsMux.RLock()
	defer rl.bucketsMux.RUnlock()
	return len(rl.buckets)
}
