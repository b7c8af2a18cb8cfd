package api

import (
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(60, 5) // 1 per second, burst 5
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	key := "0xAbC"

	for i := 0; i < 5; i++ {
		if !rl.Allow(key) {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}
	if rl.Allow(key) {
		t.Error("Request beyond burst should be denied")
	}

	now = now.Add(500 * time.Millisecond)
	if rl.Allow(key) {
		t.Error("Half a token should not be enough")
	}

	now = now.Add(600 * time.Millisecond)
	if !rl.Allow(key) {
		t.Error("Request should be allowed after refill")
	}

	// Keys are case-insensitive
	if rl.Allow("0xabc") {
		t.Error("Differently cased key should share the bucket")
	}
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	key := "0x1"

	rl.Allow(key)
	rl.Allow(key)
	if rl.Allow(key) {
		t.Error("Bucket should be empty")
	}

	rl.Reset(key)
	if !rl.Allow(key) {
		t.Error("Request should be allowed after reset")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("0x1")
	now = now.Add(30 * time.Minute)
	rl.Allow("0x2")

	if rl.Len() != 2 {
		t.Fatalf("Expected 2 buckets, got %d", rl.Len())
	}

	now = now.Add(45 * time.Minute)
	rl.cleanup(time.Hour)

	if rl.Len() != 1 {
		t.Errorf("Expected the idle bucket to be dropped, got %d buckets", rl.Len())
	}
}
