// Package ratelimit bounds how many engine notices per second reach the
// lifecycle log. It never decides whether a notice is applied to session state.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimiter combines a global bucket with one bucket per notice type, so a
// chatty type cannot starve the rest. A zero rate disables that layer.
type RateLimiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perType   map[string]*TokenBucket
	typeRate  int
	burstSize int
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing globalRate notices per second in
// total and perTypeRate per notice type, each with burstSize headroom.
func NewRateLimiter(globalRate, perTypeRate, burstSize int) *RateLimiter {
	return newRateLimiter(globalRate, perTypeRate, burstSize, time.Now)
}

func newRateLimiter(globalRate, perTypeRate, burstSize int, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		perType:   make(map[string]*TokenBucket),
		typeRate:  perTypeRate,
		burstSize: burstSize,
		now:       now,
	}
	if globalRate > 0 {
		rl.global = newTokenBucket(globalRate, burstSize, now)
	}
	return rl
}

// Allow reports whether a notice of the given type may be logged now.
// A nil limiter allows everything.
func (rl *RateLimiter) Allow(noticeType string) bool {
	if rl == nil {
		return true
	}
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.typeRate <= 0 {
		return true
	}

	rl.mu.Lock()
	bucket, exists := rl.perType[noticeType]
	if !exists {
		bucket = newTokenBucket(rl.typeRate, rl.burstSize, rl.now)
		rl.perType[noticeType] = bucket
	}
	rl.mu.Unlock()

	return bucket.Allow()
}

// Reset drops all per-type buckets. Called at the start of each session.
func (rl *RateLimiter) Reset() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	rl.perType = make(map[string]*TokenBucket)
	rl.mu.Unlock()
}
