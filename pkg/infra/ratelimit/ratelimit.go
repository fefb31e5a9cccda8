// Package ratelimit throttles per-key event rates with token buckets.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter interface {
	Allow(key string) bool
	Reset(key string)
}

// TokenBucketLimiter keeps one bucket per key. A bucket starts full and
// refills at rate tokens per second up to burst.
type TokenBucketLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	dropped map[string]int64
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

type Option func(*TokenBucketLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *TokenBucketLimiter) { l.now = now }
}

func New(rate float64, burst int, opts ...Option) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1.0
	}
	if burst <= 0 {
		burst = 1
	}
	l := &TokenBucketLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		dropped: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow takes a token from key's bucket. A refused call is counted in
// Dropped.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastUpdate: now}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastUpdate).Seconds(); elapsed > 0 {
		b.tokens = min(b.tokens+elapsed*l.rate, l.burst)
		b.lastUpdate = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	l.dropped[key]++
	return false
}

func (l *TokenBucketLimiter) Dropped(key string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped[key]
}

func (l *TokenBucketLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.buckets, key)
	delete(l.dropped, key)
}
