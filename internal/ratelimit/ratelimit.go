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
}

// NewTokenBucket creates a new token bucket with the given rate and capacity.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
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

// Limiter gates accepted connections globally and per key (the relay keys on
// remote IP). A zero rate disables the corresponding check.
type Limiter struct {
	mu      sync.Mutex
	global  *TokenBucket
	perKey  map[string]*TokenBucket
	rate    int
	burst   int
	lastGC  time.Time
	maxKeys int
}

// NewLimiter creates a limiter with a global rate and a per-key rate, both in
// connections per second with the given burst capacity.
func NewLimiter(globalRate, perKeyRate, burst int) *Limiter {
	l := &Limiter{
		perKey:  make(map[string]*TokenBucket),
		rate:    perKeyRate,
		burst:   burst,
		lastGC:  time.Now(),
		maxKeys: 64 * 1024,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Allow reports whether a new connection from key may proceed.
func (l *Limiter) Allow(key string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	if len(l.perKey) >= l.maxKeys && time.Since(l.lastGC) > time.Minute {
		// full buckets are indistinguishable from fresh ones; drop them all
		l.perKey = make(map[string]*TokenBucket)
		l.lastGC = time.Now()
	}
	bucket, ok := l.perKey[key]
	if !ok {
		bucket = NewTokenBucket(l.rate, l.burst)
		l.perKey[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}
