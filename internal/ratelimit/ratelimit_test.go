package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestLimiterPerKey(t *testing.T) {
	l := NewLimiter(0, 2, 3) // no global limit; per key 2/s, burst 3

	key := "203.0.113.7"
	for i := 0; i < 3; i++ {
		if !l.Allow(key) {
			t.Errorf("Expected connection %d to be allowed for %s", i, key)
		}
	}
	if l.Allow(key) {
		t.Error("Expected connection to be denied past the burst")
	}
	if !l.Allow("203.0.113.8") {
		t.Error("Expected a different key to have its own budget")
	}
}

func TestLimiterGlobal(t *testing.T) {
	l := NewLimiter(2, 0, 2)

	if !l.Allow("a") || !l.Allow("b") {
		t.Error("Expected the first two connections to pass the global limit")
	}
	if l.Allow("c") {
		t.Error("Expected the third connection to be denied globally")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 0, 5)
	for i := 0; i < 100; i++ {
		if !l.Allow("x") {
			t.Errorf("Expected connection %d to be allowed when limits disabled", i)
		}
	}
}
