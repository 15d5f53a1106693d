// Package services – RateLimiter
//
// This file implements the per-sender command throttle: a fixed 60-second
// window per (owner, sender) key. It is intentionally NOT a token bucket:
// callers need the number of seconds left in the current window for the
// user-facing wait message, which a bucket cannot report. The HTTP edge uses
// a golang.org/x/time/rate bucket separately (see internal/http/middleware);
// the two limiters serve different layers and are not interchangeable.
//
// State lives behind the CounterStore seam. The in-memory default is
// process-local and lost on restart, which is acceptable for a window of at
// most 60 seconds. A multi-instance deployment must plug in a shared store
// to preserve the global per-minute ceiling.
//
// The in-memory store never evicts stale keys. That is a scaling concern,
// not a correctness one: windows reset lazily on the next Consume.
package services

import (
	"fmt"
	"sync"
	"time"
)

// rateWindow is the fixed throttle window.
const rateWindow = 60 * time.Second

// RateResult is the outcome of one Consume call.
type RateResult struct {
	// Limited is true when the call must be denied.
	Limited bool
	// RetryAfter is how long until the current window resets. Only
	// meaningful when Limited is true.
	RetryAfter time.Duration
}

// CounterStore tracks request counts per key within fixed windows.
// Implementations must be safe for concurrent use.
type CounterStore interface {
	// Consume increments the counter for key at now within a window of the
	// given length, unless the count has already reached limit. It reports
	// whether the call is allowed and, when denied, the remaining window.
	Consume(key string, limit int, window time.Duration, now time.Time) (allowed bool, retryAfter time.Duration)

	// Len reports the number of tracked keys, for diagnostics.
	Len() int
}

// RateLimiter throttles commands per (owner, sender) key.
type RateLimiter struct {
	// Store holds the window counters. Defaults to an in-memory map.
	Store CounterStore
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// NewRateLimiter constructs a RateLimiter backed by the in-memory store.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Store: NewMemoryCounterStore(),
		Now:   time.Now,
	}
}

// Consume records one command attempt for the sender under the owner's
// per-minute limit. A limit of zero (or less) denies everything; the staff
// override path is the only way past it.
func (rl *RateLimiter) Consume(ownerUserID, senderPhone string, limitPerMinute int) RateResult {
	key := fmt.Sprintf("%s|%s", ownerUserID, senderPhone)
	allowed, retry := rl.Store.Consume(key, limitPerMinute, rateWindow, rl.Now())
	return RateResult{Limited: !allowed, RetryAfter: retry}
}

// windowEntry is one key's counter within its current window.
type windowEntry struct {
	count       int
	windowStart time.Time
}

// MemoryCounterStore is the process-local CounterStore. Safe for concurrent
// use.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
}

// NewMemoryCounterStore constructs an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{entries: make(map[string]*windowEntry)}
}

// Consume implements CounterStore with lazy window resets: when the stored
// window is older than the window length it restarts at now, otherwise the
// counter increments until it reaches limit.
func (s *MemoryCounterStore) Consume(key string, limit int, window time.Duration, now time.Time) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.Sub(e.windowStart) >= window {
		e = &windowEntry{windowStart: now}
		s.entries[key] = e
	}
	if e.count >= limit {
		remaining := e.windowStart.Add(window).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		return false, remaining
	}
	e.count++
	return true, 0
}

// Len implements CounterStore.
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
