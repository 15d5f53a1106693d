// Package middleware – edge rate limiting.
//
// A per-client token bucket on golang.org/x/time/rate protecting the HTTP
// surface from floods. This is deliberately NOT the command throttle: the
// engine's fixed-window limiter (internal/services) enforces the per-sender
// command ceiling with user-facing wait times, while this bucket only guards
// the transport. The two must not be merged.
//
// Buckets are keyed by client IP, created on demand, and evicted after an
// idle TTL during opportunistic cleanup passes. Process-local by design; a
// horizontally scaled deployment needs a distributed limiter in front.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// bucket pairs a limiter with its last-seen time for idle eviction.
type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// EdgeLimiter implements the per-IP token bucket. Safe for concurrent use.
type EdgeLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	ttl     time.Duration
	lookups uint64
}

// NewEdgeLimiter constructs an EdgeLimiter with the given refill rate and
// burst. burst values <= 0 are coerced to 1.
func NewEdgeLimiter(rps float64, burst int) *EdgeLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &EdgeLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
		ttl:     10 * time.Minute,
	}
}

// get returns the limiter for key, creating it if absent. Every ~5000
// lookups idle buckets are evicted first, so a stale bucket being fetched
// can still be replaced.
func (e *EdgeLimiter) get(key string) *rate.Limiter {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lookups++
	if e.lookups >= 5000 {
		for k, b := range e.buckets {
			if now.Sub(b.lastSeen) >= e.ttl {
				delete(e.buckets, k)
			}
		}
		e.lookups = 0
	}

	if b, ok := e.buckets[key]; ok {
		b.lastSeen = now
		return b.lim
	}
	lim := rate.NewLimiter(e.rps, e.burst)
	e.buckets[key] = &bucket{lim: lim, lastSeen: now}
	return lim
}

// Handler returns the Gin middleware enforcing the bucket. Denials get a 429
// with a minimal Retry-After.
func (e *EdgeLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if e.get(c.ClientIP()).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.GetString(requestIDKey),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
