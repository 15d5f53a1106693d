package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestEdgeLimiter_DeniesAfterBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// No refill to speak of within the test; burst of 2.
	r.Use(NewEdgeLimiter(0.0001, 2).Handler())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst requests should pass: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third request should be limited: %v", codes)
	}
}

func TestEdgeLimiter_PerClientBuckets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewEdgeLimiter(0.0001, 1).Handler())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(addr string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.RemoteAddr = addr
		r.ServeHTTP(w, req)
		return w.Code
	}

	if do("10.0.0.1:1") != http.StatusOK {
		t.Fatalf("first client's first request should pass")
	}
	if do("10.0.0.1:1") != http.StatusTooManyRequests {
		t.Fatalf("first client's second request should be limited")
	}
	if do("10.0.0.2:1") != http.StatusOK {
		t.Fatalf("second client must have its own bucket")
	}
}

func TestNewEdgeLimiter_CoercesBurst(t *testing.T) {
	e := NewEdgeLimiter(1, 0)
	if e.burst != 1 {
		t.Fatalf("burst = %d, want coerced 1", e.burst)
	}
}

func TestEdgeLimiter_DenialHasRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewEdgeLimiter(0.0001, 1).Handler())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.RemoteAddr = "10.0.0.9:1"
		r.ServeHTTP(w, req)
		if i == 1 {
			if w.Code != http.StatusTooManyRequests {
				t.Fatalf("status = %d", w.Code)
			}
			if w.Header().Get("Retry-After") == "" {
				t.Fatalf("Retry-After missing on denial")
			}
		}
	}
}
