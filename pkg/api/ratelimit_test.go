package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl := NewRateLimiter(RatePolicy{RPM: 60, Burst: 3}, nil, nil)

	for i := 0; i < 3; i++ {
		verdict := rl.Allow("caller", "/api/v1/chat")
		assert.True(t, verdict.Allowed, "request %d within burst", i)
		assert.Equal(t, 60, verdict.Limit)
	}

	verdict := rl.Allow("caller", "/api/v1/chat")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, 0, verdict.Remaining)
	assert.Greater(t, verdict.RetryAfter, time.Duration(0))
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RatePolicy{RPM: 60, Burst: 1}, nil, nil)

	assert.True(t, rl.Allow("alice", "/x").Allowed)
	assert.False(t, rl.Allow("alice", "/x").Allowed)
	assert.True(t, rl.Allow("bob", "/x").Allowed)
}

func TestRateLimiter_RouteOverride(t *testing.T) {
	rl := NewRateLimiter(RatePolicy{RPM: 60, Burst: 10},
		map[string]RatePolicy{"/expensive": {RPM: 6, Burst: 1}}, nil)

	assert.True(t, rl.Allow("caller", "/expensive").Allowed)
	verdict := rl.Allow("caller", "/expensive")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, 6, verdict.Limit)

	// Default policy still applies elsewhere for the same caller.
	assert.True(t, rl.Allow("caller", "/cheap").Allowed)
}

func TestRateLimiter_SweepEvictsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(RatePolicy{RPM: 60, Burst: 1}, nil, nil)
	rl.Allow("caller", "/x")
	require.Equal(t, 1, rl.Size())

	rl.mu.Lock()
	for _, b := range rl.buckets {
		b.lastSeen = time.Now().Add(-3 * rateLimitCleanupInterval)
	}
	rl.mu.Unlock()

	rl.sweep()
	assert.Equal(t, 0, rl.Size())
}

func TestRateLimiter_CapEvictsLRU(t *testing.T) {
	rl := NewRateLimiter(RatePolicy{RPM: 60, Burst: 1}, nil, nil)

	for i := 0; i < MaxRateLimitBuckets; i++ {
		rl.Allow(fmt.Sprintf("caller-%d", i), "/x")
	}
	require.Equal(t, MaxRateLimitBuckets, rl.Size())

	rl.Allow("one-more", "/x")
	assert.Equal(t, MaxRateLimitBuckets, rl.Size())
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(RatePolicy{RPM: 60, Burst: 2}, nil, nil)

	e := echo.New()
	e.Use(errorEnvelope(nil), rl.Middleware())
	e.GET("/test", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer the-key")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))

	do()
	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), CodeRate)
}

func TestCallerKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	assert.Equal(t, "203.0.113.9", callerKey(req))

	req.Header.Set("X-API-Key", "api-key")
	assert.Equal(t, "api-key", callerKey(req))

	req.Header.Set("Authorization", "Bearer dvc_token")
	assert.Equal(t, "dvc_token", callerKey(req))
}
