package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/time/rate"
)

// Rate limiter bounds.
const (
	// MaxRateLimitBuckets caps the bucket map; the least recently used bucket
	// is evicted beyond this.
	MaxRateLimitBuckets = 10_000

	// rateLimitCleanupInterval is the idle-bucket sweep period. Buckets idle
	// for twice this are evicted.
	rateLimitCleanupInterval = 1 * time.Minute
)

// RatePolicy is requests-per-minute with a burst capacity.
type RatePolicy struct {
	RPM   float64
	Burst int
}

// Verdict is one admission decision.
type Verdict struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter admits requests per hashed caller key with per-route policy
// overrides. Buckets leak at rpm/60 tokens per second on a monotonic clock.
type RateLimiter struct {
	defaultPolicy RatePolicy
	routePolicies map[string]RatePolicy // path → policy

	mu      sync.Mutex
	buckets map[string]*bucket

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewRateLimiter creates a limiter. routePolicies keys are exact request paths.
func NewRateLimiter(defaultPolicy RatePolicy, routePolicies map[string]RatePolicy, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultPolicy.RPM <= 0 {
		defaultPolicy.RPM = 60
	}
	if defaultPolicy.Burst <= 0 {
		defaultPolicy.Burst = 10
	}
	return &RateLimiter{
		defaultPolicy: defaultPolicy,
		routePolicies: routePolicies,
		buckets:       make(map[string]*bucket),
		logger:        logger.With("component", "rate_limiter"),
	}
}

// Allow runs one admission decision for (key, path).
func (rl *RateLimiter) Allow(key, path string) Verdict {
	policy := rl.defaultPolicy
	if override, ok := rl.routePolicies[path]; ok {
		policy = override
	}

	bucketKey := hashKey(key) + "|" + path

	rl.mu.Lock()
	b, ok := rl.buckets[bucketKey]
	if !ok {
		if len(rl.buckets) >= MaxRateLimitBuckets {
			rl.evictOldestLocked()
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(policy.RPM/60.0), policy.Burst)}
		rl.buckets[bucketKey] = b
	}
	b.lastSeen = time.Now()
	limiter := b.limiter
	rl.mu.Unlock()

	if limiter.Allow() {
		return Verdict{
			Allowed:   true,
			Limit:     int(policy.RPM),
			Remaining: int(math.Floor(limiter.Tokens())),
		}
	}

	// Time until one token leaks back
	retryAfter := time.Duration(float64(time.Second) * 60.0 / policy.RPM)
	return Verdict{
		Allowed:    false,
		Limit:      int(policy.RPM),
		Remaining:  0,
		RetryAfter: retryAfter,
	}
}

// evictOldestLocked drops the least recently used bucket. Caller holds mu.
func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, b := range rl.buckets {
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey = key
			oldest = b.lastSeen
		}
	}
	if oldestKey != "" {
		delete(rl.buckets, oldestKey)
	}
}

// Start launches the idle-bucket sweep. No-op when already running.
func (rl *RateLimiter) Start(ctx context.Context) {
	if rl.cancel != nil {
		return
	}
	ctx, rl.cancel = context.WithCancel(ctx)
	rl.done = make(chan struct{})

	go func() {
		defer close(rl.done)
		ticker := time.NewTicker(rateLimitCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.sweep()
			}
		}
	}()
}

// Stop halts the sweep goroutine.
func (rl *RateLimiter) Stop() {
	if rl.cancel != nil {
		rl.cancel()
	}
	if rl.done != nil {
		<-rl.done
	}
	rl.cancel = nil
	rl.done = nil
}

// sweep evicts buckets untouched for two cleanup intervals.
func (rl *RateLimiter) sweep() {
	cutoff := time.Now().Add(-2 * rateLimitCleanupInterval)
	rl.mu.Lock()
	before := len(rl.buckets)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
	evicted := before - len(rl.buckets)
	rl.mu.Unlock()

	if evicted > 0 {
		rl.logger.Debug("Evicted idle rate limit buckets", "count", evicted)
	}
}

// Size returns the current bucket count.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Middleware enforces the limiter, keyed by bearer credential or client IP.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			verdict := rl.Allow(callerKey(c.Request()), c.Request().URL.Path)
			rateLimitHeaders(c, verdict.Limit, verdict.Remaining)
			if !verdict.Allowed {
				c.Response().Header().Set("Retry-After",
					strconv.Itoa(int(math.Ceil(verdict.RetryAfter.Seconds()))))
				return newAPIError(http.StatusTooManyRequests, CodeRate, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// callerKey identifies the caller: bearer credential when present, else
// client IP.
func callerKey(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
