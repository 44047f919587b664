package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/relaydesk/agentd/pkg/services"
)

// Context keys for values set by middleware.
const (
	ctxKeyRequestID     = "request_id"
	ctxKeyDeviceSession = "device_session"
)

// requestIDFrom returns the request id assigned by requestID middleware.
func requestIDFrom(c *echo.Context) string {
	if id, ok := c.Get(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// deviceSessionFrom returns the authenticated device session, if any.
func deviceSessionFrom(c *echo.Context) *services.DeviceSession {
	if sess, ok := c.Get(ctxKeyDeviceSession).(*services.DeviceSession); ok {
		return sess
	}
	return nil
}

// requestID assigns every request an id, honouring an inbound X-Request-ID.
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = uuid.New().String()
			}
			c.Set(ctxKeyRequestID, id)
			c.Response().Header().Set("X-Request-ID", id)
			return next(c)
		}
	}
}

// responseTime sets X-Response-Time on the way out.
func responseTime() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			// Header must be set before the body is written; for committed
			// responses (streams) the duration is only logged.
			if resp, _ := echo.UnwrapResponse(c.Response()); resp != nil && !resp.Committed {
				c.Response().Header().Set("X-Response-Time",
					fmt.Sprintf("%dms", time.Since(start).Milliseconds()))
			}
			return err
		}
	}
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if !strings.HasPrefix(c.Request().URL.Path, "/oauth/") {
				// OAuth callback pages render HTML; everything else is API-only.
				h.Set("Content-Security-Policy", "default-src 'none'")
			}
			return next(c)
		}
	}
}

// cors applies the configured origin allow-list with credentials.
func cors(allowedOrigins []string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			if origin != "" && allowed[origin] {
				h := c.Response().Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Vary", "Origin")
				if c.Request().Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-Request-ID,Last-Event-ID")
					h.Set("Access-Control-Max-Age", "600")
					return c.NoContent(http.StatusNoContent)
				}
			}
			return next(c)
		}
	}
}

// auth authenticates protected routes: a device token ("dvc_" bearer) or the
// service API key (X-API-Key or bearer). Device sessions land in the context.
func (s *Server) auth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			bearer := bearerToken(c.Request())

			if strings.HasPrefix(bearer, "dvc_") {
				session, err := s.devices.Validate(c.Request().Context(), bearer)
				if err != nil {
					return newAPIError(http.StatusUnauthorized, CodeAuth, "invalid or expired device token")
				}
				c.Set(ctxKeyDeviceSession, session)
				return next(c)
			}

			key := c.Request().Header.Get("X-API-Key")
			if key == "" {
				key = bearer
			}
			if s.cfg.APIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
				return newAPIError(http.StatusUnauthorized, CodeAuth, "authentication required")
			}
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// bodyLimit rejects bodies whose received bytes exceed the limit, regardless
// of Content-Length.
func bodyLimit(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			if req.ContentLength > limit {
				return payloadTooLarge(limit)
			}
			if req.Body != nil {
				req.Body = &limitedBody{reader: req.Body, remaining: limit}
			}
			err := next(c)
			if isLimitExceeded(err) {
				return payloadTooLarge(limit)
			}
			return err
		}
	}
}

func payloadTooLarge(limit int64) *apiError {
	return newAPIError(http.StatusRequestEntityTooLarge, CodePayload,
		fmt.Sprintf("request body exceeds %d bytes", limit))
}

type limitExceededError struct{ limit int64 }

func (e *limitExceededError) Error() string {
	return fmt.Sprintf("body larger than %d bytes", e.limit)
}

// limitedBody counts actual bytes read and fails once the limit is crossed.
type limitedBody struct {
	reader    io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, &limitExceededError{}
	}
	n, err := b.reader.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, &limitExceededError{}
	}
	return n, err
}

func (b *limitedBody) Close() error { return b.reader.Close() }

// isLimitExceeded detects the body-limit failure even when binding layers
// wrap it without an Unwrap chain.
func isLimitExceeded(err error) bool {
	if err == nil {
		return false
	}
	var lbErr *limitExceededError
	if errors.As(err, &lbErr) {
		return true
	}
	return strings.Contains(err.Error(), "body larger than")
}

// timeout bounds non-streaming requests. Streaming paths manage their own
// deadlines.
func timeout(d time.Duration, exemptPaths ...string) echo.MiddlewareFunc {
	exempt := make(map[string]bool, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if exempt[c.Request().URL.Path] || c.QueryParam("stream") == "true" {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// rateLimitHeaders exposes the limiter's verdict on successful responses.
func rateLimitHeaders(c *echo.Context, limit, remaining int) {
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}
