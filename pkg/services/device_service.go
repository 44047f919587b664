package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Default expiry windows for device sessions.
const (
	DefaultDeviceSlidingTTL = 30 * 24 * time.Hour
	DefaultDeviceHardTTL    = 90 * 24 * time.Hour

	deviceTokenPrefix = "dvc_"
	deviceTokenBytes  = 32 // 256-bit
)

// DeviceSession is a long-lived authenticated device record.
// Raw tokens are never persisted, only their SHA-256.
type DeviceSession struct {
	ID             string
	UserID         string
	WorkspaceID    string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
	HardExpiresAt  time.Time
	InputTokens    int64
	OutputTokens   int64
	RequestCount   int64
	RevokedAt      *time.Time
}

// DeviceService manages opaque device session tokens
type DeviceService struct {
	pool       *pgxpool.Pool
	slidingTTL time.Duration
	hardTTL    time.Duration
	logger     *slog.Logger
}

// NewDeviceService creates a new DeviceService. Zero TTLs select the defaults.
func NewDeviceService(pool *pgxpool.Pool, slidingTTL, hardTTL time.Duration, logger *slog.Logger) *DeviceService {
	if slidingTTL <= 0 {
		slidingTTL = DefaultDeviceSlidingTTL
	}
	if hardTTL <= 0 {
		hardTTL = DefaultDeviceHardTTL
	}
	if hardTTL < slidingTTL {
		hardTTL = slidingTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceService{
		pool:       pool,
		slidingTTL: slidingTTL,
		hardTTL:    hardTTL,
		logger:     logger.With("component", "device_service"),
	}
}

// Create issues a new device session and returns the raw token exactly once.
func (s *DeviceService) Create(ctx context.Context, userID, workspaceID string) (*DeviceSession, string, error) {
	if userID == "" {
		return nil, "", NewValidationError("user_id", "required")
	}

	raw := make([]byte, deviceTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("failed to generate device token: %w", err)
	}
	token := deviceTokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	session := &DeviceSession{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO device_sessions (user_id, workspace_id, token_hash, expires_at, hard_expires_at)
		VALUES ($1::uuid, NULLIF($2, ''), $3, now() + make_interval(secs => $4), now() + make_interval(secs => $5))
		RETURNING id::text, user_id::text, COALESCE(workspace_id, ''),
		          created_at, last_accessed_at, expires_at, hard_expires_at`,
		userID, workspaceID, hashToken(token), s.slidingTTL.Seconds(), s.hardTTL.Seconds()).
		Scan(&session.ID, &session.UserID, &session.WorkspaceID,
			&session.CreatedAt, &session.LastAccessedAt, &session.ExpiresAt, &session.HardExpiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create device session: %w", err)
	}

	s.logger.Info("Device session created", "session_id", session.ID, "user_id", userID)
	return session, token, nil
}

// Validate authenticates a raw token and slides the expiry window.
// The update IS the validation: there is no read-then-write race, and a
// session past either expiry (or revoked) simply matches no row.
func (s *DeviceService) Validate(ctx context.Context, rawToken string) (*DeviceSession, error) {
	if rawToken == "" || !hasDevicePrefix(rawToken) {
		return nil, ErrNotFound
	}

	session := &DeviceSession{}
	err := s.pool.QueryRow(ctx, `
		UPDATE device_sessions
		SET last_accessed_at = now(),
		    expires_at = LEAST(now() + make_interval(secs => $2), hard_expires_at),
		    request_count = request_count + 1
		WHERE token_hash = $1
		  AND revoked_at IS NULL
		  AND expires_at > now()
		  AND hard_expires_at > now()
		RETURNING id::text, user_id::text, COALESCE(workspace_id, ''),
		          created_at, last_accessed_at, expires_at, hard_expires_at,
		          input_tokens, output_tokens, request_count`,
		hashToken(rawToken), s.slidingTTL.Seconds()).
		Scan(&session.ID, &session.UserID, &session.WorkspaceID,
			&session.CreatedAt, &session.LastAccessedAt, &session.ExpiresAt, &session.HardExpiresAt,
			&session.InputTokens, &session.OutputTokens, &session.RequestCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to validate device session: %w", err)
	}
	return session, nil
}

// Meter adds token usage to the session's cumulative counters.
func (s *DeviceService) Meter(ctx context.Context, sessionID string, inputTokens, outputTokens int64) error {
	if sessionID == "" {
		return NewValidationError("session_id", "required")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_sessions
		SET input_tokens = input_tokens + $2, output_tokens = output_tokens + $3
		WHERE id = $1::uuid`,
		sessionID, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("failed to meter device session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke marks a session revoked. Revoking twice is not an error.
func (s *DeviceService) Revoke(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return NewValidationError("session_id", "required")
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE device_sessions SET revoked_at = now()
		WHERE id = $1::uuid AND revoked_at IS NULL`,
		sessionID)
	if err != nil {
		return fmt.Errorf("failed to revoke device session: %w", err)
	}
	return nil
}

// RevokeAllForUser revokes every active session for a user and returns the count.
func (s *DeviceService) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_sessions SET revoked_at = now()
		WHERE user_id = $1::uuid AND revoked_at IS NULL`,
		userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupExpired deletes sessions past either expiry, bounded per call.
func (s *DeviceService) CleanupExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM device_sessions
		WHERE id IN (
			SELECT id FROM device_sessions
			WHERE expires_at <= now() OR hard_expires_at <= now()
			LIMIT $1
		)`,
		batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up device sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func hasDevicePrefix(raw string) bool {
	if len(raw) < len(deviceTokenPrefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(raw[:len(deviceTokenPrefix)]), []byte(deviceTokenPrefix)) == 1
}
