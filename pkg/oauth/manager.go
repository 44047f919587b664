package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	"github.com/relaydesk/agentd/pkg/config"
	"github.com/relaydesk/agentd/pkg/crypto"
	"github.com/relaydesk/agentd/pkg/services"
)

// Flow and refresh constants.
const (
	stateBytes = 48

	// RefreshConnectTimeout and RefreshReadTimeout bound one token-endpoint
	// round trip during refresh.
	RefreshConnectTimeout = 3 * time.Second
	RefreshReadTimeout    = 10 * time.Second

	refreshBackoffInitial = 500 * time.Millisecond
	refreshBackoffMax     = 5 * time.Second
)

// Sentinel errors surfaced to the API layer.
var (
	ErrUnknownProvider = errors.New("unknown oauth provider")
	ErrStateInvalid    = errors.New("oauth state invalid or expired")
	ErrStateConsumed   = errors.New("oauth state already used")
	ErrNoConnection    = errors.New("no active provider connection")
	ErrNeedsReauth     = errors.New("connection needs re-authorization")
)

// Connection is a persisted per-user provider connection. Token material is
// stored encrypted and only decrypted on demand.
type Connection struct {
	ID                     string
	UserID                 string
	Provider               string
	WorkspaceID            string
	WorkspaceName          string
	BotID                  string
	Scopes                 []string
	AccessTokenCiphertext  string
	RefreshTokenCiphertext string
	AccessTokenExpiresAt   *time.Time
	RefreshTokenExpiresAt  *time.Time
	KeyGeneration          int
	SupportsRefresh        bool
	LastRefreshAttemptAt   *time.Time
	RefreshFailureCount    int
	NeedsReauth            bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// RefreshOutcome classifies a refresh attempt for the scheduler's statistics.
type RefreshOutcome int

const (
	RefreshSkipped RefreshOutcome = iota // not expiring, or another actor got there first
	RefreshSucceeded
	RefreshFailedTransient
	RefreshFailedTerminal
)

// Manager owns the OAuth state machine: begin/complete of the code flow,
// encrypted token storage and single-flight refresh.
type Manager struct {
	pool      *pgxpool.Pool
	vault     *crypto.Vault
	providers map[string]Provider
	cfg       config.OAuthConfig
	inflight  *InflightSet
	warnings  *services.SystemWarningsService
	logger    *slog.Logger

	// connMu holds one mutex per connection id so ensure_fresh for the same
	// connection is serialised without blocking unrelated connections.
	connMu sync.Map
}

// NewManager creates a Manager. The warnings service may be nil.
func NewManager(pool *pgxpool.Pool, vault *crypto.Vault, cfg config.OAuthConfig, warnings *services.SystemWarningsService, logger *slog.Logger, providers ...Provider) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		pool:      pool,
		vault:     vault,
		providers: make(map[string]Provider, len(providers)),
		cfg:       cfg,
		inflight:  NewInflightSet(),
		warnings:  warnings,
		logger:    logger.With("component", "oauth_manager"),
	}
	for _, p := range providers {
		m.providers[p.Name()] = p
	}
	return m
}

// Inflight exposes the shared in-flight set for the scheduler.
func (m *Manager) Inflight() *InflightSet { return m.inflight }

// Provider returns a registered provider adapter.
func (m *Manager) Provider(name string) (Provider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Begin starts an authorization-code flow: persists a high-entropy state row
// and returns the provider authorization URL.
func (m *Manager) Begin(ctx context.Context, providerName, userID, flowSession, returnTo string) (string, string, error) {
	provider, err := m.Provider(providerName)
	if err != nil {
		return "", "", err
	}
	if flowSession == "" {
		return "", "", services.NewValidationError("flow_session", "required")
	}

	raw := make([]byte, stateBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(raw)

	_, err = m.pool.Exec(ctx, `
		INSERT INTO oauth_states (state, provider, user_id, flow_session, return_to, expires_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, NULLIF($5, ''), now() + make_interval(secs => $6))`,
		state, providerName, userID, flowSession, returnTo, m.cfg.StateTTL.Seconds())
	if err != nil {
		return "", "", fmt.Errorf("failed to persist oauth state: %w", err)
	}

	authURL := provider.Config().AuthCodeURL(state, provider.AuthCodeOptions()...)
	return state, authURL, nil
}

// Complete finishes the code flow: consumes the state atomically, exchanges
// the code and upserts the connection with encrypted tokens.
func (m *Manager) Complete(ctx context.Context, providerName, code, state, flowSession string) (*Connection, error) {
	provider, err := m.Provider(providerName)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, services.NewValidationError("code", "required")
	}

	// Select-and-mark-used in one statement; a second consumer matches no row.
	var stateUserID, stateFlowSession string
	err = m.pool.QueryRow(ctx, `
		UPDATE oauth_states
		SET used_at = now()
		WHERE state = $1 AND provider = $2 AND used_at IS NULL AND expires_at > now()
		RETURNING COALESCE(user_id::text, ''), flow_session`,
		state, providerName).Scan(&stateUserID, &stateFlowSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, m.classifyStateMiss(ctx, state, providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	if stateFlowSession != flowSession {
		return nil, ErrStateInvalid
	}

	token, err := provider.Config().Exchange(m.httpContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	meta := provider.ExtractMetadata(token)

	return m.upsertConnection(ctx, stateUserID, providerName, token, meta)
}

// classifyStateMiss distinguishes a replayed state from an unknown/expired one.
func (m *Manager) classifyStateMiss(ctx context.Context, state, providerName string) error {
	var usedAt *time.Time
	err := m.pool.QueryRow(ctx,
		`SELECT used_at FROM oauth_states WHERE state = $1 AND provider = $2`,
		state, providerName).Scan(&usedAt)
	if err == nil && usedAt != nil {
		return ErrStateConsumed
	}
	return ErrStateInvalid
}

func (m *Manager) upsertConnection(ctx context.Context, userID, providerName string, token *oauth2.Token, meta ConnectionMetadata) (*Connection, error) {
	accessCT, err := m.vault.Encrypt([]byte(token.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	var refreshCT *string
	supportsRefresh := token.RefreshToken != ""
	if supportsRefresh {
		ct, err := m.vault.Encrypt([]byte(token.RefreshToken))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		refreshCT = &ct
	}
	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		t := token.Expiry
		expiresAt = &t
	}

	conn := &Connection{}
	err = m.pool.QueryRow(ctx, `
		INSERT INTO provider_connections
			(user_id, provider, workspace_id, workspace_name, bot_id, scopes,
			 access_token_ciphertext, refresh_token_ciphertext, access_token_expires_at,
			 key_generation, supports_refresh)
		VALUES ($1::uuid, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, bot_id) WHERE revoked_at IS NULL
		DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			workspace_name = EXCLUDED.workspace_name,
			scopes = EXCLUDED.scopes,
			access_token_ciphertext = EXCLUDED.access_token_ciphertext,
			refresh_token_ciphertext = EXCLUDED.refresh_token_ciphertext,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			key_generation = EXCLUDED.key_generation,
			supports_refresh = EXCLUDED.supports_refresh,
			refresh_failure_count = 0,
			needs_reauth = false,
			updated_at = now()
		RETURNING `+connectionColumns,
		userID, providerName, meta.WorkspaceID, meta.WorkspaceName, meta.BotID, meta.Scopes,
		accessCT, refreshCT, expiresAt, m.vault.Generation(), supportsRefresh).
		Scan(conn.scanTargets()...)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}

	m.logger.Info("Provider connection established",
		"provider", providerName, "user_id", userID, "workspace_id", meta.WorkspaceID)
	if m.warnings != nil {
		m.warnings.ClearBySource(services.WarningCategoryOAuthRefresh, conn.ID)
	}
	return conn, nil
}

const connectionColumns = `
		id::text, user_id::text, provider, workspace_id, COALESCE(workspace_name, ''), bot_id, scopes,
		access_token_ciphertext, COALESCE(refresh_token_ciphertext, ''),
		access_token_expires_at, refresh_token_expires_at,
		key_generation, supports_refresh, last_refresh_attempt_at,
		refresh_failure_count, needs_reauth, created_at, updated_at`

func (c *Connection) scanTargets() []any {
	return []any{
		&c.ID, &c.UserID, &c.Provider, &c.WorkspaceID, &c.WorkspaceName, &c.BotID, &c.Scopes,
		&c.AccessTokenCiphertext, &c.RefreshTokenCiphertext,
		&c.AccessTokenExpiresAt, &c.RefreshTokenExpiresAt,
		&c.KeyGeneration, &c.SupportsRefresh, &c.LastRefreshAttemptAt,
		&c.RefreshFailureCount, &c.NeedsReauth, &c.CreatedAt, &c.UpdatedAt,
	}
}

// GetActiveConnections returns the user's non-revoked connections.
func (m *Manager) GetActiveConnections(ctx context.Context, userID string) ([]*Connection, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM provider_connections
		WHERE user_id = $1::uuid AND revoked_at IS NULL
		ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		conn := &Connection{}
		if err := rows.Scan(conn.scanTargets()...); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// GetConnection returns one connection by id.
func (m *Manager) GetConnection(ctx context.Context, connID string) (*Connection, error) {
	conn := &Connection{}
	err := m.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+`
		FROM provider_connections
		WHERE id = $1::uuid AND revoked_at IS NULL`,
		connID).Scan(conn.scanTargets()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// AccessToken decrypts a connection's access token.
func (m *Manager) AccessToken(conn *Connection) (string, error) {
	plain, err := m.vault.Decrypt(conn.AccessTokenCiphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt access token: %w", err)
	}
	return string(plain), nil
}

// Revoke marks a connection revoked. Idempotent.
func (m *Manager) Revoke(ctx context.Context, connID string) error {
	_, err := m.pool.Exec(ctx, `
		UPDATE provider_connections SET revoked_at = now(), updated_at = now()
		WHERE id = $1::uuid AND revoked_at IS NULL`,
		connID)
	if err != nil {
		return fmt.Errorf("failed to revoke connection: %w", err)
	}
	return nil
}

// EnsureFresh refreshes every connection of the user whose access token
// expires within the refresh window. Returns the (possibly updated)
// connections. Refresh failures do not fail the call; affected connections
// are returned as-is with their failure state set.
func (m *Manager) EnsureFresh(ctx context.Context, userID string) ([]*Connection, error) {
	conns, err := m.GetActiveConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i, conn := range conns {
		if !m.needsRefresh(conn) {
			continue
		}
		refreshed, _ := m.refreshConnection(ctx, conn)
		if refreshed != nil {
			conns[i] = refreshed
		}
	}
	return conns, nil
}

// RefreshConnectionByID re-reads a connection and refreshes it if still
// expiring. Used by the scheduler.
func (m *Manager) RefreshConnectionByID(ctx context.Context, connID string) (RefreshOutcome, error) {
	conn, err := m.GetConnection(ctx, connID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return RefreshSkipped, nil
		}
		return RefreshSkipped, err
	}
	if !m.needsRefresh(conn) {
		return RefreshSkipped, nil
	}
	_, outcome := m.refreshConnection(ctx, conn)
	return outcome, nil
}

// needsRefresh reports whether the access token expires within the refresh
// window, widened by the clock-skew tolerance.
func (m *Manager) needsRefresh(conn *Connection) bool {
	if conn.NeedsReauth || !conn.SupportsRefresh {
		return false
	}
	if conn.AccessTokenExpiresAt == nil {
		return false // non-expiring token
	}
	deadline := time.Now().Add(m.cfg.RefreshWindow + m.cfg.ClockSkew)
	return conn.AccessTokenExpiresAt.Before(deadline)
}

// refreshConnection performs one single-flight refresh with retries.
func (m *Manager) refreshConnection(ctx context.Context, conn *Connection) (*Connection, RefreshOutcome) {
	mu := m.mutexFor(conn.ID)
	mu.Lock()
	defer mu.Unlock()

	m.inflight.TryAdd(conn.ID)
	defer m.inflight.Remove(conn.ID)

	// Re-read under the mutex; another caller may have refreshed already.
	current, err := m.GetConnection(ctx, conn.ID)
	if err != nil {
		return nil, RefreshSkipped
	}
	if !m.needsRefresh(current) {
		return current, RefreshSkipped
	}

	token, err := m.doRefresh(ctx, current)
	if err != nil {
		terminal := isTerminalRefreshError(err)
		updated := m.recordRefreshFailure(ctx, current, err, terminal)
		if terminal {
			return updated, RefreshFailedTerminal
		}
		return updated, RefreshFailedTransient
	}

	updated, err := m.recordRefreshSuccess(ctx, current, token)
	if err != nil {
		m.logger.Error("Failed to persist refreshed token", "connection_id", current.ID, "error", err)
		return current, RefreshFailedTransient
	}
	m.logger.Info("Access token refreshed",
		"connection_id", current.ID, "provider", current.Provider,
		"expires_at", updated.AccessTokenExpiresAt)
	if m.warnings != nil {
		m.warnings.ClearBySource(services.WarningCategoryOAuthRefresh, current.ID)
	}
	return updated, RefreshSucceeded
}

func (m *Manager) mutexFor(connID string) *sync.Mutex {
	actual, _ := m.connMu.LoadOrStore(connID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// doRefresh exchanges the refresh token, retrying transient failures with
// exponential backoff and jitter.
func (m *Manager) doRefresh(ctx context.Context, conn *Connection) (*oauth2.Token, error) {
	provider, err := m.Provider(conn.Provider)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	refreshPlain, err := m.vault.Decrypt(conn.RefreshTokenCiphertext)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decrypt refresh token: %w", err))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = refreshBackoffInitial
	policy.MaxInterval = refreshBackoffMax

	var token *oauth2.Token
	operation := func() error {
		src := provider.Config().TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: string(refreshPlain)})
		tok, err := src.Token()
		if err != nil {
			if isTerminalRefreshError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		token = tok
		return nil
	}
	err = backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return token, nil
}

// httpContext installs a refresh HTTP client with tight timeouts.
func (m *Manager) httpContext(ctx context.Context) context.Context {
	client := &http.Client{
		Timeout: RefreshReadTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: RefreshConnectTimeout}).DialContext,
		},
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func (m *Manager) recordRefreshSuccess(ctx context.Context, conn *Connection, token *oauth2.Token) (*Connection, error) {
	accessCT, err := m.vault.Encrypt([]byte(token.AccessToken))
	if err != nil {
		return nil, err
	}
	refreshCT := conn.RefreshTokenCiphertext
	if token.RefreshToken != "" {
		// Provider rotated the refresh token
		ct, err := m.vault.Encrypt([]byte(token.RefreshToken))
		if err != nil {
			return nil, err
		}
		refreshCT = ct
	}
	var expiresAt *time.Time
	if !token.Expiry.IsZero() {
		t := token.Expiry
		expiresAt = &t
	}

	updated := &Connection{}
	err = m.pool.QueryRow(ctx, `
		UPDATE provider_connections SET
			access_token_ciphertext = $2,
			refresh_token_ciphertext = $3,
			access_token_expires_at = $4,
			key_generation = $5,
			last_refresh_attempt_at = now(),
			refresh_failure_count = 0,
			needs_reauth = false,
			updated_at = now()
		WHERE id = $1::uuid
		RETURNING `+connectionColumns,
		conn.ID, accessCT, refreshCT, expiresAt, m.vault.Generation()).
		Scan(updated.scanTargets()...)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (m *Manager) recordRefreshFailure(ctx context.Context, conn *Connection, refreshErr error, terminal bool) *Connection {
	updated := &Connection{}
	err := m.pool.QueryRow(ctx, `
		UPDATE provider_connections SET
			last_refresh_attempt_at = now(),
			refresh_failure_count = refresh_failure_count + 1,
			needs_reauth = ($2 OR refresh_failure_count + 1 >= $3),
			updated_at = now()
		WHERE id = $1::uuid
		RETURNING `+connectionColumns,
		conn.ID, terminal, m.cfg.MaxFailureCount).
		Scan(updated.scanTargets()...)
	if err != nil {
		m.logger.Error("Failed to record refresh failure", "connection_id", conn.ID, "error", err)
		return conn
	}

	m.logger.Warn("Token refresh failed",
		"connection_id", conn.ID, "provider", conn.Provider,
		"terminal", terminal, "failure_count", updated.RefreshFailureCount,
		"error", refreshErr)
	if updated.NeedsReauth && m.warnings != nil {
		m.warnings.AddWarning(services.WarningCategoryOAuthRefresh,
			fmt.Sprintf("Connection to %s needs re-authorization", conn.Provider),
			refreshErr.Error(), conn.ID)
	}
	return updated
}

// CleanupExpiredStates deletes used and expired state rows, bounded per call.
func (m *Manager) CleanupExpiredStates(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	tag, err := m.pool.Exec(ctx, `
		DELETE FROM oauth_states
		WHERE state IN (
			SELECT state FROM oauth_states
			WHERE expires_at <= now() OR used_at IS NOT NULL
			LIMIT $1
		)`,
		batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up oauth states: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthSummary reports connection counts for the health endpoint.
type HealthSummary struct {
	Active       int64 `json:"active"`
	NeedsReauth  int64 `json:"needs_reauth"`
	ExpiringSoon int64 `json:"expiring_soon"`
}

// Health summarises the state of all non-revoked connections.
func (m *Manager) Health(ctx context.Context) (*HealthSummary, error) {
	summary := &HealthSummary{}
	err := m.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE NOT needs_reauth),
			count(*) FILTER (WHERE needs_reauth),
			count(*) FILTER (WHERE NOT needs_reauth
				AND access_token_expires_at IS NOT NULL
				AND access_token_expires_at <= now() + make_interval(secs => $1))
		FROM provider_connections
		WHERE revoked_at IS NULL`,
		(m.cfg.RefreshWindow * 2).Seconds()).
		Scan(&summary.Active, &summary.NeedsReauth, &summary.ExpiringSoon)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise connections: %w", err)
	}
	return summary, nil
}

// isTerminalRefreshError classifies refresh failures. invalid_grant and
// 400/401/403 responses mean the refresh token is dead; everything else
// (network, 429, 5xx) is worth retrying.
func isTerminalRefreshError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.ErrorCode == "invalid_client" {
			return true
		}
		if retrieveErr.Response == nil {
			return false
		}
		switch retrieveErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
		return false
	}
	return false
}
