package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaydesk/agentd/pkg/config"
	"github.com/relaydesk/agentd/pkg/oauth"
)

// DefaultNotionMCPURL is Notion's hosted MCP endpoint.
const DefaultNotionMCPURL = "https://mcp.notion.com/mcp"

// UserClientEntry pairs a built client with the token state it was built from.
type UserClientEntry struct {
	VersionTag string
	Client     *Client
	Connection *oauth.Connection
}

// UserClientPool maintains one authenticated MCP client per user for a
// user-scoped provider. Clients are rebuilt whenever the underlying token
// changes; the version tag detects that without storing plaintext tokens.
type UserClientPool struct {
	manager   *oauth.Manager
	provider  string
	serverURL string
	logger    *slog.Logger

	// userMu serialises Get per user; no nested locking with entriesMu.
	userMu sync.Map // userID → *sync.Mutex

	entriesMu sync.RWMutex
	entries   map[string]*UserClientEntry // userID → entry
}

// NewUserClientPool creates a pool for one provider. An empty serverURL
// selects the provider's default endpoint.
func NewUserClientPool(manager *oauth.Manager, provider, serverURL string, logger *slog.Logger) *UserClientPool {
	if serverURL == "" {
		serverURL = DefaultNotionMCPURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UserClientPool{
		manager:   manager,
		provider:  provider,
		serverURL: serverURL,
		logger:    logger.With("component", "user_client_pool", "provider", provider),
		entries:   make(map[string]*UserClientEntry),
	}
}

// Provider returns the provider this pool serves.
func (p *UserClientPool) Provider() string { return p.provider }

// Get returns the user's tool client, refreshing the token and rebuilding
// the client as needed. Returns oauth.ErrNoConnection when the user has no
// usable connection and oauth.ErrNeedsReauth when re-authorization is
// required.
func (p *UserClientPool) Get(ctx context.Context, userID string) (*UserClientEntry, error) {
	muI, _ := p.userMu.LoadOrStore(userID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	conns, err := p.manager.EnsureFresh(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ensure fresh for %q: %w", userID, err)
	}
	conn := p.pickConnection(conns)
	if conn == nil {
		return nil, oauth.ErrNoConnection
	}
	if conn.NeedsReauth {
		return nil, oauth.ErrNeedsReauth
	}

	token, err := p.manager.AccessToken(conn)
	if err != nil {
		return nil, fmt.Errorf("decrypt token for %q: %w", userID, err)
	}
	tag := versionTag(conn, token)

	p.entriesMu.RLock()
	entry := p.entries[userID]
	p.entriesMu.RUnlock()
	if entry != nil && entry.VersionTag == tag {
		entry.Connection = conn
		return entry, nil
	}

	client, err := p.buildClient(ctx, token)
	if err != nil {
		return nil, err
	}
	entry = &UserClientEntry{VersionTag: tag, Client: client, Connection: conn}

	p.entriesMu.Lock()
	p.entries[userID] = entry
	p.entriesMu.Unlock()

	p.logger.Debug("User tool client built", "user_id", userID, "version_tag", tag[:12])
	return entry, nil
}

// Evict drops the cached client so the next Get rebuilds it. Called after
// auth failures and token refreshes.
func (p *UserClientPool) Evict(userID string) {
	p.entriesMu.Lock()
	entry := p.entries[userID]
	delete(p.entries, userID)
	p.entriesMu.Unlock()

	if entry != nil {
		_ = entry.Client.Close()
	}
}

// Size returns the number of cached user clients.
func (p *UserClientPool) Size() int {
	p.entriesMu.RLock()
	defer p.entriesMu.RUnlock()
	return len(p.entries)
}

// Close drops every cached client.
func (p *UserClientPool) Close() {
	p.entriesMu.Lock()
	defer p.entriesMu.Unlock()
	for userID, entry := range p.entries {
		_ = entry.Client.Close()
		delete(p.entries, userID)
	}
}

func (p *UserClientPool) pickConnection(conns []*oauth.Connection) *oauth.Connection {
	for _, conn := range conns {
		if conn.Provider == p.provider {
			return conn
		}
	}
	return nil
}

func (p *UserClientPool) buildClient(ctx context.Context, token string) (*Client, error) {
	registry := config.NewMCPServerRegistry(map[string]*config.MCPServerConfig{
		p.provider: {
			Transport: config.TransportConfig{
				Type:        config.TransportTypeHTTP,
				URL:         p.serverURL,
				BearerToken: token,
			},
			UserScoped: true,
		},
	})

	client := NewClient(registry, p.logger)
	if err := client.InitializeServer(ctx, p.provider); err != nil {
		return nil, fmt.Errorf("connect user tool server: %w", err)
	}
	return client, nil
}

// versionTag derives a cache tag from the token state without keeping the
// token itself: key generation, token suffix and expiry together change on
// every rotation.
func versionTag(conn *oauth.Connection, token string) string {
	suffix := token
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	var expiryEpoch int64
	if conn.AccessTokenExpiresAt != nil {
		expiryEpoch = conn.AccessTokenExpiresAt.Unix()
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s|%d", conn.KeyGeneration, suffix, expiryEpoch))
	return hex.EncodeToString(sum[:])
}
