// Package mcp provides MCP (Model Context Protocol) client infrastructure:
// connections to tool servers, per-user authenticated clients, tool routing
// and the caching/journaling interceptor every tool call passes through.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaydesk/agentd/pkg/config"
	"github.com/relaydesk/agentd/pkg/version"
)

// Client holds one MCP SDK session per configured server and survives
// transient failures by recreating sessions on demand. Safe for concurrent
// use from request goroutines.
type Client struct {
	registry *config.MCPServerRegistry
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
	failures map[string]string // serverID → last connect error

	// connectMu serialises connect/reconnect per server so a burst of
	// failing calls produces one reconnect, not a thundering herd.
	connectMu sync.Map // serverID → *sync.Mutex
}

// NewClient creates a Client for the servers in the registry. Sessions are
// opened by Initialize or lazily by InitializeServer.
func NewClient(registry *config.MCPServerRegistry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		registry: registry,
		logger:   logger,
		sessions: make(map[string]*mcpsdk.ClientSession),
		failures: make(map[string]string),
	}
}

// Initialize connects to every listed server. Individual failures are
// recorded in FailedServers rather than aborting the rest; the caller
// decides whether a partial catalogue is acceptable.
func (c *Client) Initialize(ctx context.Context, serverIDs []string) error {
	for _, serverID := range serverIDs {
		if err := c.InitializeServer(ctx, serverID); err != nil {
			c.mu.Lock()
			c.failures[serverID] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("MCP server failed to initialize",
				"server", serverID, "error", err)
		}
	}
	return nil
}

// InitializeServer connects one server, returning nil if a session already
// exists. Also the recovery entry point for the health monitor.
func (c *Client) InitializeServer(ctx context.Context, serverID string) error {
	mu := c.serverMutex(serverID)
	mu.Lock()
	defer mu.Unlock()

	return c.connect(ctx, serverID)
}

func (c *Client) serverMutex(serverID string) *sync.Mutex {
	muI, _ := c.connectMu.LoadOrStore(serverID, &sync.Mutex{})
	return muI.(*sync.Mutex)
}

// connect opens a session for serverID. Caller holds the server mutex.
func (c *Client) connect(ctx context.Context, serverID string) error {
	if _, ok := c.session(serverID); ok {
		return nil
	}

	serverCfg, err := c.registry.Get(serverID)
	if err != nil {
		return fmt.Errorf("server %q not found in registry: %w", serverID, err)
	}
	transport, err := newTransport(serverCfg.Transport)
	if err != nil {
		return fmt.Errorf("failed to create transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, MCPInitTimeout)
	defer cancel()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := sdkClient.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to connect to %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	delete(c.failures, serverID)
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "server", serverID)
	return nil
}

func (c *Client) session(serverID string) (*mcpsdk.ClientSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.sessions[serverID]
	return session, ok
}

// ListTools asks a server for its tool list. Callers cache; the client does
// not.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	session, ok := c.session(serverID)
	if !ok {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}
	if result.Tools == nil {
		return []*mcpsdk.Tool{}, nil
	}
	return result.Tools, nil
}

// CallTool executes one tool call. On a retryable failure it waits a
// jittered backoff, optionally recreates the session, and tries exactly once
// more; the second failure is returned.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{Name: toolName, Arguments: args}

	result, err := c.callTool(ctx, serverID, params)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}
	c.logger.Info("MCP call failed, retrying",
		"server", serverID, "tool", toolName, "action", action, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := c.recreateSession(ctx, serverID); err != nil {
			return nil, fmt.Errorf("session recreation failed for %q: %w", serverID, err)
		}
	}

	result, err = c.callTool(ctx, serverID, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %q.%s: %w", serverID, toolName, err)
	}
	return result, nil
}

func (c *Client) callTool(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, ok := c.session(serverID)
	if !ok {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	return session.CallTool(opCtx, params)
}

// recreateSession drops the server's session and reconnects. Racing
// goroutines serialize on the server mutex; the loser performs one
// redundant but harmless reconnect check.
func (c *Client) recreateSession(ctx context.Context, serverID string) error {
	mu := c.serverMutex(serverID)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if session, ok := c.sessions[serverID]; ok {
		_ = session.Close()
		delete(c.sessions, serverID)
	}
	c.mu.Unlock()

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()

	return c.connect(reinitCtx, serverID)
}

// Close shuts down every session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", id, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.failures = make(map[string]string)

	return firstErr
}

// HasSession reports whether a server currently has an open session.
func (c *Client) HasSession(serverID string) bool {
	_, ok := c.session(serverID)
	return ok
}

// FailedServers returns a copy of the servers that failed to initialize with
// their last error.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]string, len(c.failures))
	for k, v := range c.failures {
		result[k] = v
	}
	return result
}
