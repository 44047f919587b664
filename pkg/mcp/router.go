package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaydesk/agentd/pkg/config"
)

// Router sentinel errors.
var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrServerUnavailable = errors.New("tool server unavailable")
	// ErrToolFailed wraps tool-level failures reported by the server
	// (result.IsError), as opposed to transport problems.
	ErrToolFailed = errors.New("tool execution failed")
)

// ToolInfo is a normalised tool descriptor. Name carries the server prefix
// ("server.tool") so names never collide across servers.
type ToolInfo struct {
	Server       string          `json:"server"`
	Name         string          `json:"name"`
	OriginalName string          `json:"original_name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	UserScoped   bool            `json:"user_scoped"`
}

type cachedToolList struct {
	tools     []ToolInfo
	fetchedAt time.Time
}

// Router owns the global tool servers, the per-user client pool and the
// tool-list cache, and routes every call through the interceptor.
type Router struct {
	client      *Client
	registry    *config.MCPServerRegistry
	pool        *UserClientPool // nil when the user-scoped provider is disabled
	interceptor *Interceptor
	monitor     *HealthMonitor
	logger      *slog.Logger

	toolCacheMu sync.RWMutex
	toolCache   map[string]*cachedToolList // serverID → list
	toolListTTL time.Duration
}

// NewRouter creates a Router. pool may be nil (user-scoped tools disabled);
// monitor may be nil (health gating disabled, all servers assumed healthy).
func NewRouter(client *Client, registry *config.MCPServerRegistry, pool *UserClientPool, interceptor *Interceptor, monitor *HealthMonitor, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		client:      client,
		registry:    registry,
		pool:        pool,
		interceptor: interceptor,
		monitor:     monitor,
		logger:      logger.With("component", "mcp_router"),
		toolCache:   make(map[string]*cachedToolList),
		toolListTTL: ToolListTTL,
	}
}

// Startup connects every configured global server and reports servers that
// failed to come up.
func (r *Router) Startup(ctx context.Context) map[string]string {
	_ = r.client.Initialize(ctx, r.registry.ServerIDs())
	return r.client.FailedServers()
}

// Tools returns the (possibly cached) normalised tool list for one server.
func (r *Router) Tools(ctx context.Context, serverID string, force bool) ([]ToolInfo, error) {
	if !force {
		r.toolCacheMu.RLock()
		cached, ok := r.toolCache[serverID]
		r.toolCacheMu.RUnlock()
		if ok && time.Since(cached.fetchedAt) < r.toolListTTL {
			return cached.tools, nil
		}
	}

	raw, err := r.client.ListTools(ctx, serverID)
	if err != nil {
		return nil, err
	}
	serverCfg, cfgErr := r.registry.Get(serverID)
	userScoped := cfgErr == nil && serverCfg.UserScoped

	tools := normaliseTools(serverID, raw, userScoped)
	r.toolCacheMu.Lock()
	r.toolCache[serverID] = &cachedToolList{tools: tools, fetchedAt: time.Now()}
	r.toolCacheMu.Unlock()
	return tools, nil
}

// ToolsetFor assembles the toolset for one request: every healthy global
// server plus the user's provider tools when the user is authenticated and
// the provider is enabled.
func (r *Router) ToolsetFor(ctx context.Context, userID string) []ToolInfo {
	var toolset []ToolInfo
	for _, serverID := range r.registry.ServerIDs() {
		if r.monitor != nil && !r.monitor.IsHealthy(serverID) {
			continue
		}
		tools, err := r.Tools(ctx, serverID, false)
		if err != nil {
			r.logger.Warn("Skipping server for toolset", "server", serverID, "error", err)
			continue
		}
		toolset = append(toolset, tools...)
	}

	if r.pool != nil && userID != "" {
		userTools, err := r.userTools(ctx, userID)
		if err != nil {
			r.logger.Debug("No user tools for request", "user_id", userID, "error", err)
		} else {
			toolset = append(toolset, userTools...)
		}
	}
	return toolset
}

// userTools lists the user-scoped provider's tools through the user's client.
func (r *Router) userTools(ctx context.Context, userID string) ([]ToolInfo, error) {
	entry, err := r.pool.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	raw, err := entry.Client.ListTools(ctx, r.pool.Provider())
	if err != nil {
		return nil, err
	}
	return normaliseTools(r.pool.Provider(), raw, true), nil
}

// CallTool executes one qualified tool call ("server.tool") through the
// interceptor. User-scoped calls get one retry after a token refresh when
// the server rejects the bearer token.
func (r *Router) CallTool(ctx context.Context, cc CallContext, qualifiedName string, args map[string]any) (json.RawMessage, *CallMeta, error) {
	serverID, toolName, err := splitQualifiedName(qualifiedName)
	if err != nil {
		return nil, nil, err
	}

	var invoke InvokeFunc
	switch {
	case r.pool != nil && serverID == r.pool.Provider():
		if cc.UserID == "" {
			return nil, nil, fmt.Errorf("%w: %s requires an authenticated user", ErrUnknownTool, qualifiedName)
		}
		invoke = r.userInvoke(cc.UserID, toolName, args)
	case r.registry.Has(serverID):
		invoke = func(ctx context.Context) (json.RawMessage, error) {
			result, err := r.client.CallTool(ctx, serverID, toolName, args)
			if err != nil {
				return nil, err
			}
			return marshalToolResult(qualifiedName, result)
		}
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTool, qualifiedName)
	}

	return r.interceptor.Execute(ctx, cc, qualifiedName, args, invoke)
}

// userInvoke builds the invoke path for user-scoped tools: call once, and on
// an authorisation failure refresh the token, rebuild the client, and retry
// exactly once.
func (r *Router) userInvoke(userID, toolName string, args map[string]any) InvokeFunc {
	provider := r.pool.Provider()
	qualifiedName := provider + "." + toolName

	callOnce := func(ctx context.Context) (json.RawMessage, error) {
		entry, err := r.pool.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		result, err := entry.Client.CallTool(ctx, provider, toolName, args)
		if err != nil {
			return nil, err
		}
		return marshalToolResult(qualifiedName, result)
	}

	return func(ctx context.Context) (json.RawMessage, error) {
		value, err := callOnce(ctx)
		if err == nil || !IsAuthError(err) {
			return value, err
		}

		r.logger.Info("Auth failure on user tool call, refreshing and retrying",
			"user_id", userID, "tool", qualifiedName)
		r.pool.Evict(userID)
		// Get performs ensure_fresh before rebuilding the client
		return callOnce(ctx)
	}
}

// Health returns the monitor's summary, or a registry-only placeholder when
// monitoring is disabled.
func (r *Router) Health() *HealthSummary {
	if r.monitor != nil {
		return r.monitor.Summary()
	}
	return &HealthSummary{
		Status:     HealthStatusHealthy,
		TotalCount: r.registry.Len(),
		Servers:    map[string]*HealthStatus{},
	}
}

// InvalidateToolCache drops the cached tool list for one server.
func (r *Router) InvalidateToolCache(serverID string) {
	r.toolCacheMu.Lock()
	delete(r.toolCache, serverID)
	r.toolCacheMu.Unlock()
}

// Close shuts down the global client and the user pool.
func (r *Router) Close() error {
	if r.pool != nil {
		r.pool.Close()
	}
	return r.client.Close()
}

// splitQualifiedName splits "server.tool" at the first dot. Tool names may
// themselves contain dots.
func splitQualifiedName(qualifiedName string) (string, string, error) {
	server, tool, found := strings.Cut(qualifiedName, ".")
	if !found || server == "" || tool == "" {
		return "", "", fmt.Errorf("%w: malformed tool name %q", ErrUnknownTool, qualifiedName)
	}
	return server, tool, nil
}

// normaliseTools prefixes tool names with their server and flattens schemas.
func normaliseTools(serverID string, raw []*mcpsdk.Tool, userScoped bool) []ToolInfo {
	tools := make([]ToolInfo, 0, len(raw))
	for _, t := range raw {
		info := ToolInfo{
			Server:       serverID,
			Name:         serverID + "." + t.Name,
			OriginalName: t.Name,
			Description:  t.Description,
			UserScoped:   userScoped,
		}
		if t.InputSchema != nil {
			if schema, err := json.Marshal(t.InputSchema); err == nil {
				info.InputSchema = schema
			}
		}
		tools = append(tools, info)
	}
	return tools
}

// marshalToolResult flattens an MCP result into cacheable JSON. Structured
// content wins; otherwise text blocks are joined. Server-reported tool
// errors surface as ErrToolFailed so they are never cached.
func marshalToolResult(qualifiedName string, result *mcpsdk.CallToolResult) (json.RawMessage, error) {
	text := joinTextContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrToolFailed, qualifiedName, text)
	}

	if result.StructuredContent != nil {
		payload, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("marshal structured content: %w", err)
		}
		return payload, nil
	}

	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal text content: %w", err)
	}
	return payload, nil
}

func joinTextContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
