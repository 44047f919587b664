package api

import (
	"time"

	"github.com/relaydesk/agentd/pkg/database"
	"github.com/relaydesk/agentd/pkg/mcp"
	"github.com/relaydesk/agentd/pkg/oauth"
	"github.com/relaydesk/agentd/pkg/services"
)

// ChatResponse is returned by POST /api/v1/chat.
type ChatResponse struct {
	Reply      string   `json:"reply"`
	ThreadID   string   `json:"threadId"`
	ShareToken string   `json:"shareToken,omitempty"`
	Meta       ChatMeta `json:"meta"`
}

// ChatMeta carries per-request accounting alongside the reply.
type ChatMeta struct {
	RequestID         string     `json:"requestId"`
	Model             string     `json:"model,omitempty"`
	CacheHit          bool       `json:"cacheHit"`
	CacheTTLRemaining *int64     `json:"cacheTtlRemaining,omitempty"`
	ToolCalls         int        `json:"toolCalls"`
	Tokens            ChatTokens `json:"tokens"`
	DurationMS        int64      `json:"durationMs"`
	Warning           string     `json:"warning,omitempty"`
}

// ChatTokens is the per-request token usage pair.
type ChatTokens struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status   string                    `json:"status"`
	Version  string                    `json:"version"`
	Database *database.HealthInfo      `json:"database,omitempty"`
	Warnings []*services.SystemWarning `json:"warnings,omitempty"`
}

// MCPHealthResponse is returned by GET /healthz/mcp.
type MCPHealthResponse struct {
	*mcp.HealthSummary
}

// OAuthHealthResponse is returned by GET /healthz/oauth.
type OAuthHealthResponse struct {
	*oauth.HealthSummary
}

// DeviceSessionResponse is returned by POST /api/v1/devices. Token is the raw
// device credential and is shown exactly once.
type DeviceSessionResponse struct {
	SessionID   string    `json:"sessionId"`
	Token       string    `json:"token"`
	UserID      string    `json:"userId"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
