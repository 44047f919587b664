package api

import "github.com/relaydesk/agentd/pkg/agent"

// ChatRequest is the HTTP request body for POST /api/v1/chat.
type ChatRequest struct {
	Messages []agent.Message `json:"messages"`
	// Session optionally carries a device token for clients that cannot set
	// the Authorization header. The header wins when both are present.
	Session          string `json:"session,omitempty"`
	ThreadID         string `json:"threadId,omitempty"`
	ThreadToken      string `json:"threadToken,omitempty"`
	ClientMessageID  string `json:"clientMessageId,omitempty"`
	ForceRefresh     bool   `json:"forceRefresh,omitempty"`
	ForceRetry       bool   `json:"forceRetry,omitempty"`
	ReturnShareToken bool   `json:"returnShareToken,omitempty"`
}

// CreateDeviceSessionRequest is the HTTP request body for POST /api/v1/devices.
type CreateDeviceSessionRequest struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}
