package agent

// StreamEventType identifies one SSE-bound event from a streaming run.
type StreamEventType string

const (
	// EventText carries one assistant text delta.
	EventText StreamEventType = "token"
	// EventToolCall announces one completed tool invocation.
	EventToolCall StreamEventType = "tool_call"
	// EventWarning carries a non-fatal notice (budget threshold, degraded server).
	EventWarning StreamEventType = "warning"
	// EventError terminates the stream with a normalised error.
	EventError StreamEventType = "error"
	// EventFinal closes a successful stream with the aggregate result.
	EventFinal StreamEventType = "done"
)

// StreamEvent is one unit of streaming output. Exactly one payload field is
// set, matching Type.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	RequestID string          `json:"request_id,omitempty"`

	Text     string         `json:"text,omitempty"`
	ToolCall *ToolCallEvent `json:"tool_call,omitempty"`
	Warning  string         `json:"warning,omitempty"`
	Error    *ErrorEvent    `json:"error,omitempty"`
	Final    *ChatResult    `json:"final,omitempty"`
}

// ToolCallEvent reports one tool invocation to the client.
type ToolCallEvent struct {
	Tool      string `json:"tool"`
	CallIndex int    `json:"call_index"`
	Cached    bool   `json:"cached"`
	Replayed  bool   `json:"replayed,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorEvent is the normalised error payload for stream consumers.
type ErrorEvent struct {
	Bucket  ErrorBucket `json:"bucket"`
	Origin  string      `json:"origin"`
	Message string      `json:"message"`
}
