package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/relaydesk/agentd/pkg/agent"
	"github.com/relaydesk/agentd/pkg/services"
)

const (
	// historyLimit bounds how many persisted messages are replayed into the
	// model conversation.
	historyLimit = 50

	// shareTokenTTL is the lifetime of tokens minted via returnShareToken.
	shareTokenTTL = 7 * 24 * time.Hour

	// finalizeTimeout bounds the detached bookkeeping writes after a run, so
	// a client disconnect cannot lose the assistant row.
	finalizeTimeout = 5 * time.Second

	systemPrompt = "You are a helpful assistant with access to workspace tools. " +
		"Use the available tools when they help answer the question, and say so " +
		"plainly when you cannot."
)

// messageContent is the persisted shape of a message body.
type messageContent struct {
	Text string `json:"text"`
}

// chatHandler handles POST /api/v1/chat. With ?stream=true the response is an
// SSE stream; otherwise a single ChatResponse.
func (s *Server) chatHandler(c *echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		if isLimitExceeded(err) {
			return err
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return s.serveChat(c, &req, c.QueryParam("stream") == "true")
}

// chatStreamGetHandler handles GET /api/v1/chat/stream?prompt=... for clients
// that can only open EventSource connections.
func (s *Server) chatStreamGetHandler(c *echo.Context) error {
	prompt := c.QueryParam("prompt")
	if prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt query parameter is required")
	}
	req := &ChatRequest{
		Messages:        []agent.Message{{Role: "user", Content: prompt}},
		ThreadID:        c.QueryParam("threadId"),
		ThreadToken:     c.QueryParam("threadToken"),
		ClientMessageID: c.QueryParam("clientMessageId"),
	}
	return s.serveChat(c, req, true)
}

func (s *Server) serveChat(c *echo.Context, req *ChatRequest, stream bool) error {
	if err := validateChatRequest(req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	sess := deviceSessionFrom(c)
	if sess == nil && req.Session != "" {
		validated, err := s.devices.Validate(ctx, req.Session)
		if err != nil {
			return newAPIError(http.StatusUnauthorized, CodeAuth, "invalid or expired device token")
		}
		sess = validated
	}

	var userID, workspaceID, deviceSessionID string
	if sess != nil {
		userID = sess.UserID
		workspaceID = sess.WorkspaceID
		deviceSessionID = sess.ID
	}

	requestID := requestIDFrom(c)
	last := req.Messages[len(req.Messages)-1]

	thread, err := s.threads.FindOrCreateThread(ctx, services.FindOrCreateThreadParams{
		ThreadID:    req.ThreadID,
		ShareToken:  req.ThreadToken,
		UserID:      userID,
		WorkspaceID: workspaceID,
		Title:       threadTitle(req.Messages),
	})
	if err != nil {
		return mapServiceError(err)
	}

	userMsg, created, err := s.threads.AddMessage(ctx, services.AddMessageParams{
		ThreadID:        thread.ID,
		RequestID:       requestID,
		Role:            "user",
		Content:         encodeContent(last.Content),
		ClientMessageID: req.ClientMessageID,
		Status:          services.MessageStatusComplete,
		ForceRetry:      req.ForceRetry,
	})
	if err != nil {
		return mapServiceError(err)
	}

	history, err := s.threads.GetThreadMessages(ctx, thread.ID, historyLimit)
	if err != nil {
		return mapServiceError(err)
	}

	// Duplicate clientMessageId with a finished reply: replay it rather than
	// rerunning the agent.
	if !created && !req.ForceRetry {
		if resp := replayedResponse(history, userMsg.ID, thread.ID, requestID); resp != nil {
			if stream {
				return s.streamReplay(c, resp)
			}
			return c.JSON(http.StatusOK, resp)
		}
	}

	conversation := conversationFromHistory(history, userMsg.ID)
	if len(conversation) == 0 {
		conversation = req.Messages
	} else {
		conversation = append(conversation, agent.Message{Role: "user", Content: last.Content})
	}

	assistantMsg, _, err := s.threads.AddMessage(ctx, services.AddMessageParams{
		ThreadID:  thread.ID,
		RequestID: requestID,
		Role:      "assistant",
		Content:   encodeContent(""),
		InReplyTo: userMsg.ID,
		Status:    services.MessageStatusPending,
	})
	if err != nil {
		return mapServiceError(err)
	}

	params := agent.ChatParams{
		RequestID:       requestID,
		UserID:          userID,
		WorkspaceID:     workspaceID,
		DeviceSessionID: deviceSessionID,
		ThreadID:        thread.ID,
		UserMessageID:   userMsg.ID,
		System:          systemPrompt,
		Messages:        conversation,
		ForceRefresh:    req.ForceRefresh,
		ForceRetry:      req.ForceRetry,
	}

	if stream {
		return s.streamChat(c, req, params, thread.ID, assistantMsg.ID, deviceSessionID)
	}

	result, err := s.runner.Run(ctx, params)
	if err != nil {
		s.finalizeFailure(assistantMsg.ID, err)
		return mapAgentError(err)
	}
	resp := s.finalizeSuccess(req, result, thread.ID, assistantMsg.ID, deviceSessionID)
	return c.JSON(http.StatusOK, resp)
}

// streamChat drives one SSE response off the orchestrator's event channel.
func (s *Server) streamChat(c *echo.Context, req *ChatRequest, params agent.ChatParams, threadID, assistantMsgID, deviceSessionID string) error {
	ctx := c.Request().Context()

	writer, err := newSSEWriter(c)
	if err != nil {
		return err
	}

	events := s.runner.RunStream(ctx, params)

	ticker := keepaliveTicker(s.cfg.HTTP.SSEKeepalive)
	var keepalive <-chan time.Time
	if ticker != nil {
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.finalizeFailure(assistantMsgID, ctx.Err())
			return nil
		case <-keepalive:
			if err := writer.Keepalive(); err != nil {
				s.finalizeFailure(assistantMsgID, err)
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case agent.EventFinal:
				resp := s.finalizeSuccess(req, ev.Final, threadID, assistantMsgID, deviceSessionID)
				if err := writer.Event(string(agent.EventFinal), resp); err != nil {
					return nil
				}
			case agent.EventError:
				s.finalizeFailure(assistantMsgID, mapAgentErrorEvent(ev.Error))
				if err := writer.Event(string(agent.EventError), streamErrorPayload(ev, requestIDFrom(c))); err != nil {
					return nil
				}
			default:
				if err := writer.Event(string(ev.Type), ev); err != nil {
					s.finalizeFailure(assistantMsgID, err)
					return nil
				}
			}
		}
	}
}

// streamReplay emits an already-finished response as a minimal SSE stream.
func (s *Server) streamReplay(c *echo.Context, resp *ChatResponse) error {
	writer, err := newSSEWriter(c)
	if err != nil {
		return err
	}
	if resp.Reply != "" {
		if err := writer.Event(string(agent.EventText), agent.StreamEvent{
			Type:      agent.EventText,
			RequestID: resp.Meta.RequestID,
			Text:      resp.Reply,
		}); err != nil {
			return nil
		}
	}
	_ = writer.Event(string(agent.EventFinal), resp)
	return nil
}

// finalizeSuccess persists the assistant reply, meters the device session and
// optionally mints a share token. Runs on a detached context so a client
// disconnect after the run cannot lose the row.
func (s *Server) finalizeSuccess(req *ChatRequest, result *agent.ChatResult, threadID, assistantMsgID, deviceSessionID string) *ChatResponse {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := s.threads.FinalizeMessage(ctx, assistantMsgID, services.MessageStatusComplete,
		encodeContent(result.Reply), nil, result.Meta.Usage.Input, result.Meta.Usage.Output); err != nil {
		s.logger.Error("Failed to finalize assistant message", "message_id", assistantMsgID, "error", err)
	}

	if deviceSessionID != "" {
		if err := s.devices.Meter(ctx, deviceSessionID, result.Meta.Usage.Input, result.Meta.Usage.Output); err != nil {
			s.logger.Warn("Failed to meter device session", "session_id", deviceSessionID, "error", err)
		}
	}

	resp := &ChatResponse{
		Reply:    result.Reply,
		ThreadID: threadID,
		Meta: ChatMeta{
			RequestID:  result.Meta.RequestID,
			Model:      result.Meta.Model,
			CacheHit:   result.Meta.CacheHits > 0,
			ToolCalls:  result.Meta.ToolCalls,
			Tokens:     ChatTokens{Input: result.Meta.Usage.Input, Output: result.Meta.Usage.Output},
			DurationMS: result.Meta.DurationMS,
			Warning:    result.Meta.Warning,
		},
	}

	if req.ReturnShareToken {
		token, err := s.threads.GenerateShareToken(ctx, threadID, shareTokenTTL)
		if err != nil {
			s.logger.Warn("Failed to generate share token", "thread_id", threadID, "error", err)
		} else {
			resp.ShareToken = token
		}
	}
	return resp
}

// finalizeFailure marks the assistant placeholder as errored.
func (s *Server) finalizeFailure(assistantMsgID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	msg := "agent run failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.threads.FinalizeMessage(ctx, assistantMsgID, services.MessageStatusError,
		encodeContent(msg), nil, 0, 0); err != nil {
		s.logger.Error("Failed to finalize errored message", "message_id", assistantMsgID, "error", err)
	}
}

func validateChatRequest(req *ChatRequest) error {
	if len(req.Messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "messages is required")
	}
	for _, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "message role must be user or assistant")
		}
		if m.Content == "" {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "message content must not be empty")
		}
	}
	if req.Messages[len(req.Messages)-1].Role != "user" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "last message must have role user")
	}
	return nil
}

// conversationFromHistory rebuilds the model conversation from persisted
// messages, excluding the just-added user message and anything unfinished.
func conversationFromHistory(history []*services.ThreadMessage, newUserMsgID string) []agent.Message {
	var out []agent.Message
	for _, m := range history {
		if m.ID == newUserMsgID || m.Status != services.MessageStatusComplete {
			continue
		}
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		text := decodeContent(m.Content)
		if text == "" {
			continue
		}
		out = append(out, agent.Message{Role: m.Role, Content: text})
	}
	return out
}

// replayedResponse finds a finished assistant reply to the duplicate user
// message, if one exists.
func replayedResponse(history []*services.ThreadMessage, userMsgID, threadID, requestID string) *ChatResponse {
	for _, m := range history {
		if m.InReplyTo != userMsgID || m.Role != "assistant" || m.Status != services.MessageStatusComplete {
			continue
		}
		return &ChatResponse{
			Reply:    decodeContent(m.Content),
			ThreadID: threadID,
			Meta: ChatMeta{
				RequestID: requestID,
				Tokens:    ChatTokens{Input: m.InputTokens, Output: m.OutputTokens},
			},
		}
	}
	return nil
}

func encodeContent(text string) json.RawMessage {
	raw, _ := json.Marshal(messageContent{Text: text})
	return raw
}

func decodeContent(raw json.RawMessage) string {
	var content messageContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return string(raw)
	}
	return content.Text
}

// threadTitle derives a title for a fresh thread from the first user message.
func threadTitle(messages []agent.Message) string {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		title := m.Content
		if runes := []rune(title); len(runes) > 80 {
			title = string(runes[:77]) + "..."
		}
		return title
	}
	return ""
}

// mapAgentErrorEvent turns a stream error payload back into an error for the
// journal row.
func mapAgentErrorEvent(ev *agent.ErrorEvent) error {
	if ev == nil {
		return nil
	}
	return &agent.Error{Bucket: ev.Bucket, Origin: ev.Origin, Err: streamError(ev.Message)}
}

type streamError string

func (e streamError) Error() string { return string(e) }

// streamErrorPayload shapes an error event as the standard envelope so SSE
// and JSON clients share one error format.
func streamErrorPayload(ev agent.StreamEvent, requestID string) *ErrorResponse {
	resp := &ErrorResponse{
		Error:     CodeInternal,
		Message:   "internal server error",
		Origin:    "app",
		RequestID: requestID,
	}
	if ev.Error != nil {
		apiErr := mapAgentError(mapAgentErrorEvent(ev.Error))
		resp.Error = apiErr.Code
		resp.Origin = apiErr.Origin
		resp.Message = apiErr.Message
	}
	return resp
}
