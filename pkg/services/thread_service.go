package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	shareTokenPrefix = "thr_"
	shareTokenBytes  = 32
)

// Thread is a conversation container.
type Thread struct {
	ID             string
	UserID         string
	WorkspaceID    string
	Title          string
	Metadata       json.RawMessage
	CreatedAt      time.Time
	LastActivityAt time.Time
	DeletedAt      *time.Time
}

// ThreadMessage is one turn in a thread.
type ThreadMessage struct {
	ID              string
	ThreadID        string
	RequestID       string
	Role            string
	Content         json.RawMessage
	ClientMessageID string
	InReplyTo       string
	Status          string
	ToolCalls       json.RawMessage
	InputTokens     int64
	OutputTokens    int64
	CreatedAt       time.Time
}

// ToolCallRecord is one journaled tool invocation.
type ToolCallRecord struct {
	ID             string
	RequestID      string
	ThreadID       string
	MessageID      string
	CallIndex      int
	IdempotencyKey string
	ToolName       string
	Arguments      json.RawMessage
	ResultDigest   string
	Status         string
	Error          string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Tool call journal statuses.
const (
	ToolCallStatusPending = "pending"
	ToolCallStatusSuccess = "success"
	ToolCallStatusFailed  = "failed"
)

// Message statuses.
const (
	MessageStatusPending   = "pending"
	MessageStatusStreaming = "streaming"
	MessageStatusComplete  = "complete"
	MessageStatusError     = "error"
)

// ThreadService manages threads, messages and the tool-call journal
type ThreadService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewThreadService creates a new ThreadService
func NewThreadService(pool *pgxpool.Pool, logger *slog.Logger) *ThreadService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadService{pool: pool, logger: logger.With("component", "thread_service")}
}

// FindOrCreateThreadParams selects or creates a thread.
// Precedence: ThreadID, then ShareToken, then create.
type FindOrCreateThreadParams struct {
	ThreadID    string
	ShareToken  string
	UserID      string
	WorkspaceID string
	Title       string
}

// FindOrCreateThread resolves a thread by id, by share token, or creates one.
func (s *ThreadService) FindOrCreateThread(ctx context.Context, params FindOrCreateThreadParams) (*Thread, error) {
	if params.ThreadID != "" {
		thread, err := s.GetThread(ctx, params.ThreadID)
		if err != nil {
			return nil, err
		}
		if err := checkThreadAccess(thread, params.UserID, params.WorkspaceID); err != nil {
			return nil, err
		}
		return thread, nil
	}

	if params.ShareToken != "" {
		return s.resolveShareToken(ctx, params.ShareToken, params.WorkspaceID)
	}

	thread := &Thread{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO threads (user_id, workspace_id, title)
		VALUES (NULLIF($1, '')::uuid, NULLIF($2, ''), NULLIF($3, ''))
		RETURNING id::text, COALESCE(user_id::text, ''), COALESCE(workspace_id, ''),
		          COALESCE(title, ''), metadata, created_at, last_activity_at`,
		params.UserID, params.WorkspaceID, params.Title).
		Scan(&thread.ID, &thread.UserID, &thread.WorkspaceID,
			&thread.Title, &thread.Metadata, &thread.CreatedAt, &thread.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	s.logger.Info("Thread created", "thread_id", thread.ID, "user_id", params.UserID)
	return thread, nil
}

// GetThread retrieves a thread by id. Soft-deleted threads are not found.
func (s *ThreadService) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	if threadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	thread := &Thread{}
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(user_id::text, ''), COALESCE(workspace_id, ''),
		       COALESCE(title, ''), metadata, created_at, last_activity_at
		FROM threads
		WHERE id = $1::uuid AND deleted_at IS NULL`,
		threadID).
		Scan(&thread.ID, &thread.UserID, &thread.WorkspaceID,
			&thread.Title, &thread.Metadata, &thread.CreatedAt, &thread.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

func (s *ThreadService) resolveShareToken(ctx context.Context, rawToken, workspaceID string) (*Thread, error) {
	thread := &Thread{}
	var expiresAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, COALESCE(user_id::text, ''), COALESCE(workspace_id, ''),
		       COALESCE(title, ''), metadata, created_at, last_activity_at, share_token_expires_at
		FROM threads
		WHERE share_token_hash = $1 AND deleted_at IS NULL`,
		hashToken(rawToken)).
		Scan(&thread.ID, &thread.UserID, &thread.WorkspaceID,
			&thread.Title, &thread.Metadata, &thread.CreatedAt, &thread.LastActivityAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve share token: %w", err)
	}
	if expiresAt == nil || !expiresAt.After(time.Now()) {
		return nil, fmt.Errorf("share token expired: %w", ErrGone)
	}
	if workspaceID != "" && thread.WorkspaceID != "" && thread.WorkspaceID != workspaceID {
		return nil, ErrForbidden
	}
	return thread, nil
}

func checkThreadAccess(thread *Thread, userID, workspaceID string) error {
	if thread.UserID != "" && userID != "" && thread.UserID != userID {
		return ErrForbidden
	}
	if thread.WorkspaceID != "" && workspaceID != "" && thread.WorkspaceID != workspaceID {
		return ErrForbidden
	}
	return nil
}

// AddMessageParams describes a message append.
type AddMessageParams struct {
	ThreadID        string
	RequestID       string
	Role            string
	Content         json.RawMessage
	ClientMessageID string
	InReplyTo       string
	Status          string
	ToolCalls       json.RawMessage
	InputTokens     int64
	OutputTokens    int64
	ForceRetry      bool
}

// AddMessage appends a message to a thread. When ClientMessageID is set and
// already exists for the thread, the existing row is returned instead of
// creating a duplicate (unless ForceRetry). The bool reports whether a new
// row was created.
func (s *ThreadService) AddMessage(ctx context.Context, params AddMessageParams) (*ThreadMessage, bool, error) {
	if params.ThreadID == "" {
		return nil, false, NewValidationError("thread_id", "required")
	}
	if params.Role == "" {
		return nil, false, NewValidationError("role", "required")
	}
	if len(params.Content) == 0 {
		return nil, false, NewValidationError("content", "required")
	}
	status := params.Status
	if status == "" {
		status = MessageStatusComplete
	}

	if params.ClientMessageID != "" && !params.ForceRetry {
		existing, err := s.getMessageByClientID(ctx, params.ThreadID, params.ClientMessageID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	msg := &ThreadMessage{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO thread_messages
			(thread_id, request_id, role, content, client_message_id, in_reply_to, status, tool_calls, input_tokens, output_tokens)
		VALUES ($1::uuid, NULLIF($2, ''), $3, $4, NULLIF($5, ''), NULLIF($6, '')::uuid, $7, $8, $9, $10)
		ON CONFLICT (thread_id, client_message_id) WHERE client_message_id IS NOT NULL
		DO NOTHING
		RETURNING id::text, thread_id::text, COALESCE(request_id, ''), role, content,
		          COALESCE(client_message_id, ''), COALESCE(in_reply_to::text, ''), status,
		          tool_calls, input_tokens, output_tokens, created_at`,
		params.ThreadID, params.RequestID, params.Role, params.Content,
		params.ClientMessageID, params.InReplyTo, status, params.ToolCalls,
		params.InputTokens, params.OutputTokens).
		Scan(&msg.ID, &msg.ThreadID, &msg.RequestID, &msg.Role, &msg.Content,
			&msg.ClientMessageID, &msg.InReplyTo, &msg.Status,
			&msg.ToolCalls, &msg.InputTokens, &msg.OutputTokens, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a concurrent idempotent insert; return the winner.
		return s.lookupExistingMessage(ctx, params)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to add message: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE threads SET last_activity_at = now() WHERE id = $1::uuid`, params.ThreadID); err != nil {
		s.logger.Warn("Failed to bump thread activity", "thread_id", params.ThreadID, "error", err)
	}
	return msg, true, nil
}

func (s *ThreadService) lookupExistingMessage(ctx context.Context, params AddMessageParams) (*ThreadMessage, bool, error) {
	existing, err := s.getMessageByClientID(ctx, params.ThreadID, params.ClientMessageID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *ThreadService) getMessageByClientID(ctx context.Context, threadID, clientMessageID string) (*ThreadMessage, error) {
	msg := &ThreadMessage{}
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, thread_id::text, COALESCE(request_id, ''), role, content,
		       COALESCE(client_message_id, ''), COALESCE(in_reply_to::text, ''), status,
		       tool_calls, input_tokens, output_tokens, created_at
		FROM thread_messages
		WHERE thread_id = $1::uuid AND client_message_id = $2`,
		threadID, clientMessageID).
		Scan(&msg.ID, &msg.ThreadID, &msg.RequestID, &msg.Role, &msg.Content,
			&msg.ClientMessageID, &msg.InReplyTo, &msg.Status,
			&msg.ToolCalls, &msg.InputTokens, &msg.OutputTokens, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// FinalizeMessage updates a streamed message's status, content and token counts.
func (s *ThreadService) FinalizeMessage(ctx context.Context, messageID, status string, content, toolCalls json.RawMessage, inputTokens, outputTokens int64) error {
	if messageID == "" {
		return NewValidationError("message_id", "required")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE thread_messages
		SET status = $2,
		    content = COALESCE($3, content),
		    tool_calls = COALESCE($4, tool_calls),
		    input_tokens = $5,
		    output_tokens = $6
		WHERE id = $1::uuid`,
		messageID, status, content, toolCalls, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetThreadMessages returns a thread's messages in creation order.
// A limit of 0 returns all messages.
func (s *ThreadService) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]*ThreadMessage, error) {
	if threadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	query := `
		SELECT id::text, thread_id::text, COALESCE(request_id, ''), role, content,
		       COALESCE(client_message_id, ''), COALESCE(in_reply_to::text, ''), status,
		       tool_calls, input_tokens, output_tokens, created_at
		FROM thread_messages
		WHERE thread_id = $1::uuid
		ORDER BY created_at, id`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread messages: %w", err)
	}
	defer rows.Close()

	var messages []*ThreadMessage
	for rows.Next() {
		msg := &ThreadMessage{}
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.RequestID, &msg.Role, &msg.Content,
			&msg.ClientMessageID, &msg.InReplyTo, &msg.Status,
			&msg.ToolCalls, &msg.InputTokens, &msg.OutputTokens, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GenerateShareToken mints a share token for a thread and returns the
// plaintext exactly once. Only the SHA-256 is stored.
func (s *ThreadService) GenerateShareToken(ctx context.Context, threadID string, ttl time.Duration) (string, error) {
	if threadID == "" {
		return "", NewValidationError("thread_id", "required")
	}
	if ttl <= 0 {
		return "", NewValidationError("ttl", "must be positive")
	}

	raw := make([]byte, shareTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate share token: %w", err)
	}
	token := shareTokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	tag, err := s.pool.Exec(ctx, `
		UPDATE threads
		SET share_token_hash = $2,
		    share_token_expires_at = now() + make_interval(secs => $3)
		WHERE id = $1::uuid AND deleted_at IS NULL`,
		threadID, hashToken(token), ttl.Seconds())
	if err != nil {
		return "", fmt.Errorf("failed to store share token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrNotFound
	}
	return token, nil
}

// RevokeShareToken clears a thread's share token fields.
func (s *ThreadService) RevokeShareToken(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE threads SET share_token_hash = NULL, share_token_expires_at = NULL
		WHERE id = $1::uuid`,
		threadID)
	if err != nil {
		return fmt.Errorf("failed to revoke share token: %w", err)
	}
	return nil
}

// SoftDeleteThread marks a thread deleted and clears its share token so the
// thread is no longer reachable by either path.
func (s *ThreadService) SoftDeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return NewValidationError("thread_id", "required")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE threads
		SET deleted_at = now(), share_token_hash = NULL, share_token_expires_at = NULL
		WHERE id = $1::uuid AND deleted_at IS NULL`,
		threadID)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupExpiredShareTokens clears share-token fields on expired rows.
func (s *ThreadService) CleanupExpiredShareTokens(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE threads
		SET share_token_hash = NULL, share_token_expires_at = NULL
		WHERE id IN (
			SELECT id FROM threads
			WHERE share_token_hash IS NOT NULL AND share_token_expires_at <= now()
			LIMIT $1
		)`,
		batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up share tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LogToolCallParams opens a journal entry for one tool invocation.
type LogToolCallParams struct {
	RequestID      string
	ThreadID       string
	MessageID      string
	CallIndex      int
	IdempotencyKey string
	ToolName       string
	Arguments      json.RawMessage
}

// LogToolCall journals the start of a tool call. If an entry with the same
// idempotency key already exists, the existing record is returned and the
// bool is false; callers with a successful prior record may reuse its digest.
func (s *ThreadService) LogToolCall(ctx context.Context, params LogToolCallParams) (*ToolCallRecord, bool, error) {
	if params.RequestID == "" {
		return nil, false, NewValidationError("request_id", "required")
	}
	if params.ThreadID == "" {
		return nil, false, NewValidationError("thread_id", "required")
	}
	if params.IdempotencyKey == "" {
		return nil, false, NewValidationError("idempotency_key", "required")
	}
	if params.ToolName == "" {
		return nil, false, NewValidationError("tool_name", "required")
	}
	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	rec := &ToolCallRecord{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tool_call_log
			(request_id, thread_id, message_id, call_index, idempotency_key, tool_name, arguments)
		VALUES ($1, $2::uuid, NULLIF($3, '')::uuid, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id::text, request_id, thread_id::text, COALESCE(message_id::text, ''),
		          call_index, idempotency_key, tool_name, arguments,
		          COALESCE(result_digest, ''), status, COALESCE(error, ''), started_at, finished_at`,
		params.RequestID, params.ThreadID, params.MessageID, params.CallIndex,
		params.IdempotencyKey, params.ToolName, args).
		Scan(&rec.ID, &rec.RequestID, &rec.ThreadID, &rec.MessageID,
			&rec.CallIndex, &rec.IdempotencyKey, &rec.ToolName, &rec.Arguments,
			&rec.ResultDigest, &rec.Status, &rec.Error, &rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := s.getToolCallByKey(ctx, params.IdempotencyKey)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to log tool call: %w", err)
	}
	return rec, true, nil
}

func (s *ThreadService) getToolCallByKey(ctx context.Context, key string) (*ToolCallRecord, error) {
	rec := &ToolCallRecord{}
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, request_id, thread_id::text, COALESCE(message_id::text, ''),
		       call_index, idempotency_key, tool_name, arguments,
		       COALESCE(result_digest, ''), status, COALESCE(error, ''), started_at, finished_at
		FROM tool_call_log
		WHERE idempotency_key = $1`,
		key).
		Scan(&rec.ID, &rec.RequestID, &rec.ThreadID, &rec.MessageID,
			&rec.CallIndex, &rec.IdempotencyKey, &rec.ToolName, &rec.Arguments,
			&rec.ResultDigest, &rec.Status, &rec.Error, &rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool call: %w", err)
	}
	return rec, nil
}

// UpdateToolCallStatus finalizes a journal entry.
func (s *ThreadService) UpdateToolCallStatus(ctx context.Context, id, status, resultDigest, errorMsg string) error {
	if id == "" {
		return NewValidationError("id", "required")
	}
	if status != ToolCallStatusSuccess && status != ToolCallStatusFailed {
		return NewValidationError("status", "must be success or failed")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tool_call_log
		SET status = $2,
		    result_digest = NULLIF($3, ''),
		    error = NULLIF($4, ''),
		    finished_at = now()
		WHERE id = $1::uuid`,
		id, status, resultDigest, errorMsg)
	if err != nil {
		return fmt.Errorf("failed to update tool call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetToolCalls returns the journal entries for a request ordered by call index.
func (s *ThreadService) GetToolCalls(ctx context.Context, requestID string) ([]*ToolCallRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, request_id, thread_id::text, COALESCE(message_id::text, ''),
		       call_index, idempotency_key, tool_name, arguments,
		       COALESCE(result_digest, ''), status, COALESCE(error, ''), started_at, finished_at
		FROM tool_call_log
		WHERE request_id = $1
		ORDER BY call_index`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tool calls: %w", err)
	}
	defer rows.Close()

	var records []*ToolCallRecord
	for rows.Next() {
		rec := &ToolCallRecord{}
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.ThreadID, &rec.MessageID,
			&rec.CallIndex, &rec.IdempotencyKey, &rec.ToolName, &rec.Arguments,
			&rec.ResultDigest, &rec.Status, &rec.Error, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
