package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Budget levels returned by CheckBudget.
const (
	BudgetLevelNone     = "none"
	BudgetLevelWarning  = "warning"
	BudgetLevelCritical = "critical"
	BudgetLevelOver     = "over"

	// Width of the warning band below the configured threshold.
	budgetWarningBandPercent = 10
)

// UsageRecord is one request's token accounting.
type UsageRecord struct {
	RequestID       string
	UserID          string
	WorkspaceID     string
	DeviceSessionID string
	ThreadID        string
	InputTokens     int64
	OutputTokens    int64
	Model           string
	Provider        string
	CacheHit        bool
	ToolCallsCount  int
	Status          string
}

// BudgetStatus reports a user's position against their token budget.
type BudgetStatus struct {
	Level         string
	OverThreshold bool
	Blocked       bool
	DailyUsed     int64
	DailyLimit    int64
	MonthlyUsed   int64
	MonthlyLimit  int64
	PercentUsed   float64
}

// UsageSummary aggregates usage over a period.
type UsageSummary struct {
	InputTokens  int64
	OutputTokens int64
	RequestCount int64
}

// UsageService records per-request token usage and maintains daily rollups
type UsageService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewUsageService creates a new UsageService
func NewUsageService(pool *pgxpool.Pool, logger *slog.Logger) *UsageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageService{pool: pool, logger: logger.With("component", "usage_service")}
}

// Track records usage for a request. Idempotent on request id: replays merge
// with max(existing, new) for token counts and never double-increment the
// daily rollup; only the delta over what was already recorded is added.
func (s *UsageService) Track(ctx context.Context, rec UsageRecord) error {
	if rec.RequestID == "" {
		return NewValidationError("request_id", "required")
	}
	if rec.CacheHit {
		rec.InputTokens = 0
		rec.OutputTokens = 0
		rec.Status = "cache"
	}
	if rec.Status == "" {
		rec.Status = "ok"
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin usage transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevIn, prevOut int64
	existed := true
	err = tx.QueryRow(ctx, `
		SELECT input_tokens, output_tokens FROM token_usage
		WHERE request_id = $1 FOR UPDATE`,
		rec.RequestID).Scan(&prevIn, &prevOut)
	if errors.Is(err, pgx.ErrNoRows) {
		existed = false
	} else if err != nil {
		return fmt.Errorf("failed to read existing usage: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO token_usage
			(request_id, user_id, workspace_id, device_session_id, thread_id,
			 input_tokens, output_tokens, model, provider, cache_hit, tool_calls_count, status)
		VALUES ($1, NULLIF($2, '')::uuid, NULLIF($3, ''), NULLIF($4, '')::uuid, NULLIF($5, '')::uuid,
		        $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
		ON CONFLICT (request_id) DO UPDATE SET
			input_tokens = GREATEST(token_usage.input_tokens, EXCLUDED.input_tokens),
			output_tokens = GREATEST(token_usage.output_tokens, EXCLUDED.output_tokens),
			tool_calls_count = GREATEST(token_usage.tool_calls_count, EXCLUDED.tool_calls_count),
			cache_hit = token_usage.cache_hit AND EXCLUDED.cache_hit,
			status = EXCLUDED.status`,
		rec.RequestID, rec.UserID, rec.WorkspaceID, rec.DeviceSessionID, rec.ThreadID,
		rec.InputTokens, rec.OutputTokens, rec.Model, rec.Provider, rec.CacheHit,
		rec.ToolCallsCount, rec.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert usage: %w", err)
	}

	if rec.UserID != "" {
		deltaIn := rec.InputTokens - prevIn
		if deltaIn < 0 {
			deltaIn = 0
		}
		deltaOut := rec.OutputTokens - prevOut
		if deltaOut < 0 {
			deltaOut = 0
		}
		var deltaReq int64
		if !existed {
			deltaReq = 1
		}
		if deltaIn > 0 || deltaOut > 0 || deltaReq > 0 {
			_, err = tx.Exec(ctx, `
				INSERT INTO token_usage_rollup_daily (user_id, workspace_id, day, input_tokens, output_tokens, request_count)
				VALUES ($1::uuid, $2, CURRENT_DATE, $3, $4, $5)
				ON CONFLICT (user_id, workspace_id, day) DO UPDATE SET
					input_tokens = token_usage_rollup_daily.input_tokens + EXCLUDED.input_tokens,
					output_tokens = token_usage_rollup_daily.output_tokens + EXCLUDED.output_tokens,
					request_count = token_usage_rollup_daily.request_count + EXCLUDED.request_count`,
				rec.UserID, rec.WorkspaceID, deltaIn, deltaOut, deltaReq)
			if err != nil {
				return fmt.Errorf("failed to update usage rollup: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit usage: %w", err)
	}
	return nil
}

// CheckBudget evaluates a user's position against their configured limits.
// Users without a budget row (or with zero limits) are unlimited. Usage at
// or past the configured warning threshold is critical and sets
// OverThreshold; warning covers the band just below the threshold.
func (s *UsageService) CheckBudget(ctx context.Context, userID, workspaceID string) (*BudgetStatus, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}

	status := &BudgetStatus{Level: BudgetLevelNone}

	var warningPercent int
	var softBlock bool
	err := s.pool.QueryRow(ctx, `
		SELECT daily_limit, monthly_limit, warning_threshold_percent, soft_block
		FROM user_token_budget WHERE user_id = $1::uuid`,
		userID).Scan(&status.DailyLimit, &status.MonthlyLimit, &warningPercent, &softBlock)
	if errors.Is(err, pgx.ErrNoRows) {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read budget: %w", err)
	}
	if status.DailyLimit <= 0 && status.MonthlyLimit <= 0 {
		return status, nil
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(input_tokens + output_tokens) FILTER (WHERE day = CURRENT_DATE), 0),
			COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM token_usage_rollup_daily
		WHERE user_id = $1::uuid
		  AND ($2 = '' OR workspace_id = $2)
		  AND day >= date_trunc('month', CURRENT_DATE)::date`,
		userID, workspaceID).Scan(&status.DailyUsed, &status.MonthlyUsed)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage rollup: %w", err)
	}

	percent := 0.0
	if status.DailyLimit > 0 {
		percent = 100 * float64(status.DailyUsed) / float64(status.DailyLimit)
	}
	if status.MonthlyLimit > 0 {
		if p := 100 * float64(status.MonthlyUsed) / float64(status.MonthlyLimit); p > percent {
			percent = p
		}
	}
	status.PercentUsed = percent

	threshold := float64(warningPercent)
	switch {
	case percent >= 100:
		status.Level = BudgetLevelOver
		status.OverThreshold = true
		status.Blocked = !softBlock
	case percent >= threshold:
		status.Level = BudgetLevelCritical
		status.OverThreshold = true
	case percent >= threshold-budgetWarningBandPercent:
		status.Level = BudgetLevelWarning
	}
	return status, nil
}

// SetBudget creates or replaces a user's token budget.
func (s *UsageService) SetBudget(ctx context.Context, userID string, dailyLimit, monthlyLimit int64, warningPercent int, softBlock bool) error {
	if userID == "" {
		return NewValidationError("user_id", "required")
	}
	if warningPercent <= 0 || warningPercent > 100 {
		warningPercent = 80
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_token_budget (user_id, daily_limit, monthly_limit, warning_threshold_percent, soft_block)
		VALUES ($1::uuid, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			warning_threshold_percent = EXCLUDED.warning_threshold_percent,
			soft_block = EXCLUDED.soft_block`,
		userID, dailyLimit, monthlyLimit, warningPercent, softBlock)
	if err != nil {
		return fmt.Errorf("failed to set budget: %w", err)
	}
	return nil
}

// GetUserUsage sums the rollup table for a user over [from, to].
func (s *UsageService) GetUserUsage(ctx context.Context, userID, workspaceID string, from, to time.Time) (*UsageSummary, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	summary := &UsageSummary{}
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(request_count), 0)
		FROM token_usage_rollup_daily
		WHERE user_id = $1::uuid
		  AND ($2 = '' OR workspace_id = $2)
		  AND day BETWEEN $3::date AND $4::date`,
		userID, workspaceID, from, to).
		Scan(&summary.InputTokens, &summary.OutputTokens, &summary.RequestCount)
	if err != nil {
		return nil, fmt.Errorf("failed to get user usage: %w", err)
	}
	return summary, nil
}

// GetThreadUsage aggregates the detail table for one thread.
func (s *UsageService) GetThreadUsage(ctx context.Context, threadID string) (*UsageSummary, error) {
	if threadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	summary := &UsageSummary{}
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COUNT(*)
		FROM token_usage
		WHERE thread_id = $1::uuid`,
		threadID).
		Scan(&summary.InputTokens, &summary.OutputTokens, &summary.RequestCount)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread usage: %w", err)
	}
	return summary, nil
}
