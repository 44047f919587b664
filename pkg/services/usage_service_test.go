package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/agentd/pkg/services"
	testdb "github.com/relaydesk/agentd/test/database"
)

func TestUsageService_TrackIdempotent(t *testing.T) {
	ctx := context.Background()
	pool := testdb.NewTestPool(t)
	svc := services.NewUsageService(pool, nil)
	userID := createTestUser(t, pool)

	rec := services.UsageRecord{
		RequestID:    "req-1",
		UserID:       userID,
		WorkspaceID:  "ws-1",
		InputTokens:  100,
		OutputTokens: 40,
		Model:        "claude-sonnet-4-5",
		Provider:     "anthropic",
	}
	require.NoError(t, svc.Track(ctx, rec))
	// Replay: identical record must not change totals
	require.NoError(t, svc.Track(ctx, rec))

	today := time.Now()
	usage, err := svc.GetUserUsage(ctx, userID, "ws-1", today, today)
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage.InputTokens)
	assert.Equal(t, int64(40), usage.OutputTokens)
	assert.Equal(t, int64(1), usage.RequestCount)

	// A retry that reports more tokens adds only the delta
	rec.InputTokens = 120
	require.NoError(t, svc.Track(ctx, rec))
	usage, err = svc.GetUserUsage(ctx, userID, "ws-1", today, today)
	require.NoError(t, err)
	assert.Equal(t, int64(120), usage.InputTokens)
	assert.Equal(t, int64(1), usage.RequestCount)

	// A retry that reports fewer tokens never undercounts
	rec.InputTokens = 50
	require.NoError(t, svc.Track(ctx, rec))
	usage, err = svc.GetUserUsage(ctx, userID, "ws-1", today, today)
	require.NoError(t, err)
	assert.Equal(t, int64(120), usage.InputTokens)
}

func TestUsageService_CacheHitCoercion(t *testing.T) {
	ctx := context.Background()
	pool := testdb.NewTestPool(t)
	svc := services.NewUsageService(pool, nil)
	userID := createTestUser(t, pool)

	require.NoError(t, svc.Track(ctx, services.UsageRecord{
		RequestID:    "req-cached",
		UserID:       userID,
		InputTokens:  500,
		OutputTokens: 200,
		CacheHit:     true,
	}))

	var in, out int64
	var status string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT input_tokens, output_tokens, status FROM token_usage WHERE request_id = $1`,
		"req-cached").Scan(&in, &out, &status))
	assert.Equal(t, int64(0), in)
	assert.Equal(t, int64(0), out)
	assert.Equal(t, "cache", status)
}

func TestUsageService_CheckBudget(t *testing.T) {
	ctx := context.Background()
	pool := testdb.NewTestPool(t)
	svc := services.NewUsageService(pool, nil)
	userID := createTestUser(t, pool)

	// No budget row: unlimited
	status, err := svc.CheckBudget(ctx, userID, "")
	require.NoError(t, err)
	assert.Equal(t, services.BudgetLevelNone, status.Level)
	assert.False(t, status.Blocked)

	require.NoError(t, svc.SetBudget(ctx, userID, 1000, 0, 80, false))

	track := func(requestID string, tokens int64) {
		require.NoError(t, svc.Track(ctx, services.UsageRecord{
			RequestID: requestID, UserID: userID, InputTokens: tokens,
		}))
	}

	track("req-a", 500)
	status, err = svc.CheckBudget(ctx, userID, "")
	require.NoError(t, err)
	assert.Equal(t, services.BudgetLevelNone, status.Level)
	assert.False(t, status.OverThreshold)
	assert.InDelta(t, 50, status.PercentUsed, 0.1)

	track("req-b", 250) // 75%: inside the band below the threshold
	status, err = svc.CheckBudget(ctx, userID, "")
	require.NoError(t, err)
	assert.Equal(t, services.BudgetLevelWarning, status.Level)
	assert.False(t, status.OverThreshold)

	track("req-c", 150) // 90%: past the configured 80% threshold
	status, err = svc.CheckBudget(ctx, userID, "")
	require.NoError(t, err)
	assert.Equal(t, services.BudgetLevelCritical, status.Level)
	assert.True(t, status.OverThreshold)
	assert.False(t, status.Blocked)
	assert.InDelta(t, 90, status.PercentUsed, 0.1)

	track("req-d", 160) // 106%
	status, err = svc.CheckBudget(ctx, userID, "")
	require.NoError(t, err)
	assert.Equal(t, services.BudgetLevelOver, status.Level)
	assert.True(t, status.OverThreshold)
	assert.True(t, status.Blocked)
}

func TestUsageService_CheckBudgetThresholdIsCritical(t *testing.T) {
	ctx := context.Background()
	pool := testdb.NewTestPool(t)
	svc := services.NewUsageService(pool, nil)
	userID := createTestUser(t, pool)

	// A single request at 90% of a 1000-token daily limit with an 80%
	// threshold must land in critical, not warning.
	require.NoError(t, svc.SetBudget(ctx, userID, 1000, 0, 80, false))
	require.NoError(t, svc.Track(ctx, services.UsageRecord{
		RequestID: "req-1", UserID: userID, InputTokens: 900,
	}))

	status, err := svc.CheckBudget(ctx, userID, "")
	require.NoError(t, err)
	assert.Equal(t, services.BudgetLevelCritical, status.Level)
	assert.True(t, status.OverThreshold)
	assert.InDelta(t, 90, status.PercentUsed, 0.1)
	assert.False(t, status.Blocked)
}

func TestUsageService_SoftBlockNeverBlocks(t *testing.T) {
	ctx := context.Background()
	pool := testdb.NewTestPool(t)
	svc := services.NewUsageService(pool, nil)
	userID := createTestUser(t, pool)

	require.NoError(t, svc.SetBudget(ctx, userID, 100, 0, 80, true))
	require.NoError(t, svc.Track(ctx, services.UsageRecord{
		RequestID: "req-1", UserID: userID, InputTokens: 200,
	}))

	status, err := svc.CheckBudget(ctx, userID, "")
	require.NoError(t, err)
	assert.Equal(t, services.BudgetLevelOver, status.Level)
	assert.False(t, status.Blocked)
}

func TestUsageService_GetThreadUsage(t *testing.T) {
	ctx := context.Background()
	pool := testdb.NewTestPool(t)
	usageSvc := services.NewUsageService(pool, nil)
	threadSvc := services.NewThreadService(pool, nil)
	userID := createTestUser(t, pool)

	thread, err := threadSvc.FindOrCreateThread(ctx, services.FindOrCreateThreadParams{UserID: userID})
	require.NoError(t, err)

	require.NoError(t, usageSvc.Track(ctx, services.UsageRecord{
		RequestID: "req-1", UserID: userID, ThreadID: thread.ID, InputTokens: 10, OutputTokens: 5,
	}))
	require.NoError(t, usageSvc.Track(ctx, services.UsageRecord{
		RequestID: "req-2", UserID: userID, ThreadID: thread.ID, InputTokens: 20, OutputTokens: 15,
	}))

	usage, err := usageSvc.GetThreadUsage(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), usage.InputTokens)
	assert.Equal(t, int64(20), usage.OutputTokens)
	assert.Equal(t, int64(2), usage.RequestCount)
}
