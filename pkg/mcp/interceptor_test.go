package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/agentd/pkg/cache"
	"github.com/relaydesk/agentd/pkg/services"
	testdb "github.com/relaydesk/agentd/test/database"
)

func setupInterceptor(t *testing.T) (*Interceptor, *pgxpool.Pool, *services.ThreadService) {
	t.Helper()
	pool := testdb.NewTestPool(t)
	store := cache.NewStore(pool, cache.Options{})
	threads := services.NewThreadService(pool, nil)
	return NewInterceptor(store, threads, nil, nil), pool, threads
}

func newTestThread(t *testing.T, pool *pgxpool.Pool, threads *services.ThreadService) (userID, threadID string) {
	t.Helper()
	ctx := context.Background()
	var err error
	err = pool.QueryRow(ctx,
		`INSERT INTO users (email) VALUES ($1) RETURNING id::text`,
		fmt.Sprintf("%s@example.com", uuid.New().String())).Scan(&userID)
	require.NoError(t, err)

	thread, err := threads.FindOrCreateThread(ctx, services.FindOrCreateThreadParams{UserID: userID})
	require.NoError(t, err)
	return userID, thread.ID
}

func newTestUserMessage(t *testing.T, threads *services.ThreadService, threadID string) string {
	t.Helper()
	msg, _, err := threads.AddMessage(context.Background(), services.AddMessageParams{
		ThreadID: threadID,
		Role:     "user",
		Content:  json.RawMessage(`{"type":"text","text":"hi"}`),
	})
	require.NoError(t, err)
	return msg.ID
}

func countingInvoke(calls *atomic.Int32, value string) InvokeFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(value), nil
	}
}

func TestInterceptorCachesReads(t *testing.T) {
	interceptor, _, _ := setupInterceptor(t)
	ctx := context.Background()
	cc := CallContext{UserID: uuid.New().String()}
	args := map[string]any{"query": "roadmap"}

	var calls atomic.Int32
	invoke := countingInvoke(&calls, `{"results":[1,2]}`)

	value, meta, err := interceptor.Execute(ctx, cc, "notion.search", args, invoke)
	require.NoError(t, err)
	assert.False(t, meta.Cached)
	assert.NotEmpty(t, meta.CacheKey)
	assert.JSONEq(t, `{"results":[1,2]}`, string(value))
	assert.Equal(t, int32(1), calls.Load())

	value, meta, err = interceptor.Execute(ctx, cc, "notion.search", args, invoke)
	require.NoError(t, err)
	assert.True(t, meta.Cached)
	assert.JSONEq(t, `{"results":[1,2]}`, string(value))
	assert.Equal(t, int32(1), calls.Load(), "second call should be served from cache")
}

func TestInterceptorScopesByUser(t *testing.T) {
	interceptor, _, _ := setupInterceptor(t)
	ctx := context.Background()
	args := map[string]any{"query": "roadmap"}

	var calls atomic.Int32
	invoke := countingInvoke(&calls, `{"results":[]}`)

	_, _, err := interceptor.Execute(ctx, CallContext{UserID: "user-a"}, "notion.search", args, invoke)
	require.NoError(t, err)
	_, meta, err := interceptor.Execute(ctx, CallContext{UserID: "user-b"}, "notion.search", args, invoke)
	require.NoError(t, err)

	assert.False(t, meta.Cached, "different users must not share entries")
	assert.Equal(t, int32(2), calls.Load())
}

func TestInterceptorBypassMode(t *testing.T) {
	interceptor, _, _ := setupInterceptor(t)
	ctx := context.Background()
	cc := CallContext{UserID: "u1", CacheMode: CacheModeBypass}
	args := map[string]any{"query": "q"}

	var calls atomic.Int32
	invoke := countingInvoke(&calls, `{"results":[]}`)

	for range 2 {
		_, meta, err := interceptor.Execute(ctx, cc, "notion.search", args, invoke)
		require.NoError(t, err)
		assert.False(t, meta.Cached)
		assert.Empty(t, meta.CacheKey)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestInterceptorRefreshMode(t *testing.T) {
	interceptor, _, _ := setupInterceptor(t)
	ctx := context.Background()
	args := map[string]any{"query": "q"}

	var calls atomic.Int32
	_, _, err := interceptor.Execute(ctx, CallContext{UserID: "u1"}, "notion.search", args,
		countingInvoke(&calls, `{"version":1}`))
	require.NoError(t, err)

	// Refresh skips the read but overwrites the entry
	value, meta, err := interceptor.Execute(ctx, CallContext{UserID: "u1", CacheMode: CacheModeRefresh},
		"notion.search", args, countingInvoke(&calls, `{"version":2}`))
	require.NoError(t, err)
	assert.False(t, meta.Cached)
	assert.JSONEq(t, `{"version":2}`, string(value))
	assert.Equal(t, int32(2), calls.Load())

	// Subsequent reads see the refreshed value
	value, meta, err = interceptor.Execute(ctx, CallContext{UserID: "u1"}, "notion.search", args,
		countingInvoke(&calls, `{"version":3}`))
	require.NoError(t, err)
	assert.True(t, meta.Cached)
	assert.JSONEq(t, `{"version":2}`, string(value))
	assert.Equal(t, int32(2), calls.Load())
}

func TestInterceptorUnknownToolBypassesCache(t *testing.T) {
	interceptor, _, _ := setupInterceptor(t)
	ctx := context.Background()
	cc := CallContext{UserID: "u1"}
	args := map[string]any{"input": "x"}

	var calls atomic.Int32
	invoke := countingInvoke(&calls, `{"ok":true}`)

	for range 2 {
		_, meta, err := interceptor.Execute(ctx, cc, "clock.now", args, invoke)
		require.NoError(t, err)
		assert.False(t, meta.Cached)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestInterceptorUserScopedWithoutUser(t *testing.T) {
	interceptor, _, _ := setupInterceptor(t)
	ctx := context.Background()
	args := map[string]any{"query": "q"}

	var calls atomic.Int32
	invoke := countingInvoke(&calls, `{"results":[]}`)

	// Missing user identity degrades to an uncached call, never an error
	for range 2 {
		value, meta, err := interceptor.Execute(ctx, CallContext{}, "notion.search", args, invoke)
		require.NoError(t, err)
		assert.False(t, meta.Cached)
		assert.JSONEq(t, `{"results":[]}`, string(value))
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestInterceptorErrorsNotCached(t *testing.T) {
	interceptor, _, _ := setupInterceptor(t)
	ctx := context.Background()
	cc := CallContext{UserID: "u1"}
	args := map[string]any{"query": "q"}

	var calls atomic.Int32
	failing := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("upstream down")
	}

	_, _, err := interceptor.Execute(ctx, cc, "notion.search", args, failing)
	require.Error(t, err)

	// The failure must not be served from cache
	value, meta, err := interceptor.Execute(ctx, cc, "notion.search", args,
		countingInvoke(&calls, `{"results":[]}`))
	require.NoError(t, err)
	assert.False(t, meta.Cached)
	assert.JSONEq(t, `{"results":[]}`, string(value))
	assert.Equal(t, int32(2), calls.Load())
}

func TestInterceptorMutationInvalidates(t *testing.T) {
	interceptor, _, _ := setupInterceptor(t)
	ctx := context.Background()
	cc := CallContext{UserID: "u1"}
	fetchArgs := map[string]any{"page_id": "p1"}

	var fetches atomic.Int32
	fetch := countingInvoke(&fetches, `{"title":"before"}`)

	_, _, err := interceptor.Execute(ctx, cc, "notion.fetch", fetchArgs, fetch)
	require.NoError(t, err)
	_, meta, err := interceptor.Execute(ctx, cc, "notion.fetch", fetchArgs, fetch)
	require.NoError(t, err)
	require.True(t, meta.Cached)

	// A write to the same page drops the cached read
	_, meta, err = interceptor.Execute(ctx, cc, "notion.update-page",
		map[string]any{"page_id": "p1", "title": "after"},
		countingInvoke(new(atomic.Int32), `{"ok":true}`))
	require.NoError(t, err)
	assert.False(t, meta.Cached)

	_, meta, err = interceptor.Execute(ctx, cc, "notion.fetch", fetchArgs, fetch)
	require.NoError(t, err)
	assert.False(t, meta.Cached)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestInterceptorJournalsCalls(t *testing.T) {
	interceptor, pool, threads := setupInterceptor(t)
	ctx := context.Background()
	userID, threadID := newTestThread(t, pool, threads)

	cc := CallContext{
		UserID:        userID,
		ThreadID:      threadID,
		RequestID:     uuid.New().String(),
		UserMessageID: newTestUserMessage(t, threads, threadID),
		CallIndex:     0,
	}
	args := map[string]any{"input": "x"}
	value := json.RawMessage(`{"ok":true}`)

	_, meta, err := interceptor.Execute(ctx, cc, "clock.now", args,
		func(ctx context.Context) (json.RawMessage, error) { return value, nil })
	require.NoError(t, err)
	assert.False(t, meta.Replayed)

	records, err := threads.GetToolCalls(ctx, cc.RequestID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, services.ToolCallStatusSuccess, records[0].Status)
	assert.Equal(t, "clock.now", records[0].ToolName)
	assert.Equal(t, cc.UserMessageID, records[0].MessageID,
		"journal row must link back to the triggering user message")

	sum := sha256.Sum256(value)
	assert.Equal(t, hex.EncodeToString(sum[:]), records[0].ResultDigest)

	// The same logical call replays against the existing journal row
	var calls atomic.Int32
	_, meta, err = interceptor.Execute(ctx, cc, "clock.now", args, countingInvoke(&calls, `{"ok":true}`))
	require.NoError(t, err)
	assert.True(t, meta.Replayed)

	records, err = threads.GetToolCalls(ctx, cc.RequestID)
	require.NoError(t, err)
	assert.Len(t, records, 1, "replay must not create a second journal row")
}

func TestInterceptorJournalsFailures(t *testing.T) {
	interceptor, pool, threads := setupInterceptor(t)
	ctx := context.Background()
	userID, threadID := newTestThread(t, pool, threads)

	cc := CallContext{
		UserID:    userID,
		ThreadID:  threadID,
		RequestID: uuid.New().String(),
		CallIndex: 0,
	}

	_, _, err := interceptor.Execute(ctx, cc, "clock.now", map[string]any{},
		func(ctx context.Context) (json.RawMessage, error) { return nil, errors.New("boom") })
	require.Error(t, err)

	records, err := threads.GetToolCalls(ctx, cc.RequestID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, services.ToolCallStatusFailed, records[0].Status)
	assert.Equal(t, "boom", records[0].Error)
	assert.Empty(t, records[0].ResultDigest)
}

func TestInterceptorJournalsCacheHits(t *testing.T) {
	interceptor, pool, threads := setupInterceptor(t)
	ctx := context.Background()
	userID, threadID := newTestThread(t, pool, threads)

	args := map[string]any{"query": "roadmap"}
	first := CallContext{
		UserID:    userID,
		ThreadID:  threadID,
		RequestID: uuid.New().String(),
	}
	second := CallContext{
		UserID:        userID,
		ThreadID:      threadID,
		RequestID:     uuid.New().String(),
		UserMessageID: newTestUserMessage(t, threads, threadID),
	}

	var calls atomic.Int32
	invoke := countingInvoke(&calls, `{"results":[]}`)

	_, _, err := interceptor.Execute(ctx, first, "notion.search", args, invoke)
	require.NoError(t, err)
	_, meta, err := interceptor.Execute(ctx, second, "notion.search", args, invoke)
	require.NoError(t, err)
	require.True(t, meta.Cached)
	assert.Equal(t, int32(1), calls.Load())

	// Cache-served calls still land in the journal
	records, err := threads.GetToolCalls(ctx, second.RequestID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, services.ToolCallStatusSuccess, records[0].Status)
	assert.Equal(t, second.UserMessageID, records[0].MessageID)
}
