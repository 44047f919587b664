package cache_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/agentd/pkg/cache"
	testdb "github.com/relaydesk/agentd/test/database"
)

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	pool := testdb.NewTestPool(t)
	return cache.NewStore(pool, cache.Options{})
}

func TestStoreSetGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	value := json.RawMessage(`{"results":["a","b"]}`)
	require.NoError(t, s.Set(ctx, "k1", value, 5*time.Minute, []string{"notion:page:p1"}))

	got, meta, err := s.Get(ctx, "k1", cache.GetOptions{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, string(value), string(got))
	assert.False(t, meta.Stale)
	assert.InDelta(t, 300, meta.TTLRemaining, 10)
	assert.GreaterOrEqual(t, meta.AgeSeconds, float64(0))
	assert.Equal(t, int64(1), meta.HitCount)

	// Second read increments the hit counter atomically.
	_, meta, err = s.Get(ctx, "k1", cache.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.HitCount)

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestStoreMiss(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	got, meta, err := s.Get(ctx, "absent", cache.GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, meta)
	assert.Equal(t, int64(1), s.Stats().Misses)
}

func TestStoreSizeCap(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	big := make([]byte, 251*1024)
	for i := range big {
		big[i] = 'a'
	}
	payload, err := json.Marshal(string(big))
	require.NoError(t, err)

	err = s.Set(ctx, "big", payload, time.Minute, nil)
	assert.ErrorIs(t, err, cache.ErrTooLarge)
	assert.Equal(t, int64(1), s.Stats().SizeRejected)
}

func TestStoreStaleIfError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "k", json.RawMessage(`"v"`), time.Second, nil))
	time.Sleep(1100 * time.Millisecond)

	// Expired: a plain read misses.
	got, _, err := s.Get(ctx, "k", cache.GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)

	// Within the grace window, stale reads are permitted.
	got, meta, err := s.Get(ctx, "k", cache.GetOptions{AllowStale: true})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, meta.Stale)
	assert.Equal(t, float64(0), meta.TTLRemaining)
	assert.Equal(t, int64(1), s.Stats().StaleServed)
}

func TestStoreMaxAge(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "k", json.RawMessage(`"v"`), time.Hour, nil))
	time.Sleep(50 * time.Millisecond)

	got, _, err := s.Get(ctx, "k", cache.GetOptions{MaxAge: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Nil(t, got, "entry older than max_age is a miss")

	got, _, err = s.Get(ctx, "k", cache.GetOptions{MaxAge: time.Minute})
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "k", json.RawMessage(`"v"`), time.Minute, []string{"t1"}))
	require.NoError(t, s.Delete(ctx, "k"))

	got, _, err := s.Get(ctx, "k", cache.GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), s.Stats().Deletes)
}

func TestStoreInvalidateByTags(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "a", json.RawMessage(`1`), time.Minute, []string{"notion:page:p1", "notion:db:d1"}))
	require.NoError(t, s.Set(ctx, "b", json.RawMessage(`2`), time.Minute, []string{"notion:page:p1"}))
	require.NoError(t, s.Set(ctx, "c", json.RawMessage(`3`), time.Minute, []string{"notion:page:p2"}))
	require.NoError(t, s.Set(ctx, "d", json.RawMessage(`4`), time.Minute, nil))

	n, err := s.InvalidateByTags(ctx, []string{"notion:page:p1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Intersecting rows gone, disjoint rows untouched.
	for key, want := range map[string]bool{"a": false, "b": false, "c": true, "d": true} {
		got, _, err := s.Get(ctx, key, cache.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, want, got != nil, "key %s", key)
	}
}

func TestStoreSetReassociatesTags(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "k", json.RawMessage(`1`), time.Minute, []string{"old:tag:1"}))
	require.NoError(t, s.Set(ctx, "k", json.RawMessage(`2`), time.Minute, []string{"new:tag:1"}))

	n, err := s.InvalidateByTags(ctx, []string{"old:tag:1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "stale tag association must not survive a re-set")

	n, err = s.InvalidateByTags(ctx, []string{"new:tag:1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWithFillLockSingleExecution(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var calls atomic.Int32
	fill := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return json.RawMessage(`"filled"`), nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]json.RawMessage, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := s.WithFillLock(ctx, "hot-key", time.Minute, nil, fill)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent fills must collapse into one execution")
	for _, r := range results {
		assert.JSONEq(t, `"filled"`, string(r))
	}
}

func TestWithFillLockServesCached(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "k", json.RawMessage(`"cached"`), time.Minute, nil))

	v, wasCached, err := s.WithFillLock(ctx, "k", time.Minute, nil, func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("fill must not run when the entry exists")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, wasCached)
	assert.JSONEq(t, `"cached"`, string(v))
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	pool := testdb.NewTestPool(t)
	s := cache.NewStore(pool, cache.Options{StaleGrace: time.Millisecond})

	require.NoError(t, s.Set(ctx, "e1", json.RawMessage(`1`), time.Second, nil))
	require.NoError(t, s.Set(ctx, "e2", json.RawMessage(`2`), time.Second, nil))
	require.NoError(t, s.Set(ctx, "live", json.RawMessage(`3`), time.Hour, nil))
	time.Sleep(1100 * time.Millisecond)

	n, err := s.CleanupExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, _, err := s.Get(ctx, "live", cache.GetOptions{})
	require.NoError(t, err)
	assert.NotNil(t, got)
}
