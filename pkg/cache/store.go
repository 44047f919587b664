// Package cache implements the tool-result cache: a keyed value store in
// PostgreSQL with per-entry TTL, a tag index for entity invalidation, a size
// cap, stale-if-error reads, and a single-flight fill lock.
//
// Failure semantics: the interceptor treats every cache error as a bypass:
// callers log and continue to the upstream tool, they never fail a request
// because the cache is unhappy.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

// ErrTooLarge is returned by Set when the value exceeds the size cap.
var ErrTooLarge = errors.New("cache: value exceeds size cap")

// Store is the PostgreSQL-backed cache.
type Store struct {
	pool *pgxpool.Pool

	maxValueBytes int
	staleGrace    time.Duration

	group  singleflight.Group
	logger *slog.Logger

	hits         atomic.Int64
	misses       atomic.Int64
	staleServed  atomic.Int64
	sets         atomic.Int64
	deletes      atomic.Int64
	sizeRejected atomic.Int64
}

// Options configures a Store.
type Options struct {
	// MaxValueBytes is the per-entry size cap (default 250 KiB).
	MaxValueBytes int
	// StaleGrace is the stale-if-error window after expiry (default 30s).
	StaleGrace time.Duration
}

// NewStore creates a cache store on the given pool.
func NewStore(pool *pgxpool.Pool, opts Options) *Store {
	if opts.MaxValueBytes <= 0 {
		opts.MaxValueBytes = 250 * 1024
	}
	if opts.StaleGrace <= 0 {
		opts.StaleGrace = 30 * time.Second
	}
	return &Store{
		pool:          pool,
		maxValueBytes: opts.MaxValueBytes,
		staleGrace:    opts.StaleGrace,
		logger:        slog.Default(),
	}
}

// Meta describes a cache read result.
type Meta struct {
	AgeSeconds   float64 `json:"age_s"`
	TTLRemaining float64 `json:"ttl_remaining_s"`
	Stale        bool    `json:"stale,omitempty"`
	HitCount     int64   `json:"-"`
}

// GetOptions tunes a single Get.
type GetOptions struct {
	// MaxAge, when positive, treats entries older than this as misses even
	// if their TTL has not elapsed.
	MaxAge time.Duration
	// AllowStale permits serving a recently-expired entry (stale-if-error).
	AllowStale bool
}

// Get returns the cached value for key, or (nil, nil, nil) on a miss.
// A fresh hit atomically increments the entry's hit counter. An expired
// entry within the stale grace window is returned with Meta.Stale set when
// opts.AllowStale is true; stale reads do not touch the hit counter.
func (s *Store) Get(ctx context.Context, key string, opts GetOptions) (json.RawMessage, *Meta, error) {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		// Effectively unbounded; TTL alone decides freshness.
		maxAge = 100 * 365 * 24 * time.Hour
	}

	var (
		value     json.RawMessage
		createdAt time.Time
		expiresAt time.Time
		hitCount  int64
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE agent_cache
		SET hit_count = hit_count + 1, last_accessed_at = now()
		WHERE key = $1
		  AND expires_at > now()
		  AND created_at > now() - make_interval(secs => $2)
		RETURNING value, created_at, expires_at, hit_count`,
		key, maxAge.Seconds(),
	).Scan(&value, &createdAt, &expiresAt, &hitCount)
	if err == nil {
		s.hits.Add(1)
		now := time.Now()
		return value, &Meta{
			AgeSeconds:   now.Sub(createdAt).Seconds(),
			TTLRemaining: expiresAt.Sub(now).Seconds(),
			HitCount:     hitCount,
		}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("cache get %q: %w", key, err)
	}

	if opts.AllowStale {
		err = s.pool.QueryRow(ctx, `
			SELECT value, created_at, expires_at
			FROM agent_cache
			WHERE key = $1
			  AND expires_at <= now()
			  AND expires_at > now() - make_interval(secs => $2)`,
			key, s.staleGrace.Seconds(),
		).Scan(&value, &createdAt, &expiresAt)
		if err == nil {
			s.staleServed.Add(1)
			now := time.Now()
			return value, &Meta{
				AgeSeconds:   now.Sub(createdAt).Seconds(),
				TTLRemaining: 0,
				Stale:        true,
			}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("cache stale get %q: %w", key, err)
		}
	}

	s.misses.Add(1)
	return nil, nil, nil
}

// Set stores value under key with the given TTL and tag set, replacing any
// previous entry and its tags atomically. Values above the size cap are
// rejected with ErrTooLarge.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration, tags []string) error {
	if len(value) > s.maxValueBytes {
		s.sizeRejected.Add(1)
		return fmt.Errorf("%w: %d bytes (cap %d)", ErrTooLarge, len(value), s.maxValueBytes)
	}
	if ttl <= 0 {
		return fmt.Errorf("cache set %q: ttl must be positive", key)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cache set %q: begin: %w", key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := setInTx(ctx, tx, key, value, ttl, tags); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cache set %q: commit: %w", key, err)
	}
	s.sets.Add(1)
	return nil
}

// setInTx performs the upsert and tag re-association inside tx.
func setInTx(ctx context.Context, tx pgx.Tx, key string, value json.RawMessage, ttl time.Duration, tags []string) error {
	sum := sha256.Sum256(value)
	_, err := tx.Exec(ctx, `
		INSERT INTO agent_cache (key, value, size_bytes, content_hash, created_at, expires_at, hit_count, last_accessed_at)
		VALUES ($1, $2, $3, $4, now(), now() + make_interval(secs => $5), 0, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			size_bytes = EXCLUDED.size_bytes,
			content_hash = EXCLUDED.content_hash,
			created_at = now(),
			expires_at = EXCLUDED.expires_at,
			hit_count = 0,
			last_accessed_at = now()`,
		key, value, len(value), hex.EncodeToString(sum[:]), ttl.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("cache set %q: upsert: %w", key, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM agent_cache_tags WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cache set %q: clear tags: %w", key, err)
	}
	for _, tag := range tags {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agent_cache_tags (key, tag) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, key, tag); err != nil {
			return fmt.Errorf("cache set %q: tag %q: %w", key, tag, err)
		}
	}
	return nil
}

// Delete removes a single entry (tags cascade).
func (s *Store) Delete(ctx context.Context, key string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM agent_cache WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	s.deletes.Add(ct.RowsAffected())
	return nil
}

// InvalidateByTags removes every entry whose tag set intersects tags.
// The deletion is bounded by maxKeys to keep pathological invalidation
// bursts from stalling the writer; the count of removed entries is
// returned.
func (s *Store) InvalidateByTags(ctx context.Context, tags []string, maxKeys int) (int64, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	if maxKeys <= 0 {
		maxKeys = 10_000
	}
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM agent_cache
		WHERE key IN (
			SELECT DISTINCT key FROM agent_cache_tags
			WHERE tag = ANY($1)
			LIMIT $2
		)`, tags, maxKeys)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate by tags: %w", err)
	}
	n := ct.RowsAffected()
	s.deletes.Add(n)
	return n, nil
}

// FillFunc computes a value on a cache miss.
type FillFunc func(ctx context.Context) (json.RawMessage, error)

// WithFillLock deduplicates concurrent fills for one key.
//
// In-process callers collapse onto one execution via singleflight. Across
// processes, a PostgreSQL advisory lock (keyed by a 64-bit hash of the
// cache key) serialises the recheck-and-write transaction only; the lock
// is never held across the upstream call, per the locking discipline.
// Returns the value and whether it came from cache rather than fn.
func (s *Store) WithFillLock(ctx context.Context, key string, ttl time.Duration, tags []string, fn FillFunc) (json.RawMessage, bool, error) {
	type fillResult struct {
		value  json.RawMessage
		cached bool
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		// Re-check under the flight: a previous flight may have filled it.
		if value, _, err := s.Get(ctx, key, GetOptions{}); err == nil && value != nil {
			return fillResult{value, true}, nil
		}

		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		cached, err := s.storeUnderAdvisoryLock(ctx, key, value, ttl, tags)
		if err != nil {
			// Value was computed; a failed write must not fail the caller.
			s.logger.Warn("cache fill write failed, returning uncached value",
				"key", key, "error", err)
			return fillResult{value, false}, nil
		}
		if cached != nil {
			// Another process won the race; serve its value.
			return fillResult{cached, true}, nil
		}
		return fillResult{value, false}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(fillResult)
	return res.value, res.cached, nil
}

// storeUnderAdvisoryLock writes value in a short transaction guarded by a
// pg advisory lock. If another process already wrote a fresh entry, that
// entry is returned instead and nothing is written.
func (s *Store) storeUnderAdvisoryLock(ctx context.Context, key string, value json.RawMessage, ttl time.Duration, tags []string) (json.RawMessage, error) {
	if len(value) > s.maxValueBytes {
		s.sizeRejected.Add(1)
		return nil, fmt.Errorf("%w: %d bytes (cap %d)", ErrTooLarge, len(value), s.maxValueBytes)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache fill %q: begin: %w", key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, HashKey64(key)); err != nil {
		return nil, fmt.Errorf("cache fill %q: advisory lock: %w", key, err)
	}

	var existing json.RawMessage
	err = tx.QueryRow(ctx, `
		SELECT value FROM agent_cache
		WHERE key = $1 AND expires_at > now()`, key).Scan(&existing)
	if err == nil {
		return existing, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cache fill %q: recheck: %w", key, err)
	}

	if err := setInTx(ctx, tx, key, value, ttl, tags); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cache fill %q: commit: %w", key, err)
	}
	s.sets.Add(1)
	return nil, nil
}

// CleanupExpired deletes up to batch rows past their stale grace window
// and returns the number removed.
func (s *Store) CleanupExpired(ctx context.Context, batch int) (int64, error) {
	if batch <= 0 {
		batch = 500
	}
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM agent_cache
		WHERE key IN (
			SELECT key FROM agent_cache
			WHERE expires_at < now() - make_interval(secs => $1)
			LIMIT $2
		)`, s.staleGrace.Seconds(), batch)
	if err != nil {
		return 0, fmt.Errorf("cache cleanup: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	StaleServed  int64 `json:"stale_served"`
	Sets         int64 `json:"sets"`
	Deletes      int64 `json:"deletes"`
	SizeRejected int64 `json:"size_rejected"`
}

// Stats returns current counter values.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		StaleServed:  s.staleServed.Load(),
		Sets:         s.sets.Load(),
		Deletes:      s.deletes.Load(),
		SizeRejected: s.sizeRejected.Load(),
	}
}
