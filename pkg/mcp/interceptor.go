package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/relaydesk/agentd/pkg/cache"
	"github.com/relaydesk/agentd/pkg/canonical"
	"github.com/relaydesk/agentd/pkg/services"
)

// CacheMode controls how the interceptor consults the cache for one request.
type CacheMode string

const (
	// CacheModePrefer serves cached results when fresh.
	CacheModePrefer CacheMode = "prefer"
	// CacheModeRefresh skips cache reads but stores the fresh result.
	CacheModeRefresh CacheMode = "refresh"
	// CacheModeBypass disables the cache entirely for the call.
	CacheModeBypass CacheMode = "bypass"
)

// MaxInvalidationKeys caps how many cache keys one mutating call may
// invalidate, bounding pathological bursts.
const MaxInvalidationKeys = 10_000

// CallContext carries per-request identity through the interceptor.
type CallContext struct {
	UserID        string
	WorkspaceID   string
	CacheMode     CacheMode
	ThreadID      string
	RequestID     string
	UserMessageID string
	CallIndex     int
	ForceRetry    bool
}

// CallMeta reports how a call was served.
type CallMeta struct {
	Cached   bool
	Stale    bool
	CacheKey string
	Replayed bool
}

// InvokeFunc performs the underlying tool call.
type InvokeFunc func(ctx context.Context) (json.RawMessage, error)

// Interceptor sits in front of every tool call: cache lookup, single-flight
// fill, journaling, and write-path invalidation. Both the cache store and
// the journal may be nil, in which case the corresponding concern is skipped.
type Interceptor struct {
	store   *cache.Store
	threads *services.ThreadService
	table   CacheabilityTable
	logger  *slog.Logger
}

// NewInterceptor creates an Interceptor.
func NewInterceptor(store *cache.Store, threads *services.ThreadService, table CacheabilityTable, logger *slog.Logger) *Interceptor {
	if table == nil {
		table = DefaultCacheability()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		store:   store,
		threads: threads,
		table:   table,
		logger:  logger.With("component", "tool_interceptor"),
	}
}

// Execute runs one tool call through the full pipeline.
func (i *Interceptor) Execute(ctx context.Context, cc CallContext, qualifiedName string, args map[string]any, invoke InvokeFunc) (json.RawMessage, *CallMeta, error) {
	meta := &CallMeta{}
	policy, known := i.table.Lookup(qualifiedName)
	cacheable := known && policy.TTL > 0 && cc.CacheMode != CacheModeBypass && i.store != nil

	var key string
	var tags []string
	if cacheable {
		var err error
		key, err = i.cacheKey(cc, qualifiedName, policy, args)
		if err != nil {
			// Cache errors never fail the call
			i.logger.Warn("Cache key derivation failed, bypassing cache",
				"tool", qualifiedName, "error", err)
			cacheable = false
		} else {
			meta.CacheKey = key
			if policy.Tags != nil {
				tags = policy.Tags(args)
			}
		}
	}

	// Cache read path
	if cacheable && cc.CacheMode != CacheModeRefresh {
		value, cacheMeta, err := i.store.Get(ctx, key, cache.GetOptions{})
		if err != nil {
			i.logger.Warn("Cache read failed, bypassing cache", "key", key, "error", err)
		} else if value != nil {
			meta.Cached = true
			meta.Stale = cacheMeta.Stale
			i.journalCacheHit(ctx, cc, qualifiedName, args, value)
			return value, meta, nil
		}
	}

	var value json.RawMessage
	var err error
	if cacheable {
		var wasCached bool
		value, wasCached, err = i.store.WithFillLock(ctx, key, policy.TTL, tags, func(ctx context.Context) (json.RawMessage, error) {
			return i.journalAndInvoke(ctx, cc, qualifiedName, args, invoke, meta)
		})
		meta.Cached = meta.Cached || wasCached
	} else {
		value, err = i.journalAndInvoke(ctx, cc, qualifiedName, args, invoke, meta)
	}
	if err != nil {
		return nil, meta, err
	}

	// Write-path invalidation, bounded
	if known && policy.Mutating && i.store != nil && policy.InvalidateTags != nil {
		if invTags := policy.InvalidateTags(args); len(invTags) > 0 {
			n, invErr := i.store.InvalidateByTags(ctx, invTags, MaxInvalidationKeys)
			if invErr != nil {
				i.logger.Warn("Tag invalidation failed", "tool", qualifiedName, "error", invErr)
			} else if n > 0 {
				i.logger.Debug("Invalidated cache entries after mutation",
					"tool", qualifiedName, "count", n)
			}
		}
	}

	return value, meta, nil
}

// cacheKey derives the deterministic cache key for a call.
func (i *Interceptor) cacheKey(cc CallContext, qualifiedName string, policy CachePolicy, args map[string]any) (string, error) {
	scope := cache.GlobalScope
	if policy.UserScoped {
		if cc.UserID == "" {
			return "", fmt.Errorf("user-scoped tool %q called without user", qualifiedName)
		}
		scope = cache.Scope{UserID: cc.UserID, WorkspaceID: cc.WorkspaceID}
	}
	return cache.BuildKey(cache.KeySpec{
		Namespace: "mcp",
		Tool:      qualifiedName,
		Version:   "v1",
		Scope:     scope,
	}, args)
}

// journalAndInvoke journals the call and executes it. Journal rows record
// result digests rather than full results; replays with a completed row are
// re-executed against the (usually cached) backend, which keeps the journal
// append-only and cheap.
func (i *Interceptor) journalAndInvoke(ctx context.Context, cc CallContext, qualifiedName string, args map[string]any, invoke InvokeFunc, meta *CallMeta) (json.RawMessage, error) {
	if i.threads == nil || cc.ThreadID == "" {
		return invoke(ctx)
	}

	argsJSON, err := canonical.Marshal(args)
	if err != nil {
		argsJSON = []byte(`{}`)
	}
	rec, created, err := i.threads.LogToolCall(ctx, services.LogToolCallParams{
		RequestID:      cc.RequestID,
		ThreadID:       cc.ThreadID,
		MessageID:      cc.UserMessageID,
		CallIndex:      cc.CallIndex,
		IdempotencyKey: idempotencyKey(cc, qualifiedName, argsJSON),
		ToolName:       qualifiedName,
		Arguments:      argsJSON,
	})
	if err != nil {
		// Journal failures must not block the tool call
		i.logger.Error("Tool call journaling failed", "tool", qualifiedName, "error", err)
		return invoke(ctx)
	}
	if !created {
		meta.Replayed = true
		if rec.Status == services.ToolCallStatusSuccess && !cc.ForceRetry {
			i.logger.Debug("Replaying journaled tool call",
				"tool", qualifiedName, "idempotency_key", rec.IdempotencyKey,
				"result_digest", rec.ResultDigest)
		}
	}

	value, err := invoke(ctx)
	if err != nil {
		if jErr := i.threads.UpdateToolCallStatus(ctx, rec.ID, services.ToolCallStatusFailed, "", err.Error()); jErr != nil {
			i.logger.Error("Failed to finalize journal entry", "id", rec.ID, "error", jErr)
		}
		return nil, err
	}

	digest := resultDigest(value)
	if jErr := i.threads.UpdateToolCallStatus(ctx, rec.ID, services.ToolCallStatusSuccess, digest, ""); jErr != nil {
		i.logger.Error("Failed to finalize journal entry", "id", rec.ID, "error", jErr)
	}
	return value, nil
}

// journalCacheHit records a cache-served call as a successful journal entry.
func (i *Interceptor) journalCacheHit(ctx context.Context, cc CallContext, qualifiedName string, args map[string]any, value json.RawMessage) {
	if i.threads == nil || cc.ThreadID == "" {
		return
	}
	argsJSON, err := canonical.Marshal(args)
	if err != nil {
		argsJSON = []byte(`{}`)
	}
	rec, created, err := i.threads.LogToolCall(ctx, services.LogToolCallParams{
		RequestID:      cc.RequestID,
		ThreadID:       cc.ThreadID,
		MessageID:      cc.UserMessageID,
		CallIndex:      cc.CallIndex,
		IdempotencyKey: idempotencyKey(cc, qualifiedName, argsJSON),
		ToolName:       qualifiedName,
		Arguments:      argsJSON,
	})
	if err != nil {
		i.logger.Error("Tool call journaling failed", "tool", qualifiedName, "error", err)
		return
	}
	if created || rec.Status == services.ToolCallStatusPending {
		if jErr := i.threads.UpdateToolCallStatus(ctx, rec.ID, services.ToolCallStatusSuccess, resultDigest(value), ""); jErr != nil {
			i.logger.Error("Failed to finalize journal entry", "id", rec.ID, "error", jErr)
		}
	}
}

// idempotencyKey identifies one logical call within one user turn.
func idempotencyKey(cc CallContext, qualifiedName string, canonicalArgs []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d",
		cc.RequestID, cc.ThreadID, cc.UserMessageID, qualifiedName, canonicalArgs, cc.CallIndex)
	return hex.EncodeToString(h.Sum(nil))
}

func resultDigest(value json.RawMessage) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}
