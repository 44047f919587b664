package cache

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/relaydesk/agentd/pkg/canonical"
)

// Scope identifies whose data a cache entry belongs to. The zero value is
// the global scope. Session and device identifiers must never appear here:
// two sessions of the same user share the same cached reads.
type Scope struct {
	UserID      string
	WorkspaceID string
}

// GlobalScope is the scope for tools whose results are user-independent.
var GlobalScope = Scope{}

// String renders the scope segment of a cache key.
func (s Scope) String() string {
	if s.UserID == "" {
		return "global"
	}
	return s.UserID + ":" + s.WorkspaceID
}

// IsGlobal reports whether the scope is the global scope.
func (s Scope) IsGlobal() bool {
	return s.UserID == ""
}

// KeySpec carries the non-argument components of a cache key.
type KeySpec struct {
	// Namespace separates key families (always "mcp" for tool results).
	Namespace string
	// Tool is the prefixed tool name ("server.tool").
	Tool string
	// Version is bumped when a tool's result shape changes, so stale
	// entries from the previous shape never surface.
	Version string
	// SchemaFP optionally pins the tool's input schema fingerprint.
	SchemaFP string
	Scope    Scope
}

// BuildKey derives the deterministic cache key for a tool call:
// "{namespace}:{tool}:{version}:{schema_fp?}:{scope}:{args_hash}".
// Arguments are canonicalised (sorted keys, trimmed strings, rounded
// floats) before hashing, so equivalent argument trees share one key.
func BuildKey(spec KeySpec, args map[string]any) (string, error) {
	if spec.Namespace == "" || spec.Tool == "" {
		return "", fmt.Errorf("cache: key spec requires namespace and tool")
	}
	version := spec.Version
	if version == "" {
		version = "v1"
	}
	argsHash, err := canonical.Hash(args)
	if err != nil {
		return "", fmt.Errorf("cache: hash args for %s: %w", spec.Tool, err)
	}

	parts := []string{spec.Namespace, spec.Tool, version}
	if spec.SchemaFP != "" {
		parts = append(parts, spec.SchemaFP)
	}
	parts = append(parts, spec.Scope.String(), argsHash)
	return strings.Join(parts, ":"), nil
}

// HashKey64 maps a cache key onto the 64-bit space used for PostgreSQL
// advisory locks (FNV-1a).
func HashKey64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// FormatTag builds a provider entity tag, e.g. "notion:page:<id>".
func FormatTag(provider, entity, id string) string {
	return provider + ":" + entity + ":" + id
}
