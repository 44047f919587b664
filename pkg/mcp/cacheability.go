package mcp

import (
	"time"

	"github.com/relaydesk/agentd/pkg/cache"
)

// CachePolicy declares how results of one tool may be cached, and which
// cache tags a mutating tool invalidates.
type CachePolicy struct {
	// TTL is the freshness window for cached results. Zero means the tool is
	// journaled but never cached.
	TTL time.Duration
	// UserScoped keys results per (user, workspace) instead of globally.
	UserScoped bool
	// Mutating marks write tools; a successful call invalidates Tags(args).
	Mutating bool
	// Tags projects arguments onto stable entity tags for read results.
	Tags func(args map[string]any) []string
	// InvalidateTags projects arguments onto the tags a write invalidates.
	InvalidateTags func(args map[string]any) []string
}

// CacheabilityTable maps qualified tool names ("server.tool") to policies.
// Tools absent from the table bypass the cache entirely.
type CacheabilityTable map[string]CachePolicy

// DefaultCacheability returns the static policy table. Read tools get short
// TTLs; write tools are never cached and invalidate the entities they touch.
// Clock- and identity-style tools are deliberately absent.
func DefaultCacheability() CacheabilityTable {
	return CacheabilityTable{
		"notion.search": {
			TTL:        300 * time.Second,
			UserScoped: true,
		},
		"notion.fetch": {
			TTL:        300 * time.Second,
			UserScoped: true,
			Tags:       notionEntityTags,
		},
		"notion.get-self": {
			TTL:        15 * time.Minute,
			UserScoped: true,
		},
		"notion.create-pages": {
			Mutating:       true,
			InvalidateTags: notionParentTags,
		},
		"notion.update-page": {
			Mutating:       true,
			InvalidateTags: notionEntityTags,
		},
		"notion.move-pages": {
			Mutating:       true,
			InvalidateTags: notionEntityTags,
		},
		"notion.create-comment": {
			Mutating:       true,
			InvalidateTags: notionEntityTags,
		},
	}
}

// Lookup returns the policy for a qualified tool name.
func (t CacheabilityTable) Lookup(qualifiedName string) (CachePolicy, bool) {
	policy, ok := t[qualifiedName]
	return policy, ok
}

// notionEntityTags extracts page/database identifiers from common Notion
// tool argument shapes.
func notionEntityTags(args map[string]any) []string {
	var tags []string
	for _, key := range []string{"page_id", "pageId", "id", "url"} {
		if v, ok := args[key].(string); ok && v != "" {
			tags = append(tags, cache.FormatTag("notion", "page", v))
		}
	}
	for _, key := range []string{"database_id", "databaseId", "data_source_id"} {
		if v, ok := args[key].(string); ok && v != "" {
			tags = append(tags, cache.FormatTag("notion", "database", v))
		}
	}
	if pages, ok := args["pages"].([]any); ok {
		for _, p := range pages {
			if m, ok := p.(map[string]any); ok {
				if v, ok := m["page_id"].(string); ok && v != "" {
					tags = append(tags, cache.FormatTag("notion", "page", v))
				}
			}
		}
	}
	return tags
}

// notionParentTags tags the parent container a create targets, so listings
// of that container are invalidated.
func notionParentTags(args map[string]any) []string {
	var tags []string
	if parent, ok := args["parent"].(map[string]any); ok {
		if v, ok := parent["page_id"].(string); ok && v != "" {
			tags = append(tags, cache.FormatTag("notion", "page", v))
		}
		if v, ok := parent["database_id"].(string); ok && v != "" {
			tags = append(tags, cache.FormatTag("notion", "database", v))
		}
	}
	return append(tags, notionEntityTags(args)...)
}
