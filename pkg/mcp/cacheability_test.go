package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCacheabilityLookup(t *testing.T) {
	table := DefaultCacheability()

	policy, ok := table.Lookup("notion.search")
	require.True(t, ok)
	assert.Equal(t, 300*time.Second, policy.TTL)
	assert.True(t, policy.UserScoped)
	assert.False(t, policy.Mutating)

	policy, ok = table.Lookup("notion.update-page")
	require.True(t, ok)
	assert.True(t, policy.Mutating)
	assert.Zero(t, policy.TTL)
	require.NotNil(t, policy.InvalidateTags)

	_, ok = table.Lookup("notion.unknown-tool")
	assert.False(t, ok)
}

func TestNotionEntityTags(t *testing.T) {
	tags := notionEntityTags(map[string]any{
		"page_id":     "p1",
		"database_id": "d1",
	})
	assert.ElementsMatch(t, []string{"notion:page:p1", "notion:database:d1"}, tags)

	tags = notionEntityTags(map[string]any{
		"pages": []any{
			map[string]any{"page_id": "a"},
			map[string]any{"page_id": "b"},
		},
	})
	assert.ElementsMatch(t, []string{"notion:page:a", "notion:page:b"}, tags)

	assert.Empty(t, notionEntityTags(map[string]any{"query": "hello"}))
}

func TestNotionParentTags(t *testing.T) {
	tags := notionParentTags(map[string]any{
		"parent": map[string]any{"page_id": "parent-1"},
	})
	assert.Contains(t, tags, "notion:page:parent-1")

	tags = notionParentTags(map[string]any{
		"parent":  map[string]any{"database_id": "db-1"},
		"page_id": "p-2",
	})
	assert.Contains(t, tags, "notion:database:db-1")
	assert.Contains(t, tags, "notion:page:p-2")
}
