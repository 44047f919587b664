package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaydesk/agentd/pkg/oauth"
)

func TestVersionTag(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conn := &oauth.Connection{KeyGeneration: 1, AccessTokenExpiresAt: &expiry}

	tag1 := versionTag(conn, "secret-access-token")
	tag2 := versionTag(conn, "secret-access-token")
	assert.Equal(t, tag1, tag2)
	assert.Len(t, tag1, 64)

	// A rotated token changes the tag
	assert.NotEqual(t, tag1, versionTag(conn, "another-access-token"))

	// A key generation bump changes the tag
	bumped := &oauth.Connection{KeyGeneration: 2, AccessTokenExpiresAt: &expiry}
	assert.NotEqual(t, tag1, versionTag(bumped, "secret-access-token"))

	// A new expiry changes the tag
	later := expiry.Add(time.Hour)
	moved := &oauth.Connection{KeyGeneration: 1, AccessTokenExpiresAt: &later}
	assert.NotEqual(t, tag1, versionTag(moved, "secret-access-token"))

	// Non-expiring connections still get a stable tag
	noExpiry := &oauth.Connection{KeyGeneration: 1}
	assert.Equal(t, versionTag(noExpiry, "tok"), versionTag(noExpiry, "tok"))

	// Short tokens are used whole
	assert.Len(t, versionTag(conn, "abc"), 64)
}
