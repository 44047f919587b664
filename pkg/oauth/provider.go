// Package oauth manages per-user provider connections: the authorization-code
// flow, encrypted token storage, and background token refresh.
package oauth

import (
	"golang.org/x/oauth2"
)

// ConnectionMetadata is the provider-specific identity attached to a token.
type ConnectionMetadata struct {
	BotID         string
	WorkspaceID   string
	WorkspaceName string
	Scopes        []string
}

// Provider adapts one OAuth2 authorization-code provider.
type Provider interface {
	// Name is the stable provider identifier used in URLs and storage.
	Name() string
	// Config returns the oauth2 client configuration. Token-endpoint
	// authentication uses HTTP Basic (client id/secret in the header).
	Config() *oauth2.Config
	// AuthCodeOptions returns extra authorization URL parameters.
	AuthCodeOptions() []oauth2.AuthCodeOption
	// ExtractMetadata pulls provider-specific fields from a token response.
	ExtractMetadata(token *oauth2.Token) ConnectionMetadata
}

const (
	notionAuthURL  = "https://api.notion.com/v1/oauth/authorize"
	notionTokenURL = "https://api.notion.com/v1/oauth/token" //nolint:gosec // endpoint URL, not a credential
)

// NotionProvider implements the Notion public-integration OAuth flow.
// Notion issues workspace-scoped bot tokens; the bot id is the stable
// identity of a connection.
type NotionProvider struct {
	config *oauth2.Config
}

// NewNotionProvider creates a NotionProvider.
func NewNotionProvider(clientID, clientSecret, redirectURL string) *NotionProvider {
	return &NotionProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   notionAuthURL,
				TokenURL:  notionTokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
	}
}

// Name implements Provider.
func (p *NotionProvider) Name() string { return "notion" }

// Config implements Provider.
func (p *NotionProvider) Config() *oauth2.Config { return p.config }

// AuthCodeOptions implements Provider. Notion requires owner=user for
// user-initiated installs.
func (p *NotionProvider) AuthCodeOptions() []oauth2.AuthCodeOption {
	return []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("owner", "user")}
}

// ExtractMetadata implements Provider.
func (p *NotionProvider) ExtractMetadata(token *oauth2.Token) ConnectionMetadata {
	meta := ConnectionMetadata{}
	if v, ok := token.Extra("bot_id").(string); ok {
		meta.BotID = v
	}
	if v, ok := token.Extra("workspace_id").(string); ok {
		meta.WorkspaceID = v
	}
	if v, ok := token.Extra("workspace_name").(string); ok {
		meta.WorkspaceName = v
	}
	return meta
}
