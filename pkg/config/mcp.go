package config

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Transport types supported for MCP servers.
const (
	TransportTypeHTTP = "http"
	TransportTypeSSE  = "sse"
)

// TransportConfig describes how to reach one MCP server.
type TransportConfig struct {
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
	// BearerToken authenticates global servers. Per-user servers get their
	// token from the OAuth connection instead.
	BearerToken string `yaml:"bearer_token,omitempty"`
	// Timeout is the HTTP client timeout in seconds (0 = no client timeout;
	// per-call contexts still apply).
	Timeout   int   `yaml:"timeout,omitempty"`
	VerifySSL *bool `yaml:"verify_ssl,omitempty"`
}

// MCPServerConfig defines one global MCP server.
type MCPServerConfig struct {
	Transport TransportConfig `yaml:"transport"`
	// UserScoped marks tools on this server as user-scoped for cache key
	// scoping (user:workspace instead of global).
	UserScoped bool `yaml:"user_scoped,omitempty"`
}

// mcpServersYAML is the on-disk file structure.
type mcpServersYAML struct {
	MCPServers map[string]*MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerRegistry stores MCP server configurations with thread-safe access.
type MCPServerRegistry struct {
	servers map[string]*MCPServerConfig
	mu      sync.RWMutex
}

// NewMCPServerRegistry creates a registry from a pre-built map (tests).
func NewMCPServerRegistry(servers map[string]*MCPServerConfig) *MCPServerRegistry {
	if servers == nil {
		servers = make(map[string]*MCPServerConfig)
	}
	return &MCPServerRegistry{servers: servers}
}

// LoadMCPServers reads the YAML file at path, expands {{.ENV_VAR}} template
// references, and validates each server entry. A missing file yields an
// empty registry so the service can run with no global tool servers.
func LoadMCPServers(path string) (*MCPServerRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewMCPServerRegistry(nil), nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	data = ExpandEnv(data)

	var parsed mcpServersYAML
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for id, srv := range parsed.MCPServers {
		if srv == nil {
			return nil, fmt.Errorf("mcp server %q: empty configuration", id)
		}
		switch srv.Transport.Type {
		case TransportTypeHTTP, TransportTypeSSE:
		default:
			return nil, fmt.Errorf("mcp server %q: unsupported transport type %q", id, srv.Transport.Type)
		}
		if srv.Transport.URL == "" {
			return nil, fmt.Errorf("mcp server %q: transport url is required", id)
		}
	}

	return NewMCPServerRegistry(parsed.MCPServers), nil
}

// Get retrieves an MCP server configuration by ID (thread-safe).
func (r *MCPServerRegistry) Get(serverID string) (*MCPServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, exists := r.servers[serverID]
	if !exists {
		return nil, fmt.Errorf("mcp server not found: %s", serverID)
	}
	return server, nil
}

// Has checks if an MCP server exists in the registry (thread-safe).
func (r *MCPServerRegistry) Has(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.servers[serverID]
	return exists
}

// ServerIDs returns a sorted list of all configured server IDs.
func (r *MCPServerRegistry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of configured servers.
func (r *MCPServerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}
