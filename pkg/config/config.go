// Package config loads and validates agentd configuration.
//
// Runtime settings come from environment variables (optionally seeded from a
// .env file by the caller); the MCP server registry comes from a YAML file
// with env expansion. Load validates everything up front so components can
// assume a well-formed Config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the umbrella configuration object constructed once at startup
// and threaded through component constructors.
type Config struct {
	Env      string
	HTTPPort string

	// APIKey protects the chat endpoints. Must be at least 32 characters
	// in production.
	APIKey string

	AnthropicAPIKey string
	AnthropicModel  string

	CORSOrigins []string
	DatabaseURL string

	// FernetKey is the primary encryption key; FernetKeys are retired keys
	// still accepted for decryption.
	FernetKey  string
	FernetKeys []string

	Notion    NotionConfig
	Slack     SlackConfig
	OAuth     OAuthConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Agent     AgentConfig
	HTTP      HTTPConfig
	Features  Features

	// MCPConfigPath points at the YAML file describing global MCP servers.
	MCPConfigPath string

	MCPServerRegistry *MCPServerRegistry
}

// NotionConfig holds the Notion OAuth application settings.
type NotionConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// SlackConfig holds the ops-channel notification settings. Both fields
// empty disables Slack notifications.
type SlackConfig struct {
	BotToken  string
	ChannelID string
}

// OAuthConfig holds token refresh tunables.
type OAuthConfig struct {
	// RefreshWindow: refresh access tokens expiring within this window.
	RefreshWindow time.Duration
	// ClockSkew widens the refresh window to tolerate clock drift between
	// us and the provider.
	ClockSkew time.Duration
	// Jitter randomises the scheduler sweep interval.
	Jitter time.Duration
	// MaxRetries bounds backoff retries for one refresh attempt.
	MaxRetries int
	// MaxFailureCount: consecutive failures after which needs_reauth is set.
	MaxFailureCount int
	// BackgroundRefreshEnabled turns the refresh scheduler on or off.
	BackgroundRefreshEnabled bool
	// SweepInterval is the base period of the scheduler loop.
	SweepInterval time.Duration
	// SweepBatchSize caps connections processed per sweep.
	SweepBatchSize int
	// SweepConcurrency caps concurrent refreshes within one sweep.
	SweepConcurrency int
	// StateTTL bounds the lifetime of a CSRF state row.
	StateTTL time.Duration
}

// CacheConfig holds tool-result cache settings.
type CacheConfig struct {
	// DefaultTTL applies when the cacheability table gives no TTL.
	DefaultTTL time.Duration
	// MaxValueBytes is the per-entry size cap.
	MaxValueBytes int
	// StaleGrace is the stale-if-error window after expiry.
	StaleGrace time.Duration
}

// RoutePolicy overrides the default rate limit for one route prefix.
type RoutePolicy struct {
	RPM   float64 `json:"rpm"`
	Burst int     `json:"burst"`
}

// RateLimitConfig holds leaky-bucket defaults and per-route overrides.
type RateLimitConfig struct {
	RPM            float64
	Burst          int
	RouteOverrides map[string]RoutePolicy
}

// AgentConfig bounds a single agent run.
type AgentConfig struct {
	MaxToolCalls int
	Timeout      time.Duration
}

// HTTPConfig holds front-end limits.
type HTTPConfig struct {
	// BodyLimitBytes caps actual bytes read from a request body.
	BodyLimitBytes int64
	// RequestTimeout bounds non-streaming requests.
	RequestTimeout time.Duration
	// SSEKeepalive is the interval between keepalive comment lines.
	SSEKeepalive time.Duration
}

// Features holds feature flags.
type Features struct {
	// NotionTools gates the per-user Notion tool client in the toolset.
	NotionTools bool
}

// Load reads configuration from the environment and the MCP YAML file.
func Load() (*Config, error) {
	cfg := &Config{
		Env:             getEnv("APP_ENV", EnvDevelopment),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		APIKey:          os.Getenv("API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		CORSOrigins:     splitList(os.Getenv("CORS_ORIGINS")),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		FernetKey:       os.Getenv("FERNET_KEY"),
		FernetKeys:      splitList(os.Getenv("FERNET_KEYS")),
		Notion: NotionConfig{
			ClientID:     os.Getenv("NOTION_CLIENT_ID"),
			ClientSecret: os.Getenv("NOTION_CLIENT_SECRET"),
			RedirectURI:  os.Getenv("NOTION_REDIRECT_URI"),
		},
		Slack: SlackConfig{
			BotToken:  os.Getenv("SLACK_BOT_TOKEN"),
			ChannelID: os.Getenv("SLACK_CHANNEL_ID"),
		},
		OAuth: OAuthConfig{
			RefreshWindow:            time.Duration(getEnvInt("OAUTH_REFRESH_WINDOW_MINUTES", 5)) * time.Minute,
			ClockSkew:                time.Duration(getEnvInt("OAUTH_CLOCK_SKEW_SECONDS", 30)) * time.Second,
			Jitter:                   time.Duration(getEnvInt("OAUTH_REFRESH_JITTER_SECONDS", 30)) * time.Second,
			MaxRetries:               getEnvInt("OAUTH_REFRESH_MAX_RETRIES", 3),
			MaxFailureCount:          getEnvInt("OAUTH_MAX_FAILURE_COUNT", 5),
			BackgroundRefreshEnabled: getEnvBool("OAUTH_BACKGROUND_REFRESH_ENABLED", true),
			SweepInterval:            time.Duration(getEnvInt("OAUTH_SWEEP_INTERVAL_SECONDS", 120)) * time.Second,
			SweepBatchSize:           getEnvInt("OAUTH_SWEEP_BATCH_SIZE", 50),
			SweepConcurrency:         getEnvInt("OAUTH_SWEEP_CONCURRENCY", 4),
			StateTTL:                 time.Duration(getEnvInt("OAUTH_STATE_TTL_MINUTES", 10)) * time.Minute,
		},
		Cache: CacheConfig{
			DefaultTTL:    time.Duration(getEnvInt("CACHE_DEFAULT_TTL_SECONDS", 300)) * time.Second,
			MaxValueBytes: getEnvInt("CACHE_MAX_VALUE_BYTES", 250*1024),
			StaleGrace:    time.Duration(getEnvInt("CACHE_STALE_GRACE_SECONDS", 30)) * time.Second,
		},
		RateLimit: RateLimitConfig{
			RPM:   getEnvFloat("RATE_LIMIT_RPM", 60),
			Burst: getEnvInt("RATE_LIMIT_BURST", 10),
		},
		Agent: AgentConfig{
			MaxToolCalls: getEnvInt("AGENT_MAX_TOOL_CALLS", 10),
			Timeout:      time.Duration(getEnvInt("AGENT_TIMEOUT_SECONDS", 120)) * time.Second,
		},
		HTTP: HTTPConfig{
			BodyLimitBytes: int64(getEnvInt("HTTP_BODY_LIMIT_BYTES", 5*1024*1024)),
			RequestTimeout: time.Duration(getEnvInt("HTTP_REQUEST_TIMEOUT_SECONDS", 60)) * time.Second,
			SSEKeepalive:   time.Duration(getEnvInt("SSE_KEEPALIVE_SECONDS", 15)) * time.Second,
		},
		Features: Features{
			NotionTools: getEnvBool("FEATURE_NOTION_TOOLS", true),
		},
		MCPConfigPath: getEnv("MCP_CONFIG_PATH", "./deploy/config/mcp-servers.yaml"),
	}

	if overrides := os.Getenv("RATE_LIMIT_ROUTE_OVERRIDES"); overrides != "" {
		if err := json.Unmarshal([]byte(overrides), &cfg.RateLimit.RouteOverrides); err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_ROUTE_OVERRIDES: %w", err)
		}
	}

	registry, err := LoadMCPServers(cfg.MCPConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load MCP server config: %w", err)
	}
	cfg.MCPServerRegistry = registry

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces cross-field invariants. Called by Load; exported so
// tests can construct Configs directly.
func (c *Config) Validate() error {
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		return fmt.Errorf("APP_ENV must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Env)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.FernetKey == "" {
		return fmt.Errorf("FERNET_KEY is required")
	}
	if c.Env == EnvProduction {
		if len(c.APIKey) < 32 {
			return fmt.Errorf("API_KEY must be at least 32 characters in production")
		}
		for _, origin := range c.CORSOrigins {
			if origin == "*" {
				return fmt.Errorf("wildcard CORS origin is not allowed in production")
			}
		}
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required in production")
		}
	}
	if c.Cache.MaxValueBytes > 250*1024 {
		return fmt.Errorf("CACHE_MAX_VALUE_BYTES must not exceed %d", 250*1024)
	}
	if c.RateLimit.RPM <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit rpm and burst must be positive")
	}
	return nil
}

// IsProduction reports whether the app runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
