package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/relaydesk/agentd/pkg/agent"
	"github.com/relaydesk/agentd/pkg/config"
	"github.com/relaydesk/agentd/pkg/database"
	"github.com/relaydesk/agentd/pkg/mcp"
	"github.com/relaydesk/agentd/pkg/oauth"
	"github.com/relaydesk/agentd/pkg/services"
)

// AgentRunner runs one chat turn. Satisfied by *agent.Orchestrator.
type AgentRunner interface {
	Run(ctx context.Context, params agent.ChatParams) (*agent.ChatResult, error)
	RunStream(ctx context.Context, params agent.ChatParams) <-chan agent.StreamEvent
}

// MCPHealthReporter exposes the router's health snapshot. Satisfied by
// *mcp.Router.
type MCPHealthReporter interface {
	Health() *mcp.HealthSummary
}

// Server is the HTTP front-end. It carries no business logic; handlers bind,
// validate and delegate to services.
type Server struct {
	cfg       *config.Config
	db        *database.Client
	devices   *services.DeviceService
	threads   *services.ThreadService
	warnings  *services.SystemWarningsService
	oauth     *oauth.Manager
	mcpRouter MCPHealthReporter
	runner    AgentRunner
	limiter   *RateLimiter
	logger    *slog.Logger

	httpServer *http.Server
}

// ServerDeps bundles the constructor dependencies.
type ServerDeps struct {
	DB        *database.Client
	Devices   *services.DeviceService
	Threads   *services.ThreadService
	Warnings  *services.SystemWarningsService
	OAuth     *oauth.Manager
	MCPRouter MCPHealthReporter
	Runner    AgentRunner
	Logger    *slog.Logger
}

// NewServer assembles the echo application with the full middleware chain.
func NewServer(cfg *config.Config, deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		db:        deps.DB,
		devices:   deps.Devices,
		threads:   deps.Threads,
		warnings:  deps.Warnings,
		oauth:     deps.OAuth,
		mcpRouter: deps.MCPRouter,
		runner:    deps.Runner,
		logger:    logger.With("component", "api"),
	}

	overrides := make(map[string]RatePolicy, len(cfg.RateLimit.RouteOverrides))
	for path, policy := range cfg.RateLimit.RouteOverrides {
		overrides[path] = RatePolicy{RPM: policy.RPM, Burst: policy.Burst}
	}
	s.limiter = NewRateLimiter(
		RatePolicy{RPM: cfg.RateLimit.RPM, Burst: cfg.RateLimit.Burst},
		overrides, logger)

	return s
}

// Echo builds the routed application. Exposed separately so tests can drive
// it with httptest without binding a port.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()

	e.Use(
		errorEnvelope(s.logger),
		requestID(),
		responseTime(),
		securityHeaders(),
		cors(s.cfg.CORSOrigins),
		bodyLimit(s.cfg.HTTP.BodyLimitBytes),
		timeout(s.cfg.HTTP.RequestTimeout, "/api/v1/chat/stream"),
	)

	// Unauthenticated probes.
	e.GET("/healthz", s.healthHandler)
	e.GET("/healthz/mcp", s.mcpHealthHandler)
	e.GET("/healthz/oauth", s.oauthHealthHandler)

	// Browser-facing OAuth flow. Rate limited but not API-key protected.
	oauthGroup := e.Group("/oauth", s.limiter.Middleware())
	oauthGroup.GET("/connect/:provider", s.oauthConnectHandler)
	oauthGroup.GET("/:provider/callback", s.oauthCallbackHandler)

	api := e.Group("/api/v1", s.auth(), s.limiter.Middleware())
	api.POST("/chat", s.chatHandler)
	api.GET("/chat/stream", s.chatStreamGetHandler)
	api.POST("/devices", s.createDeviceSessionHandler)
	api.DELETE("/devices/:id", s.revokeDeviceSessionHandler)

	return e
}

// Start binds the listener and serves until Shutdown. The rate limiter's
// sweep goroutine is started alongside.
func (s *Server) Start(addr string) error {
	s.limiter.Start(context.Background())
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Echo(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops background goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
