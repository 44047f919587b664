package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/relaydesk/agentd/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz. Only the database is checked; external
// dependencies have their own sub-endpoints so an orchestrator restart is
// never triggered by a third-party outage.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := &HealthResponse{
		Status:  healthStatusHealthy,
		Version: version.GitCommit,
	}
	httpStatus := http.StatusOK

	if s.db != nil {
		info, err := s.db.Health(ctx)
		resp.Database = &info
		if err != nil {
			resp.Status = healthStatusUnhealthy
			httpStatus = http.StatusServiceUnavailable
		}
	}
	if s.warnings != nil {
		resp.Warnings = s.warnings.GetWarnings()
	}
	return c.JSON(httpStatus, resp)
}

// mcpHealthHandler handles GET /healthz/mcp.
func (s *Server) mcpHealthHandler(c *echo.Context) error {
	if s.mcpRouter == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "MCP router not available")
	}
	return c.JSON(http.StatusOK, &MCPHealthResponse{HealthSummary: s.mcpRouter.Health()})
}

// oauthHealthHandler handles GET /healthz/oauth.
func (s *Server) oauthHealthHandler(c *echo.Context) error {
	if s.oauth == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "OAuth manager not available")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	summary, err := s.oauth.Health(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &OAuthHealthResponse{HealthSummary: summary})
}
