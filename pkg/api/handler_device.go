package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// createDeviceSessionHandler handles POST /api/v1/devices. API-key only; the
// raw token in the response is shown exactly once.
func (s *Server) createDeviceSessionHandler(c *echo.Context) error {
	var req CreateDeviceSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}

	session, token, err := s.devices.Create(c.Request().Context(), req.UserID, req.WorkspaceID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, &DeviceSessionResponse{
		SessionID:   session.ID,
		Token:       token,
		UserID:      session.UserID,
		WorkspaceID: session.WorkspaceID,
		ExpiresAt:   session.ExpiresAt,
	})
}

// revokeDeviceSessionHandler handles DELETE /api/v1/devices/:id.
func (s *Server) revokeDeviceSessionHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if err := s.devices.Revoke(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
