package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/agentd/pkg/agent"
	"github.com/relaydesk/agentd/pkg/oauth"
	"github.com/relaydesk/agentd/pkg/services"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", services.NewValidationError("field", "required"), http.StatusBadRequest, CodeValidation},
		{"not found", services.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"gone", services.ErrGone, http.StatusGone, CodeGone},
		{"forbidden", services.ErrForbidden, http.StatusForbidden, CodeForbidden},
		{"budget", services.ErrBudgetExceeded, http.StatusTooManyRequests, CodeRate},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := mapServiceError(tt.err)
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}
}

func TestMapAgentError(t *testing.T) {
	modelErr := &agent.Error{Bucket: agent.BucketModelProvider, Origin: "anthropic", Err: errors.New("overloaded")}
	apiErr := mapAgentError(modelErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, string(agent.BucketModelProvider), apiErr.Code)
	assert.Equal(t, "anthropic", apiErr.Origin)

	unexpected := &agent.Error{Bucket: agent.BucketUnexpected, Origin: "app", Err: errors.New("nil deref")}
	apiErr = mapAgentError(unexpected)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "internal server error", apiErr.Message)

	reauth := &agent.Error{Bucket: agent.BucketToolExec, Origin: "oauth", Err: oauth.ErrNeedsReauth}
	apiErr = mapAgentError(reauth)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, CodeForbidden, apiErr.Code)

	apiErr = mapAgentError(services.ErrBudgetExceeded)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
}

func TestErrorEnvelope(t *testing.T) {
	e := echo.New()
	e.Use(errorEnvelope(nil), requestID())
	e.GET("/api-error", func(c *echo.Context) error {
		return newAPIError(http.StatusNotFound, CodeNotFound, "thread not found")
	})
	e.GET("/http-error", func(c *echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad input")
	})
	e.GET("/plain-error", func(c *echo.Context) error {
		return errors.New("boom")
	})

	tests := []struct {
		path        string
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{"/api-error", http.StatusNotFound, CodeNotFound, "thread not found"},
		{"/http-error", http.StatusBadRequest, CodeValidation, "bad input"},
		{"/plain-error", http.StatusInternalServerError, CodeInternal, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Error)
			assert.Equal(t, tt.wantMessage, resp.Message)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestCodeForStatus(t *testing.T) {
	assert.Equal(t, CodeAuth, codeForStatus(http.StatusUnauthorized))
	assert.Equal(t, CodeUnprocessable, codeForStatus(http.StatusUnprocessableEntity))
	assert.Equal(t, CodeTimeout, codeForStatus(http.StatusGatewayTimeout))
	assert.Equal(t, CodeInternal, codeForStatus(http.StatusTeapot))
}
