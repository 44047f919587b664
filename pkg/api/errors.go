package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/relaydesk/agentd/pkg/agent"
	"github.com/relaydesk/agentd/pkg/oauth"
	"github.com/relaydesk/agentd/pkg/services"
)

// Error codes returned in the envelope's "error" field.
const (
	CodeValidation    = "APP-400-VALIDATION"
	CodeUnprocessable = "APP-422"
	CodeAuth          = "APP-401-AUTH"
	CodeForbidden     = "APP-403-FORBIDDEN"
	CodeNotFound      = "APP-404-NOT-FOUND"
	CodeGone          = "APP-410-GONE"
	CodePayload       = "APP-413-PAYLOAD"
	CodeRate          = "APP-429-RATE"
	CodeInternal      = "APP-500-INTERNAL"
	CodeTimeout       = "APP-504-TIMEOUT"

	CodeOAuthDenied   = "OAUTH-ACCESS-DENIED"
	CodeOAuthExchange = "OAUTH-EXCHANGE-FAIL"
	CodeOAuthConfig   = "OAUTH-CONFIG-ERROR"
)

// ErrorResponse is the wire shape of every error.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Origin    string `json:"origin"`
	RequestID string `json:"requestId"`
	Details   any    `json:"details,omitempty"`
}

// apiError carries an enumerated code through the handler chain until the
// envelope middleware renders it.
type apiError struct {
	Status  int
	Code    string
	Origin  string
	Message string
	Details any
}

func (e *apiError) Error() string { return e.Code + ": " + e.Message }

func newAPIError(status int, code, message string) *apiError {
	return &apiError{Status: status, Code: code, Origin: "app", Message: message}
}

// mapServiceError maps service-layer errors onto the envelope taxonomy.
func mapServiceError(err error) *apiError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return newAPIError(http.StatusBadRequest, CodeValidation, validErr.Error())
	}
	switch {
	case errors.Is(err, services.ErrNotFound):
		return newAPIError(http.StatusNotFound, CodeNotFound, "resource not found")
	case errors.Is(err, services.ErrGone):
		return newAPIError(http.StatusGone, CodeGone, "share token expired")
	case errors.Is(err, services.ErrForbidden):
		return newAPIError(http.StatusForbidden, CodeForbidden, "access denied")
	case errors.Is(err, services.ErrBudgetExceeded):
		return newAPIError(http.StatusTooManyRequests, CodeRate, "token budget exceeded")
	}

	slog.Error("Unexpected service error", "error", err)
	return newAPIError(http.StatusInternalServerError, CodeInternal, "internal server error")
}

// mapAgentError maps agent loop failures onto the envelope taxonomy.
func mapAgentError(err error) *apiError {
	if errors.Is(err, services.ErrBudgetExceeded) {
		return newAPIError(http.StatusTooManyRequests, CodeRate, "token budget exceeded")
	}

	var agentErr *agent.Error
	if errors.As(err, &agentErr) {
		apiErr := &apiError{
			Status:  http.StatusBadGateway,
			Code:    string(agentErr.Bucket),
			Origin:  agentErr.Origin,
			Message: agentErr.Err.Error(),
		}
		switch agentErr.Bucket {
		case agent.BucketUnexpected:
			apiErr.Status = http.StatusInternalServerError
			apiErr.Message = "internal server error"
		case agent.BucketToolExec:
			apiErr.Status = http.StatusBadGateway
		}
		if errors.Is(agentErr.Err, oauth.ErrNeedsReauth) || errors.Is(agentErr.Err, oauth.ErrNoConnection) {
			apiErr.Status = http.StatusForbidden
			apiErr.Code = CodeForbidden
		}
		return apiErr
	}
	return mapServiceError(err)
}

// errorEnvelope renders every handler error as the JSON envelope. Installed
// outermost so all other middleware errors pass through it too.
func errorEnvelope(logger *slog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if resp, _ := echo.UnwrapResponse(c.Response()); resp != nil && resp.Committed {
				logger.Error("Error after response commit", "path", c.Request().URL.Path, "error", redactSecrets(err.Error()))
				return nil
			}

			requestID := requestIDFrom(c)
			resp := &ErrorResponse{
				Error:     CodeInternal,
				Message:   "internal server error",
				Origin:    "app",
				RequestID: requestID,
			}
			status := http.StatusInternalServerError

			var apiErr *apiError
			var httpErr *echo.HTTPError
			switch {
			case errors.As(err, &apiErr):
				status = apiErr.Status
				resp.Error = apiErr.Code
				resp.Origin = apiErr.Origin
				resp.Message = apiErr.Message
				resp.Details = apiErr.Details
			case errors.As(err, &httpErr):
				status = httpErr.Code
				resp.Error = codeForStatus(httpErr.Code)
				if msg := httpErr.Message; msg != "" {
					resp.Message = msg
				} else {
					resp.Message = http.StatusText(httpErr.Code)
				}
			default:
				logger.Error("Unhandled request error",
					"request_id", requestID, "path", c.Request().URL.Path, "error", redactSecrets(err.Error()))
			}

			if status == http.StatusTooManyRequests || status == http.StatusRequestEntityTooLarge {
				if c.Response().Header().Get("Retry-After") == "" {
					c.Response().Header().Set("Retry-After", "1")
				}
			}
			return c.JSON(status, resp)
		}
	}
}

// codeForStatus gives plain echo.HTTPErrors an enumerated code.
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeValidation
	case http.StatusUnauthorized:
		return CodeAuth
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusGone:
		return CodeGone
	case http.StatusRequestEntityTooLarge:
		return CodePayload
	case http.StatusUnprocessableEntity:
		return CodeUnprocessable
	case http.StatusTooManyRequests:
		return CodeRate
	case http.StatusGatewayTimeout:
		return CodeTimeout
	default:
		return CodeInternal
	}
}
