package api

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/relaydesk/agentd/pkg/oauth"
)

const flowSessionCookie = "agentd_oauth_flow"

// oauthConnectHandler handles GET /oauth/connect/:provider. It binds the flow
// to a browser cookie and redirects to the provider's consent page.
func (s *Server) oauthConnectHandler(c *echo.Context) error {
	provider := c.Param("provider")
	if provider == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider is required")
	}

	flowSession, err := ensureFlowSession(c)
	if err != nil {
		return err
	}

	userID := c.QueryParam("userId")
	if sess := deviceSessionFrom(c); sess != nil {
		userID = sess.UserID
	}

	_, authURL, err := s.oauth.Begin(c.Request().Context(), provider, userID, flowSession, c.QueryParam("returnTo"))
	if err != nil {
		return &apiError{
			Status:  http.StatusInternalServerError,
			Code:    CodeOAuthConfig,
			Origin:  "oauth",
			Message: "failed to start authorization flow",
		}
	}
	return c.Redirect(http.StatusFound, authURL)
}

// oauthCallbackHandler handles GET /oauth/:provider/callback. It renders a
// small HTML page the browser tab can show before closing.
func (s *Server) oauthCallbackHandler(c *echo.Context) error {
	provider := c.Param("provider")

	if errCode := c.QueryParam("error"); errCode != "" {
		s.logger.Warn("OAuth flow denied by provider", "provider", provider, "error", errCode)
		if errCode == "access_denied" {
			return oauthHTMLError(c, http.StatusBadRequest, CodeOAuthDenied,
				"Authorization was declined. You can close this tab and try again.")
		}
		return oauthHTMLError(c, http.StatusBadRequest, CodeOAuthExchange,
			"The provider reported an error: "+errCode)
	}

	cookie, err := c.Request().Cookie(flowSessionCookie)
	if err != nil {
		return oauthHTMLError(c, http.StatusBadRequest, CodeOAuthExchange,
			"This authorization link was opened in a different browser session. Start again from the app.")
	}

	conn, err := s.oauth.Complete(c.Request().Context(), provider,
		c.QueryParam("code"), c.QueryParam("state"), cookie.Value)
	switch {
	case err == nil:
	case errors.Is(err, oauth.ErrStateInvalid), errors.Is(err, oauth.ErrStateConsumed):
		return oauthHTMLError(c, http.StatusBadRequest, CodeOAuthExchange,
			"This authorization link expired or was already used. Start again from the app.")
	default:
		s.logger.Error("OAuth completion failed", "provider", provider, "error", err)
		return oauthHTMLError(c, http.StatusInternalServerError, CodeOAuthExchange,
			"Token exchange with the provider failed. Try again in a moment.")
	}

	// One-shot cookie; the flow is finished either way.
	clearFlowSession(c)

	workspace := conn.WorkspaceName
	if workspace == "" {
		workspace = conn.WorkspaceID
	}
	return c.HTML(http.StatusOK, oauthPage("Connected",
		fmt.Sprintf("Connected to %s workspace %q. You can close this tab.",
			html.EscapeString(provider), html.EscapeString(workspace))))
}

// ensureFlowSession returns the browser's flow-session cookie, minting one
// when absent.
func ensureFlowSession(c *echo.Context) (string, error) {
	if cookie, err := c.Request().Cookie(flowSessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate flow session: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)
	c.SetCookie(&http.Cookie{
		Name:     flowSessionCookie,
		Value:    value,
		Path:     "/oauth/",
		MaxAge:   int((15 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return value, nil
}

func clearFlowSession(c *echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     flowSessionCookie,
		Path:     "/oauth/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func oauthHTMLError(c *echo.Context, status int, code, message string) error {
	return c.HTML(status, oauthPage("Authorization failed",
		fmt.Sprintf("%s (%s)", html.EscapeString(message), code)))
}

func oauthPage(title, body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="font-family: sans-serif; max-width: 32rem; margin: 4rem auto;">
<h1>%s</h1>
<p>%s</p>
</body>
</html>`, html.EscapeString(title), html.EscapeString(title), body)
}
