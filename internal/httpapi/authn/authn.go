// Package authn authenticates API requests: the operator bearer token
// on the JSON API, and the browser session that ties an OAuth callback
// to the browser that began the flow.
package authn

import (
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/junctionhq/junction/internal/auth"
)

// sessionKeyAuthorization prefixes the session key marking an in-flight
// authorization for one integration.
const sessionKeyAuthorization = "oauth_flow:"

// RequireToken gates a route group on the operator API token, compared
// against the configured argon2id hash. With no hash configured every
// request is refused.
func RequireToken(tokenHash string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			token, ok := BearerToken(c.Request())
			if !ok || tokenHash == "" {
				return unauthorized(c)
			}
			match, err := auth.VerifyToken(token, tokenHash)
			if err != nil || !match {
				return unauthorized(c)
			}
			return next(c)
		}
	}
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(raw[len(prefix):])
	return token, token != ""
}

func unauthorized(c *echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

// BindAuthorization records in the browser session that this browser
// began an authorization for the integration. The session token is
// renewed first so a pre-existing session cannot be fixated onto the
// flow.
func BindAuthorization(c *echo.Context, sessions *scs.SessionManager, integrationID uuid.UUID) error {
	ctx := c.Request().Context()
	if err := sessions.RenewToken(ctx); err != nil {
		return err
	}
	sessions.Put(ctx, sessionKeyAuthorization+integrationID.String(), true)
	return nil
}

// ConsumeAuthorization reports whether this browser session began an
// authorization for the integration, clearing the marker either way a
// match is found.
func ConsumeAuthorization(c *echo.Context, sessions *scs.SessionManager, integrationID uuid.UUID) bool {
	ctx := c.Request().Context()
	key := sessionKeyAuthorization + integrationID.String()
	ok := sessions.GetBool(ctx, key)
	if ok {
		sessions.Remove(ctx, key)
	}
	return ok
}
