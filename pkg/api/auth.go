package api

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
)

// extractUserID extracts the authenticated user id from oauth2-proxy
// headers, the same reverse-proxy auth pattern the teacher's
// extractAuthor helper relies on. Priority: X-Forwarded-User >
// X-Forwarded-Email. Returns "" if neither header is present; callers
// treat that as models.ErrNotAuthenticated.
func extractUserID(c *gin.Context) string {
	if user := c.GetHeader("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.GetHeader("X-Forwarded-Email"); email != "" {
		return email
	}
	return ""
}

type contextKey int

const userIDContextKey contextKey = iota

// withUserID attaches the identity oauth2-proxy already established on
// the WebSocket upgrade request, so the transport's own auth handshake
// doesn't need a second credential-bearing round trip.
func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// HeaderAuthenticator implements transport.Authenticator by trusting the
// identity already extracted from oauth2-proxy headers at HTTP-upgrade
// time, rather than re-authenticating the client-supplied credential on
// the wire protocol's auth message. The credential field of the client's
// auth message is ignored; a reverse proxy is the sole source of truth.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(ctx context.Context, credential string) (string, error) {
	userID, _ := ctx.Value(userIDContextKey).(string)
	if userID == "" {
		return "", fmt.Errorf("no authenticated identity on connection")
	}
	return userID, nil
}
