package api

import (
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/fwdslsh/dispatch/pkg/models"
)

// websocketHandler upgrades the connection and hands it to the transport's
// ConnectionManager, which owns the connection for its lifetime. The
// identity established by oauth2-proxy on this upgrade request is carried
// into the connection's context so HeaderAuthenticator can honor the
// wire protocol's auth message without a second credential check.
func (s *Server) websocketHandler(c *gin.Context) {
	userID := extractUserID(c)
	if userID == "" {
		writeError(c, models.ErrNotAuthenticated)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: s.cfg.Environment != "production",
	})
	if err != nil {
		return
	}
	ctx := withUserID(c.Request.Context(), userID)
	s.transport.HandleConnection(ctx, conn)
}
