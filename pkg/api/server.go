// Package api exposes Dispatch's HTTP surface: workspace/session CRUD, the
// event-store catchup proxy, the WebSocket upgrade endpoint, and a health
// check — everything outside the wire protocol carried over the
// WebSocket connection itself (see pkg/transport).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fwdslsh/dispatch/pkg/config"
	"github.com/fwdslsh/dispatch/pkg/orchestrator"
	"github.com/fwdslsh/dispatch/pkg/store"
	"github.com/fwdslsh/dispatch/pkg/transport"
)

// Server is the HTTP API server; it owns the gin engine and an
// http.Server wrapping it so the caller can drive graceful shutdown.
type Server struct {
	engine       *gin.Engine
	httpServer   *http.Server
	cfg          *config.Config
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	transport    *transport.ConnectionManager
}

// NewServer wires the HTTP routes. cfg.Environment == "production" puts
// gin into release mode, matching the teacher's main.go bootstrap.
func NewServer(cfg *config.Config, st *store.Store, orch *orchestrator.Orchestrator, tp *transport.ConnectionManager) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())
	engine.Use(securityHeaders())

	s := &Server{
		engine:       engine,
		cfg:          cfg,
		store:        st,
		orchestrator: orch,
		transport:    tp,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/ws", s.websocketHandler)

	workspaces := s.engine.Group("/workspaces")
	workspaces.POST("", s.createWorkspace)
	workspaces.GET("", s.listWorkspaces)

	sessions := s.engine.Group("/sessions")
	sessions.POST("", s.createSession)
	sessions.GET("", s.listSessions)
	sessions.GET("/:id", s.getSession)
	sessions.POST("/:id/pin", s.pinSession)
	sessions.DELETE("/:id", s.closeSession)
	sessions.GET("/:id/events", s.listEvents)
}

// Handler exposes the gin engine for tests that drive it with httptest
// without going through Start/Shutdown.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins serving on addr. Blocks until the server stops or errors.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("api server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
