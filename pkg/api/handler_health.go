package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fwdslsh/dispatch/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. Mirrors the teacher's minimal,
// unauthenticated health endpoint: only Dispatch's own database is
// checked, never adapter subprocesses or external services, so the
// process supervisor never restarts dispatchd because of something
// outside its control.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	dbErr := ""
	if err := s.store.DB().PingContext(ctx); err != nil {
		status = healthStatusUnhealthy
		dbErr = err.Error()
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	body := gin.H{"status": status, "version": version.Full()}
	if dbErr != "" {
		body["databaseError"] = dbErr
	}
	c.JSON(httpStatus, body)
}
