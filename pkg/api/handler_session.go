package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fwdslsh/dispatch/pkg/models"
)

// createSessionRequest is the body for POST /sessions.
type createSessionRequest struct {
	Kind          models.Kind          `json:"kind" binding:"required"`
	WorkspacePath string               `json:"workspacePath" binding:"required"`
	Title         string               `json:"title"`
	AdapterConfig models.AdapterConfig `json:"adapterConfig"`
}

func (s *Server) createSession(c *gin.Context) {
	userID := extractUserID(c)
	if userID == "" {
		writeError(c, models.ErrNotAuthenticated)
		return
	}

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.orchestrator.Create(c.Request.Context(), models.CreateParams{
		Kind:          req.Kind,
		OwnerUserID:   userID,
		WorkspacePath: req.WorkspacePath,
		Title:         req.Title,
		AdapterConfig: req.AdapterConfig,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) listSessions(c *gin.Context) {
	userID := extractUserID(c)
	if userID == "" {
		writeError(c, models.ErrNotAuthenticated)
		return
	}

	filter := models.ListFilter{
		Kind:          models.Kind(c.Query("kind")),
		WorkspacePath: c.Query("workspacePath"),
		PinnedOnly:    c.Query("pinnedOnly") == "true",
		IncludeClosed: c.Query("includeClosed") == "true",
	}

	sessions, err := s.orchestrator.List(c.Request.Context(), userID, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getSession(c *gin.Context) {
	userID := extractUserID(c)
	if userID == "" {
		writeError(c, models.ErrNotAuthenticated)
		return
	}

	sess, err := s.orchestrator.Get(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) pinSession(c *gin.Context) {
	userID := extractUserID(c)
	if userID == "" {
		writeError(c, models.ErrNotAuthenticated)
		return
	}

	var req struct {
		Pinned bool `json:"pinned"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.orchestrator.SetPinned(c.Request.Context(), c.Param("id"), userID, req.Pinned); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pinned": req.Pinned})
}

func (s *Server) closeSession(c *gin.Context) {
	userID := extractUserID(c)
	if userID == "" {
		writeError(c, models.ErrNotAuthenticated)
		return
	}

	if err := s.orchestrator.Close(c.Request.Context(), c.Param("id"), userID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listEvents implements the catchup proxy: GET /sessions/:id/events?afterSeq=N
func (s *Server) listEvents(c *gin.Context) {
	userID := extractUserID(c)
	if userID == "" {
		writeError(c, models.ErrNotAuthenticated)
		return
	}

	sessionID := c.Param("id")
	if _, err := s.orchestrator.Get(c.Request.Context(), sessionID, userID); err != nil {
		writeError(c, err)
		return
	}

	afterSeq := int64(0)
	if raw := c.Query("afterSeq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "afterSeq must be an integer"})
			return
		}
		afterSeq = parsed
	}

	events, err := s.store.Range(c.Request.Context(), sessionID, afterSeq, 0)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
