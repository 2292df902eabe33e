package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/fwdslsh/dispatch/pkg/models"
)

// createWorkspaceRequest is the body for POST /workspaces.
type createWorkspaceRequest struct {
	Path string `json:"path" binding:"required"`
	Name string `json:"name"`
}

func (s *Server) createWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	canonical, err := models.CanonicalizePath(resolveSymlinks, req.Path)
	if err != nil {
		writeError(c, err)
		return
	}

	name := req.Name
	if name == "" {
		name = filepath.Base(canonical)
	}

	if err := s.store.EnsureWorkspace(c.Request.Context(), models.Workspace{Path: canonical, Name: name}); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"path": canonical, "name": name})
}

func (s *Server) listWorkspaces(c *gin.Context) {
	workspaces, err := s.store.ListWorkspaces(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

// resolveSymlinks is the path resolver createWorkspace passes to
// models.CanonicalizePath; a path that does not exist yet is only cleaned.
func resolveSymlinks(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return filepath.Clean(path), nil
		}
		return "", err
	}
	return resolved, nil
}
