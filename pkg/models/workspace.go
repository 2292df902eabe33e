package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Workspace is identified by an absolute, canonicalized filesystem path.
// Workspaces are created by an external collaborator; the core treats one
// as an opaque label plus a working directory for adapters.
type Workspace struct {
	Path string
	Name string
}

// CanonicalizePath resolves symlinks and cleans a candidate workspace path,
// rejecting anything that is not absolute or that still contains a ".."
// segment after cleaning. Mirrors the canonicalization invariant in §3 of
// the workspace data model.
func CanonicalizePath(resolve func(string) (string, error), raw string) (string, error) {
	if !filepath.IsAbs(raw) {
		return "", fmt.Errorf("%w: workspace path must be absolute", ErrInvalidArgument)
	}
	resolved, err := resolve(raw)
	if err != nil {
		return "", fmt.Errorf("resolve workspace path: %w", err)
	}
	clean := filepath.Clean(resolved)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return "", NewValidationError("workspacePath", "path escapes its own root")
		}
	}
	return clean, nil
}
