package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// ServeStatic serves files out of cfg.StaticDir, rejecting any path that
// resolves outside it. Missing files fall back to index.html so
// client-side routes refresh cleanly.
func (g *Gateway) ServeStatic(c *gin.Context) {
	root, err := filepath.Abs(g.cfg.StaticDir)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	requested := filepath.Join(root, filepath.Clean("/"+c.Request.URL.Path))
	if !isWithin(root, requested) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	info, statErr := os.Stat(requested)
	if statErr == nil && info.IsDir() {
		requested = filepath.Join(requested, "index.html")
		info, statErr = os.Stat(requested)
	}
	if statErr != nil || info.IsDir() {
		requested = filepath.Join(root, "index.html")
		if _, err := os.Stat(requested); err != nil {
			c.Status(http.StatusNotFound)
			return
		}
	}

	c.File(requested)
}

// isWithin reports whether target lies inside root, guarding against ".."
// segments. The check is lexical: symlinks are not resolved, so a symlink
// under root that points elsewhere is not caught.
func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
