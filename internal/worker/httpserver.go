package worker

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/pathsafe"
)

// NewHTTPHandler builds the worker's small HTTP surface (spec §6, "Worker
// surface"): a single workspace-scoped file-serving endpoint the node's
// file-transfer path uses to fetch back `_workerFiles` artifacts after a
// skill job. Grounded on the gateway's own gin wiring
// (internal/gateway/gateway.go) for consistency across both processes' HTTP
// layers, trimmed to the one route this process actually serves.
func NewHTTPHandler(workspace string) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/api/worker/workspace", func(c *gin.Context) {
		serveWorkspaceFile(c, workspace)
	})
	return r
}

// serveWorkspaceFile resolves ?path= within workspace (spec §6: "reject
// traversal, NUL byte, non-file") and streams it back.
func serveWorkspaceFile(c *gin.Context, workspace string) {
	rel := c.Query("path")
	if rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	full, err := pathsafe.Resolve(workspace, rel)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if info.IsDir() {
		c.JSON(http.StatusForbidden, gin.H{"error": "path is not a file"})
		return
	}
	c.Header("X-Content-Type-Options", "nosniff")
	c.File(full)
}
