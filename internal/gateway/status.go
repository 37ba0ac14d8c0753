package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Status reports product identity, maintenance flag, endpoint roster
// without URLs, and the coarse metrics snapshot. It is unauthenticated,
// so endpoint URLs are deliberately omitted; see DESIGN.md.
func (g *Gateway) Status(c *gin.Context) {
	snapshot := g.metrics.Snapshot()
	resp := gin.H{
		"product":          g.cfg.ProductName,
		"version":          g.cfg.ProductVersion,
		"maintenance_mode": g.cfg.MaintenanceMode,
		"active_sessions":  snapshot.ActiveSessions,
		"active_ips":       snapshot.ActiveIPs,
		"total_by_class":   snapshot.TotalByClass,
		"uptime_seconds":   snapshot.UptimeSeconds,
	}
	if g.sessionDeps.Pool != nil {
		resp["endpoints"] = g.sessionDeps.Pool.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// Metrics is the secret-gated /api/metrics detailed payload. The shared
// secret is accepted as a Bearer header or a ?key= query param.
func (g *Gateway) Metrics(c *gin.Context) {
	secret := c.Query("key")
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		secret = strings.TrimPrefix(auth, "Bearer ")
	}

	detail, ok := g.metrics.DetailedSnapshot(secret)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	c.JSON(http.StatusOK, detail)
}
