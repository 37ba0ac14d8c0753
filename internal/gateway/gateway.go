// Package gateway accepts a duplex connection, authenticates it, allocates
// a Session, and routes inbound frames onto the Session's typed queues or
// an inline handler.
package gateway

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tikslop/videogen-gateway/internal/identity"
	"github.com/tikslop/videogen-gateway/internal/metrics"
	"github.com/tikslop/videogen-gateway/internal/session"
)

// Config is the Gateway's own slice of process configuration.
type Config struct {
	ProductName     string
	ProductVersion  string
	MaintenanceMode bool
	AllowedOrigins  []string
	StaticDir       string
}

// Gateway is the process-scoped singleton tying the HTTP/duplex surface to
// every shared collaborator a Session dispatches against.
type Gateway struct {
	cfg         Config
	identity    *identity.CachingResolver
	metrics     *metrics.State
	connLimiter *metrics.ConnLimiter
	sessionDeps session.Deps
}

// New builds a Gateway. sessionDeps is threaded straight into every Session
// this Gateway allocates.
func New(cfg Config, idResolver *identity.CachingResolver, metricsState *metrics.State, connLimiter *metrics.ConnLimiter, sessionDeps session.Deps) *Gateway {
	return &Gateway{
		cfg:         cfg,
		identity:    idResolver,
		metrics:     metricsState,
		connLimiter: connLimiter,
		sessionDeps: sessionDeps,
	}
}

// RegisterRoutes wires the Gateway's handlers onto an existing gin.Engine:
// /ws upgrade, /api/status, /api/metrics, and a static-file catch-all at
// lowest priority.
func (g *Gateway) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", g.ServeWS)
	r.GET("/api/status", g.Status)
	r.GET("/api/metrics", g.Metrics)
	r.NoRoute(g.ServeStatic)
}

// clientIP derives the caller's address from the transport's remote addr,
// preferring the first hop of X-Forwarded-For when present.
func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	return c.ClientIP()
}
