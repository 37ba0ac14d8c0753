package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tikslop/videogen-gateway/internal/frame"
	"github.com/tikslop/videogen-gateway/internal/identity"
	"github.com/tikslop/videogen-gateway/internal/logging"
	"github.com/tikslop/videogen-gateway/internal/session"
)

// maxFrameBytes is the maximum duplex text frame size.
const maxFrameBytes = 20 * 1024 * 1024

// idleTimeout is the inbound duplex idle timeout.
const idleTimeout = 30 * time.Second

// wsConn adapts *websocket.Conn to session.Conn, writing every outbound
// reply as a text frame.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error { return w.conn.Close() }

func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }

var _ session.Conn = (*wsConn)(nil)

// ServeWS upgrades an HTTP request to a duplex connection, authenticates it,
// allocates a Session, and runs the read loop until the peer disconnects.
func (g *Gateway) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()
	if correlationID, ok := c.Get(string(logging.CorrelationIDKey)); ok {
		ctx = logging.WithCorrelationID(ctx, correlationID.(string))
	}

	if g.cfg.MaintenanceMode {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":       "server is in maintenance mode",
			"maintenance": true,
		})
		return
	}

	ip := clientIP(c)
	if g.connLimiter != nil && !g.connLimiter.AllowIP(ctx, ip) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	token := c.Query("token")
	ident := g.identity.Resolve(ctx, token)

	if ident.Username != "" && g.connLimiter != nil && !g.connLimiter.AllowUser(ctx, ident.Username) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: g.checkOrigin}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "failed to upgrade connection", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	userID := uuid.NewString()
	g.metrics.RegisterSession(userID, ip)
	defer g.metrics.UnregisterSession(userID, ip)

	sess := session.New(&wsConn{conn: conn}, userID, ident.Username, ip, ident.Role, g.sessionDeps)
	sess.Run(ctx)
	defer sess.Close()

	g.readLoop(ctx, conn, sess, userID, ident.Role)
}

// checkOrigin allows same-origin and every configured allowed origin,
// matching scheme+host, and tolerates non-browser clients that send no
// Origin header at all.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Host == r.Host {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// readLoop reads inbound frames until the peer disconnects or the idle
// timeout fires, recording metrics, enforcing the rate limiter, and
// routing each frame to the Session's inline handler or matching queue.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, userID string, role identity.Role) {
	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in frame.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			sess.WriteReply(ctx, frame.Fail("", "", "malformed frame"))
			continue
		}

		canonical := frame.CanonicalAction(in.Action)
		class := frame.ClassOf(canonical)

		g.metrics.RecordRequest(userID, class, role)
		if g.metrics.IsRateLimited(userID, class, role) {
			sess.WriteReply(ctx, frame.Fail(canonical, in.RequestID, fmt.Sprintf("Rate limit exceeded for %s", class)))
			continue
		}

		switch {
		case frame.IsTrivialAction(canonical):
			sess.HandleInline(ctx, in)
		case class == frame.ClassChat, class == frame.ClassVideo, class == frame.ClassSearch, class == frame.ClassSimulation:
			if !sess.Enqueue(ctx, class, in) {
				return
			}
		default:
			sess.WriteReply(ctx, frame.Fail(canonical, in.RequestID, "unknown action"))
		}
	}
}
