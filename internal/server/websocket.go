package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/middleware"
)

func (s *Server) upgrader() *websocket.Upgrader {
	origins := s.cfg.CORS.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// ServeWebSocket GET /ws?token=，在 JWTAuth 之后执行
func (s *Server) ServeWebSocket(c *gin.Context) {
	ws, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写出 HTTP 错误
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	session := connection.SessionInfo{
		UserID:   middleware.GetUserID(c),
		DeviceID: middleware.GetDeviceID(c),
		Platform: middleware.GetPlatform(c),
	}
	transport := connection.NewWebSocketTransport(ws, s.cfg.Connection.MaxFrameSize)
	conn := connection.New(transport, session, s.nodeID, s.connOptions(), s.logger)

	s.Serve(s.context(), conn)
}
