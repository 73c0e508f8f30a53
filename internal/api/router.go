package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"sudooom.im.messenger/internal/config"
	"sudooom.im.messenger/internal/health"
	"sudooom.im.messenger/internal/middleware"
	"sudooom.im.messenger/pkg/jwt"
)

// Handlers 路由依赖的处理器；WebSocket / Health 为 nil 时不注册对应路由
type Handlers struct {
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Presence      *PresenceHandler
	Health        *health.Checker
	WebSocket     gin.HandlerFunc
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, jwtService *jwt.Service, h Handlers, logger *slog.Logger) *gin.Engine {
	gin.SetMode(cfg.HTTP.Mode)

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowCredentials,
	))

	if h.Health != nil {
		r.GET("/health", h.Health.Health)
		r.GET("/ready", h.Health.Ready)
	}

	auth := middleware.JWTAuth(jwtService)

	// 实时连接 /ws?token=
	if h.WebSocket != nil {
		r.GET("/ws", auth, h.WebSocket)
	}

	v1 := r.Group("/api/v1")
	v1.Use(auth)
	{
		conversations := v1.Group("/conversations")
		{
			conversations.GET("", h.Conversations.List)
			conversations.GET("/unread", h.Messages.Unread)
			conversations.POST("/private", h.Conversations.CreatePrivate)
			conversations.POST("/group", h.Conversations.CreateGroup)
			conversations.GET("/:id", h.Conversations.Get)
			conversations.DELETE("/:id", h.Conversations.Delete)

			conversations.GET("/:id/messages", h.Messages.List)
			conversations.GET("/:id/messages/search", h.Messages.Search)
			conversations.POST("/:id/messages", h.Messages.Send)
			conversations.DELETE("/:id/messages/:messageId", h.Messages.Delete)
			conversations.POST("/:id/messages/:messageId/pin", h.Messages.Pin)
			conversations.DELETE("/:id/messages/:messageId/pin", h.Messages.Unpin)
			conversations.GET("/:id/pinned", h.Messages.Pinned)
			conversations.POST("/:id/read", h.Messages.Read)
		}

		v1.POST("/messages", h.Messages.SendToUser)

		users := v1.Group("/users")
		{
			users.GET("/:id/conversations", h.Conversations.ListForUser)
			users.GET("/:id/presence", h.Presence.Get)
		}
	}

	return r
}
