package routes

import (
	"time"

	"video_chat_mini/internal/config"
	"video_chat_mini/internal/handlers"
	"video_chat_mini/internal/middleware"
	"video_chat_mini/internal/services"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册对话API路由
func RegisterRoutes(r *gin.Engine, sessions *services.SessionService, cfg *config.Config) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":   "ok",
			"sessions": sessions.Count(),
			"time":     time.Now().Format(time.RFC3339),
		})
	})

	r.Use(middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	handlers.NewChatHandler(sessions, cfg.WebSocket).RegisterRoutes(r)
}

// RegisterRelayRoutes 注册本地代理路由
func RegisterRelayRoutes(r *gin.Engine, cfg config.RelayConfig) {
	r.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	r.Use(middleware.BodyLimit(cfg.MaxBodySize))
	handlers.NewProxyHandler(cfg, nil).RegisterRoutes(r)
}

// NewChatEngine 创建对话API服务器
func NewChatEngine(sessions *services.SessionService, cfg *config.Config) *gin.Engine {
	r := gin.New()
	middleware.Setup(r)
	RegisterRoutes(r, sessions, cfg)
	return r
}

// NewRelayEngine 创建代理服务器
func NewRelayEngine(cfg config.RelayConfig) *gin.Engine {
	r := gin.New()
	middleware.Setup(r)
	RegisterRelayRoutes(r, cfg)
	return r
}
