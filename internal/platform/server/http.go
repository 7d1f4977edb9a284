package server

import (
	"net/http"

	"chat-realtime/internal/message"
	"chat-realtime/internal/metrics"
	"chat-realtime/internal/platform/config"
	"chat-realtime/internal/platform/health"
	"chat-realtime/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// RouterDeps 路由需要的處理器
type RouterDeps struct {
	Config      *config.Config
	Auth        *middleware.AuthMiddleware
	Health      *health.Handler
	Messages    *message.MessageHandler
	WS          gin.HandlerFunc
	RateLimiter *middleware.RateLimiter
	ConnLimiter *middleware.ConnectionLimiter
}

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// corsMiddleware 只對白名單來源回應 CORS 標頭；白名單為空時不限制
func corsMiddleware(allowed []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (len(origins) == 0 || origins[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+middleware.SessionHeader)
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Router 設定路由
func Router(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	// 請求 ID 最優先，後續日誌都帶 trace
	r.Use(middleware.RequestIDMiddleware())
	r.Use(corsMiddleware(cfg.Server.AllowedOrigins))
	r.Use(securityHeadersMiddleware())
	r.Use(middleware.RequestMetadataMiddleware())
	r.Use(middleware.AccessLogMiddleware())

	if cfg.Limits.Request.MaxMultipartMemory > 0 {
		r.MaxMultipartMemory = cfg.Limits.Request.MaxMultipartMemory
	}

	r.GET("/health", deps.Health.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// websocket 升級請求不受 body 大小限制，連線數另外管控
	ws := []gin.HandlerFunc{}
	if deps.ConnLimiter != nil {
		ws = append(ws, deps.ConnLimiter.Middleware())
	}
	ws = append(ws, deps.WS)
	r.GET("/ws", ws...)

	api := r.Group("/api/v1")
	if cfg.Limits.Request.MaxBodySize > 0 {
		api.Use(middleware.RequestSizeLimiter(cfg.Limits.Request.MaxBodySize))
	}
	if deps.RateLimiter != nil {
		api.Use(deps.RateLimiter.Middleware())
	}
	api.Use(deps.Auth.RequireAuth())
	deps.Messages.Register(api)

	return r
}
