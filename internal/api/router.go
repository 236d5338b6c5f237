package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liliang-cn/docqa/internal/api/middleware"
	"github.com/liliang-cn/docqa/internal/config"
	"github.com/liliang-cn/docqa/internal/service"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey       string
	AllowOrigins []string
	RateLimit    config.RateLimitConfig
}

// SetupRouter sets up the Gin router
func SetupRouter(
	queryService *service.QueryService,
	indexService *service.IndexService,
	cfg RouterConfig,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg.AllowOrigins))

	h := NewHandler(queryService, indexService, logger)

	r.GET("/health", h.Health)

	// Query endpoints (public, optionally rate limited)
	chat := r.Group("/")
	if cfg.RateLimit.Enabled {
		chat.Use(middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	chat.POST("/chat", h.Chat)
	chat.POST("/chat/stream", h.ChatStream)

	// Operator endpoints (require API key when one is configured)
	ops := r.Group("/")
	ops.Use(middleware.Auth(cfg.APIKey))
	ops.POST("/index", h.BuildIndex)
	ops.GET("/sessions/:id", h.GetSession)

	return r
}
