package router

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.convsync/internal/config"
	"sudooom.im.convsync/internal/handler"
	"sudooom.im.convsync/internal/health"
	"sudooom.im.convsync/internal/middleware"
)

// SetupRouter 设置路由
// limiter 为 nil 时搜索接口不限流
func SetupRouter(
	cfg config.ServerConfig,
	sidebarHandler *handler.SidebarHandler,
	checker *health.Checker,
	limiter *middleware.IPRateLimiter,
) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())

	// 健康检查
	r.GET("/health", gin.WrapH(checker))
	r.GET("/ready", gin.WrapH(checker.ReadyHandler()))

	search := []gin.HandlerFunc{}
	if limiter != nil {
		search = append(search, limiter.Handler())
	}

	// API v1
	v1 := r.Group("/api/v1")
	{
		conversations := v1.Group("/conversations")
		{
			conversations.GET("", sidebarHandler.GetView)
			conversations.POST("/refresh", sidebarHandler.Refresh)
			conversations.POST("/:id/select", sidebarHandler.Select)
			conversations.DELETE("/:id", sidebarHandler.Delete)
		}

		v1.POST("/users/select", sidebarHandler.SelectUser)

		v1.GET("/search", append(search, sidebarHandler.SearchNow)...)
		v1.POST("/search", append(search, sidebarHandler.Search)...)
	}

	return r
}
