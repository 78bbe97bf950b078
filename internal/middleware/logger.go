package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger 请求日志中间件
func Logger() gin.HandlerFunc {
	logger := slog.Default().With("component", "HTTP")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}

		attrs := []any{
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", path,
			"clientIp", c.ClientIP(),
			"latency", time.Since(start),
		}
		if c.Writer.Status() >= 500 {
			logger.Error("Request failed", attrs...)
			return
		}
		logger.Debug("Request", attrs...)
	}
}
