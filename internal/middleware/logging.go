package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"ragchat-go/pkg/log"
)

// RequestLogger 是一个 Gin 中间件，用于记录请求日志。
// 不捕获请求与响应体：问答接口走 SSE 长流，缓存响应体
// 会破坏流式语义，日志里只留摘要字段。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"tenantID", c.GetString("tenant_id"),
		)
	}
}
