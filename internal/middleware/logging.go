// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"doc-intel-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader 是请求 ID 的请求头和响应头名称。
const RequestIDHeader = "X-Request-ID"

// 超过该长度的请求体不写入日志。
const maxLoggedBody = 4 << 10

// RequestLogger 是一个 Gin 中间件，为每个请求分配 ID 并记录请求日志。
// multipart 上传的文件内容不会写入日志。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("requestID", requestID)
		c.Header(RequestIDHeader, requestID)

		var requestBody string
		if c.Request.Body != nil && strings.HasPrefix(c.ContentType(), "application/json") && c.Request.ContentLength <= maxLoggedBody {
			raw, _ := io.ReadAll(c.Request.Body)
			// 重新设置回 c.Request.Body，以便后续处理函数可以正常读取
			c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))
			requestBody = string(raw)
		}

		c.Next()

		log.Infow("[HTTP] 请求完成",
			"requestID", requestID,
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestBody", requestBody,
		)
	}
}
