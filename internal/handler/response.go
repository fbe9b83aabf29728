// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"doc-intel-go/internal/model"
	"doc-intel-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// 认证中间件写入的上下文键。
const ContextUserID = "userID"

func userIDFromContext(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok && id != 0
}

func success(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": message, "data": data})
}

// statusOf 把错误类别映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrNotPDF):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, model.ErrPayloadRejected):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnreadablePDF):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrExtractionUnavailable), errors.Is(err, model.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrModelVersionMismatch), errors.Is(err, model.ErrDocumentBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage 返回可以发给客户端的错误信息，内部错误不暴露存储细节。
func publicMessage(err error) string {
	if statusOf(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

// writeError 统一输出错误响应，data 中带上错误类别。
func writeError(c *gin.Context, err error, data interface{}) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Errorw("[Handler] 内部错误",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"requestID", c.GetString("requestID"),
			"error", err,
		)
	}
	c.JSON(status, gin.H{"code": status, "message": publicMessage(err), "kind": model.ErrorKind(err), "data": data})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message, "kind": "PayloadRejected", "data": nil})
}
