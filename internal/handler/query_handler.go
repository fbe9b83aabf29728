package handler

import (
	"errors"
	"net/http"
	"strconv"

	"doc-intel-go/internal/model"
	"doc-intel-go/internal/service"
	"doc-intel-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 20

// QueryHandler 处理针对单个文档的问答请求。
type QueryHandler struct {
	queryService service.QueryService
}

func NewQueryHandler(queryService service.QueryService) *QueryHandler {
	return &QueryHandler{queryService: queryService}
}

type askRequest struct {
	Question string `json:"question"`
}

// Ask 处理 POST /documents/:id/query。
func (h *QueryHandler) Ask(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证", "data": nil})
		return
	}
	docID, ok := documentIDParam(c)
	if !ok {
		return
	}
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求体格式错误")
		return
	}

	answer, err := h.queryService.Ask(c.Request.Context(), userID, docID, req.Question)
	if err != nil {
		log.Warnf("[QueryHandler] 问答失败, userID: %d, documentID: %d, error: %v", userID, docID, err)
		// 生成失败时把道歉答案放在 data 中
		if errors.Is(err, model.ErrGenerationFailed) && answer != nil {
			writeError(c, err, answer)
			return
		}
		writeError(c, err, nil)
		return
	}
	success(c, "success", answer)
}

// History 返回文档的问答记录，按时间倒序。
func (h *QueryHandler) History(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证", "data": nil})
		return
	}
	docID, ok := documentIDParam(c)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "无效的 limit")
			return
		}
		limit = n
	}
	records, err := h.queryService.ListHistory(userID, docID, limit)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	success(c, "success", records)
}

func (h *QueryHandler) Conversation(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证", "data": nil})
		return
	}
	docID, ok := documentIDParam(c)
	if !ok {
		return
	}
	messages, err := h.queryService.GetConversation(c.Request.Context(), userID, docID)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	success(c, "success", messages)
}
