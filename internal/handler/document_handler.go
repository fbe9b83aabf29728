package handler

import (
	"io"
	"net/http"
	"strconv"

	"doc-intel-go/internal/config"
	"doc-intel-go/internal/model"
	"doc-intel-go/internal/service"
	"doc-intel-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
	uploadCfg  config.UploadConfig
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService, uploadCfg config.UploadConfig) *DocumentHandler {
	return &DocumentHandler{
		docService: docService,
		uploadCfg:  uploadCfg,
	}
}

// Upload 处理 multipart 上传，字段名为 file。同步模式返回 200，异步模式返回 202。
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证", "data": nil})
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "缺少文件字段 file")
		return
	}
	// 先按声明的大小拒绝，避免读入超限文件
	if header.Size > h.uploadCfg.MaxBytes() {
		writeError(c, model.ErrPayloadTooLarge, nil)
		return
	}

	file, err := header.Open()
	if err != nil {
		log.Error("[DocumentHandler] 打开上传文件失败", err)
		badRequest(c, "无法读取上传文件")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.uploadCfg.MaxBytes()+1))
	if err != nil {
		log.Error("[DocumentHandler] 读取上传文件失败", err)
		badRequest(c, "无法读取上传文件")
		return
	}

	doc, err := h.docService.Ingest(c.Request.Context(), userID, header.Filename, data)
	if err != nil {
		log.Warnf("[DocumentHandler] 文档入库失败, userID: %d, fileName: %s, error: %v", userID, header.Filename, err)
		writeError(c, err, nil)
		return
	}

	status := http.StatusOK
	if doc.Status == model.DocumentStatusProcessing {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"code": status, "message": "上传成功", "data": doc})
}

// List 返回当前用户所有可查询的文档。
func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证", "data": nil})
		return
	}
	docs, err := h.docService.List(userID)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	success(c, "获取文档列表成功", docs)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证", "data": nil})
		return
	}
	docID, ok := documentIDParam(c)
	if !ok {
		return
	}
	doc, err := h.docService.Get(userID, docID)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	success(c, "success", doc)
}

// Delete 删除文档及其全部向量。文档不存在时同样返回成功。
func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证", "data": nil})
		return
	}
	docID, ok := documentIDParam(c)
	if !ok {
		return
	}
	if err := h.docService.Delete(c.Request.Context(), userID, docID); err != nil {
		log.Warnf("[DocumentHandler] 删除文档失败, userID: %d, documentID: %d, error: %v", userID, docID, err)
		writeError(c, err, nil)
		return
	}
	success(c, "文档已删除", nil)
}

// documentIDParam 解析路径参数 :id，失败时已写入 400 响应。
func documentIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "无效的文档 ID")
		return 0, false
	}
	return uint(id), true
}
