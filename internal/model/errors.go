package model

import (
	"errors"
	"fmt"
)

// 引擎对外暴露的错误分类。调用方使用 errors.Is 判断类别。
var (
	// ErrUnreadablePDF 上传内容无法解析为 PDF，或没有任何可提取的页面。
	ErrUnreadablePDF = errors.New("unreadable pdf")

	// ErrExtractionUnavailable 文本提取服务不可达。
	ErrExtractionUnavailable = errors.New("extraction service unavailable")

	// ErrEmbeddingUnavailable 向量化服务在有限次重试后仍不可用。
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrGenerationFailed 大模型调用在有限次重试后仍失败。
	ErrGenerationFailed = errors.New("answer generation failed")

	// ErrStorageFailure 元数据库、向量索引或对象存储读写失败。
	ErrStorageFailure = errors.New("storage failure")

	// ErrDocumentNotFound 文档不存在或不属于当前用户。
	ErrDocumentNotFound = errors.New("document not found")

	// ErrPayloadRejected 请求内容未通过本地校验。
	ErrPayloadRejected = errors.New("payload rejected")

	ErrPayloadTooLarge = fmt.Errorf("%w: file exceeds the upload size limit", ErrPayloadRejected)
	ErrNotPDF          = fmt.Errorf("%w: only pdf files are accepted", ErrPayloadRejected)

	// ErrModelVersionMismatch 文档入库时使用的向量模型与当前模型不一致。
	ErrModelVersionMismatch = errors.New("embedding model version mismatch")

	// ErrDocumentBusy 同一文档正在被另一个入库或删除操作处理。
	ErrDocumentBusy = errors.New("document is busy")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrUnreadablePDF, "UnreadablePDF"},
	{ErrExtractionUnavailable, "ExtractionUnavailable"},
	{ErrEmbeddingUnavailable, "EmbeddingUnavailable"},
	{ErrGenerationFailed, "GenerationFailed"},
	{ErrStorageFailure, "StorageFailure"},
	{ErrDocumentNotFound, "DocumentNotFound"},
	{ErrPayloadRejected, "PayloadRejected"},
	{ErrModelVersionMismatch, "ModelVersionMismatch"},
	{ErrDocumentBusy, "DocumentBusy"},
}

// ErrorKind 返回 err 所属的错误类别名称，无法识别时返回 "Internal"。
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
