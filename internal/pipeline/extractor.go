package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"doc-intel-go/internal/model"
	"doc-intel-go/pkg/log"
	"doc-intel-go/pkg/tika"
)

var pdfMagic = []byte("%PDF-")

// HasPDFHeader 报告数据是否以 PDF 文件头开始。
func HasPDFHeader(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}

// Extractor 将 PDF 字节转换为按页排列的文本。
type Extractor interface {
	ExtractPages(ctx context.Context, data []byte, fileName string) ([]model.Page, error)
}

type tikaExtractor struct {
	client *tika.Client
}

// NewExtractor 创建一个基于 Tika 的提取器。
func NewExtractor(client *tika.Client) Extractor {
	return &tikaExtractor{client: client}
}

// ExtractPages 校验 PDF 文件头后调用 Tika 提取每一页的文本。
// 没有文本的页面（如扫描件）保留为空字符串。
func (e *tikaExtractor) ExtractPages(ctx context.Context, data []byte, fileName string) ([]model.Page, error) {
	if !HasPDFHeader(data) {
		return nil, fmt.Errorf("%w: missing %%PDF- header", model.ErrUnreadablePDF)
	}

	texts, err := e.client.ExtractPages(ctx, bytes.NewReader(data), fileName)
	if err != nil {
		if errors.Is(err, tika.ErrUnprocessable) {
			return nil, fmt.Errorf("%w: %v", model.ErrUnreadablePDF, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Errorf("[Extractor] 调用 Tika 失败, FileName: %s, Error: %v", fileName, err)
		return nil, fmt.Errorf("%w: %v", model.ErrExtractionUnavailable, err)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: document has no pages", model.ErrUnreadablePDF)
	}

	pages := make([]model.Page, len(texts))
	for i, text := range texts {
		pages[i] = model.Page{Number: i + 1, Text: text}
	}
	return pages, nil
}
