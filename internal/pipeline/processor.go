// Package pipeline 定义了文件处理的核心流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"doc-intel-go/internal/metrics"
	"doc-intel-go/internal/model"
	"doc-intel-go/internal/repository"
	"doc-intel-go/pkg/embedding"
	"doc-intel-go/pkg/log"
	"doc-intel-go/pkg/storage"
	"doc-intel-go/pkg/tasks"
)

const (
	rollbackTimeout    = 30 * time.Second
	defaultTaskTimeout = 10 * time.Minute
)

// Processor 封装了文档入库的所有依赖和逻辑：提取、分块、向量化、写入索引。
type Processor struct {
	extractor Extractor
	chunker   *Chunker
	embedder  embedding.Client
	index     repository.VectorIndex
	docRepo   repository.DocumentRepository
	objects   storage.ObjectStore
	locker    repository.DocumentLocker
	metrics   *metrics.Recorder

	// 异步任务的单次处理上限，需小于文档锁的 TTL
	taskTimeout time.Duration
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	extractor Extractor,
	chunker *Chunker,
	embedder embedding.Client,
	index repository.VectorIndex,
	docRepo repository.DocumentRepository,
	objects storage.ObjectStore,
	locker repository.DocumentLocker,
	recorder *metrics.Recorder,
) *Processor {
	return &Processor{
		extractor:   extractor,
		chunker:     chunker,
		embedder:    embedder,
		index:       index,
		docRepo:     docRepo,
		objects:     objects,
		locker:      locker,
		metrics:     recorder,
		taskTimeout: defaultTaskTimeout,
	}
}

// WithTaskTimeout 设置 Process 的处理时限，d <= 0 时使用默认值。
func (p *Processor) WithTaskTimeout(d time.Duration) *Processor {
	if d <= 0 {
		d = defaultTaskTimeout
	}
	p.taskTimeout = d
	return p
}

// Run 对一个处于 processing 状态的文档执行完整入库。
// 任一步骤失败时清理已写入的向量并把文档标记为 failed，调用方看到的要么是 ready 要么是错误。
func (p *Processor) Run(ctx context.Context, doc *model.Document, data []byte) error {
	release, err := p.locker.Acquire(ctx, doc.ID)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	log.Infof("[Processor] 开始处理文档, documentID: %d, fileName: %s, userID: %d", doc.ID, doc.FileName, doc.UserID)

	pageCount, chunkCount, err := p.indexDocument(ctx, doc, data)
	if err == nil {
		var ok bool
		ok, err = p.docRepo.MarkReady(doc.ID, pageCount, chunkCount)
		if err == nil && !ok {
			err = fmt.Errorf("%w: document %d is no longer processing", model.ErrDocumentNotFound, doc.ID)
		}
	}
	if err != nil {
		log.Errorf("[Processor] 文档处理失败, documentID: %d, error: %v", doc.ID, err)
		p.rollback(ctx, doc)
		p.metrics.RecordIngestion(ctx, model.ErrorKind(err), 0, time.Since(start))
		return err
	}

	doc.Status = model.DocumentStatusReady
	doc.PageCount = pageCount
	doc.ChunkCount = chunkCount
	p.metrics.RecordIngestion(ctx, "ok", chunkCount, time.Since(start))
	log.Infof("[Processor] 文档处理成功, documentID: %d, 页数: %d, 分块数: %d, 耗时: %s", doc.ID, pageCount, chunkCount, time.Since(start))
	return nil
}

func (p *Processor) indexDocument(ctx context.Context, doc *model.Document, data []byte) (int, int, error) {
	log.Info("[Processor] 步骤1: 提取分页文本")
	pages, err := p.extractor.ExtractPages(ctx, data, doc.FileName)
	if err != nil {
		return 0, 0, err
	}

	spans := p.chunker.Chunk(pages)
	log.Infof("[Processor] 步骤2: 文本分块完成, 页数: %d, 分块数: %d", len(pages), len(spans))
	if len(spans) == 0 {
		return 0, 0, fmt.Errorf("%w: no extractable text", model.ErrUnreadablePDF)
	}

	texts := make([]string, len(spans))
	for i, s := range spans {
		texts[i] = s.Text
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, 0, err
	}
	log.Infof("[Processor] 步骤3: 向量化完成, 共 %d 个向量", len(vectors))

	version := p.embedder.ModelVersion()
	chunks := make([]model.IndexedChunk, len(spans))
	for i, s := range spans {
		chunks[i] = model.IndexedChunk{
			DocumentID:   doc.ID,
			UserID:       doc.UserID,
			Index:        s.Index,
			Page:         s.Page,
			Text:         s.Text,
			Vector:       vectors[i],
			ModelVersion: version,
		}
	}
	if err := p.index.Upsert(ctx, chunks); err != nil {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		return 0, 0, fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}
	log.Info("[Processor] 步骤4: 分块已写入向量索引")
	return len(pages), len(chunks), nil
}

// rollback 在原请求被取消后依然执行，保证索引中不残留半个文档。
func (p *Processor) rollback(ctx context.Context, doc *model.Document) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := p.index.Delete(ctx, doc.UserID, doc.ID); err != nil {
		log.Errorf("[Processor] 回滚向量失败, documentID: %d, error: %v", doc.ID, err)
	}
	if err := p.docRepo.UpdateStatus(doc.ID, model.DocumentStatusFailed); err != nil {
		log.Errorf("[Processor] 标记文档失败状态出错, documentID: %d, error: %v", doc.ID, err)
	}
	doc.Status = model.DocumentStatusFailed
}

// Process 处理 Kafka 投递的入库任务，原始文件从对象存储读取。
// 文件本身无法解析时不再重试。
func (p *Processor) Process(ctx context.Context, task tasks.IngestionTask) error {
	ctx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	doc, err := p.docRepo.FindByID(task.UserID, task.DocumentID)
	if errors.Is(err, model.ErrDocumentNotFound) {
		log.Warnf("[Processor] 文档已不存在，跳过任务, documentID: %d", task.DocumentID)
		return nil
	}
	if err != nil {
		return err
	}

	switch doc.Status {
	case model.DocumentStatusReady, model.DocumentStatusDeleting:
		log.Infof("[Processor] 文档状态为 %s，跳过任务, documentID: %d", doc.Status, doc.ID)
		return nil
	case model.DocumentStatusFailed:
		// 重投的任务从 failed 重新进入 processing
		if err := p.docRepo.UpdateStatus(doc.ID, model.DocumentStatusProcessing); err != nil {
			return err
		}
		doc.Status = model.DocumentStatusProcessing
	}

	data, err := p.objects.GetObject(ctx, task.ObjectKey)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}

	err = p.Run(ctx, doc, data)
	if errors.Is(err, model.ErrUnreadablePDF) {
		log.Warnf("[Processor] 文件无法解析，不再重试, documentID: %d", doc.ID)
		return nil
	}
	return err
}
