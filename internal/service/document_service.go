package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"doc-intel-go/internal/config"
	"doc-intel-go/internal/model"
	"doc-intel-go/internal/pipeline"
	"doc-intel-go/internal/repository"
	"doc-intel-go/pkg/log"
	"doc-intel-go/pkg/storage"
	"doc-intel-go/pkg/tasks"

	"github.com/google/uuid"
)

const cleanupTimeout = 30 * time.Second

// IngestionRunner 同步执行一次入库。
type IngestionRunner interface {
	Run(ctx context.Context, doc *model.Document, data []byte) error
}

// TaskProducer 投递异步入库任务。
type TaskProducer interface {
	ProduceIngestionTask(ctx context.Context, task tasks.IngestionTask) error
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Ingest(ctx context.Context, userID uint, fileName string, data []byte) (*model.Document, error)
	List(userID uint) ([]model.Document, error)
	Get(userID, documentID uint) (*model.Document, error)
	// Delete 同时删除元数据与向量，文档不存在时直接返回成功。
	Delete(ctx context.Context, userID, documentID uint) error
}

type documentService struct {
	docRepo          repository.DocumentRepository
	conversationRepo repository.ConversationRepository
	index            repository.VectorIndex
	locker           repository.DocumentLocker
	objects          storage.ObjectStore
	runner           IngestionRunner
	producer         TaskProducer
	modelVersion     string
	uploadCfg        config.UploadConfig
	ingestCfg        config.IngestConfig
}

// NewDocumentService 创建一个新的 DocumentService 实例。producer 为 nil 时同步入库。
func NewDocumentService(
	docRepo repository.DocumentRepository,
	conversationRepo repository.ConversationRepository,
	index repository.VectorIndex,
	locker repository.DocumentLocker,
	objects storage.ObjectStore,
	runner IngestionRunner,
	producer TaskProducer,
	modelVersion string,
	uploadCfg config.UploadConfig,
	ingestCfg config.IngestConfig,
) DocumentService {
	return &documentService{
		docRepo:          docRepo,
		conversationRepo: conversationRepo,
		index:            index,
		locker:           locker,
		objects:          objects,
		runner:           runner,
		producer:         producer,
		modelVersion:     modelVersion,
		uploadCfg:        uploadCfg,
		ingestCfg:        ingestCfg,
	}
}

// ValidateUpload 在入库前检查文件大小、扩展名与 PDF 文件头。
func ValidateUpload(fileName string, size int64, head []byte, cfg config.UploadConfig) error {
	if size > cfg.MaxBytes() {
		return fmt.Errorf("%w (%d bytes > %d MB)", model.ErrPayloadTooLarge, size, cfg.MaxSizeMB)
	}
	if !strings.EqualFold(filepath.Ext(fileName), ".pdf") || !pipeline.HasPDFHeader(head) {
		return model.ErrNotPDF
	}
	return nil
}

func (s *documentService) Ingest(ctx context.Context, userID uint, fileName string, data []byte) (*model.Document, error) {
	fileName = filepath.Base(fileName)
	if err := ValidateUpload(fileName, int64(len(data)), data, s.uploadCfg); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("documents/%d/%s.pdf", userID, uuid.NewString())
	if err := s.objects.PutObject(ctx, key, data, "application/pdf"); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}

	doc := &model.Document{
		UserID:       userID,
		FileName:     fileName,
		FileSize:     int64(len(data)),
		Status:       model.DocumentStatusProcessing,
		ModelVersion: s.modelVersion,
		ObjectKey:    key,
	}
	if err := s.docRepo.Create(doc); err != nil {
		s.removeObject(ctx, key)
		return nil, fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}
	log.Infof("[DocumentService] 文档已登记, documentID: %d, fileName: %s, size: %d", doc.ID, doc.FileName, doc.FileSize)

	if s.producer != nil {
		task := tasks.IngestionTask{DocumentID: doc.ID, UserID: userID, ObjectKey: key, FileName: fileName}
		if err := s.producer.ProduceIngestionTask(ctx, task); err != nil {
			log.Errorf("[DocumentService] 投递入库任务失败, documentID: %d, error: %v", doc.ID, err)
			s.discard(ctx, doc)
			return nil, fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
		}
		return doc, nil
	}

	// 入库不随客户端断开而中止
	timeout := time.Duration(s.ingestCfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.runner.Run(runCtx, doc, data); err != nil {
		s.discard(ctx, doc)
		return nil, err
	}
	return doc, nil
}

// discard 删除入库失败的文档记录与原始文件。
func (s *documentService) discard(ctx context.Context, doc *model.Document) {
	if err := s.docRepo.Delete(doc.UserID, doc.ID); err != nil {
		log.Errorf("[DocumentService] 清理失败文档记录出错, documentID: %d, error: %v", doc.ID, err)
	}
	s.removeObject(ctx, doc.ObjectKey)
}

func (s *documentService) removeObject(ctx context.Context, key string) {
	if key == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.objects.RemoveObject(cctx, key); err != nil {
		log.Warnf("[DocumentService] 删除原始文件失败, key: %s, error: %v", key, err)
	}
}

func (s *documentService) List(userID uint) ([]model.Document, error) {
	return s.docRepo.ListReadyByUser(userID)
}

func (s *documentService) Get(userID, documentID uint) (*model.Document, error) {
	doc, err := s.docRepo.FindByID(userID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status == model.DocumentStatusDeleting {
		return nil, model.ErrDocumentNotFound
	}
	return doc, nil
}

func (s *documentService) Delete(ctx context.Context, userID, documentID uint) error {
	doc, err := s.docRepo.FindByID(userID, documentID)
	if errors.Is(err, model.ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	release, err := s.locker.Acquire(ctx, documentID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.docRepo.UpdateStatus(documentID, model.DocumentStatusDeleting); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.index.Delete(dctx, userID, documentID); err != nil {
		log.Errorf("[DocumentService] 删除向量失败, documentID: %d, error: %v", documentID, err)
		s.restoreAfterFailedDelete(dctx, doc)
		return fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}
	if err := s.docRepo.Delete(userID, documentID); err != nil {
		// 向量已删除，文档保持 deleting 状态，对外不可见，可再次删除
		return err
	}

	if s.conversationRepo != nil {
		if err := s.conversationRepo.Delete(dctx, userID, documentID); err != nil {
			log.Warnf("[DocumentService] 删除对话记录失败, documentID: %d, error: %v", documentID, err)
		}
	}
	s.removeObject(ctx, doc.ObjectKey)
	log.Infof("[DocumentService] 文档已删除, documentID: %d", documentID)
	return nil
}

// restoreAfterFailedDelete 仅在索引完好时恢复原状态，否则保持 deleting 等待重试。
func (s *documentService) restoreAfterFailedDelete(ctx context.Context, doc *model.Document) {
	n, err := s.index.Count(ctx, doc.UserID, doc.ID)
	if err != nil || n != doc.ChunkCount {
		log.Warnf("[DocumentService] 索引可能已部分删除，文档保持 deleting, documentID: %d", doc.ID)
		return
	}
	if err := s.docRepo.UpdateStatus(doc.ID, doc.Status); err != nil {
		log.Errorf("[DocumentService] 恢复文档状态失败, documentID: %d, error: %v", doc.ID, err)
	}
}
