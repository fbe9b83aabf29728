// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"
	"fmt"

	"doc-intel-go/internal/model"

	"gorm.io/gorm"
)

// DocumentRepository 接口定义了文档元数据的持久化操作。所有读取都以 userID 为过滤条件。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByID(userID, documentID uint) (*model.Document, error)
	FindByFileName(userID uint, fileName string) (*model.Document, error)
	ListReadyByUser(userID uint) ([]model.Document, error)
	// MarkReady 只在文档仍处于 processing 时生效，返回是否更新成功。
	MarkReady(documentID uint, pageCount, chunkCount int) (bool, error)
	UpdateStatus(documentID uint, status string) error
	// Delete 在同一事务中删除文档及其问答记录。
	Delete(userID, documentID uint) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Migrate 自动迁移文档与问答记录表。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Document{}, &model.QueryRecord{})
}

func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByID 查找属于 userID 的文档，其他用户的文档一律视为不存在。
func (r *documentRepository) FindByID(userID, documentID uint) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("id = ? AND user_id = ?", documentID, userID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}
	return &doc, nil
}

func (r *documentRepository) FindByFileName(userID uint, fileName string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("user_id = ? AND file_name = ?", userID, fileName).
		Where("status IN ?", []string{model.DocumentStatusProcessing, model.DocumentStatusReady}).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}
	return &doc, nil
}

// ListReadyByUser 按上传时间倒序返回用户已就绪的文档。
func (r *documentRepository) ListReadyByUser(userID uint) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Where("user_id = ? AND status = ?", userID, model.DocumentStatusReady).
		Order("upload_date desc, id desc").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}
	return docs, nil
}

func (r *documentRepository) MarkReady(documentID uint, pageCount, chunkCount int) (bool, error) {
	res := r.db.Model(&model.Document{}).
		Where("id = ? AND status = ?", documentID, model.DocumentStatusProcessing).
		Updates(map[string]interface{}{
			"status":      model.DocumentStatusReady,
			"page_count":  pageCount,
			"chunk_count": chunkCount,
		})
	if res.Error != nil {
		return false, fmt.Errorf("%w: %v", model.ErrStorageFailure, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *documentRepository) UpdateStatus(documentID uint, status string) error {
	err := r.db.Model(&model.Document{}).Where("id = ?", documentID).Update("status", status).Error
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}
	return nil
}

func (r *documentRepository) Delete(userID, documentID uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		// 先删文档行，并发的问答写入会在该行上等待，提交后不再命中
		if err := tx.Where("id = ? AND user_id = ?", documentID, userID).Delete(&model.Document{}).Error; err != nil {
			return err
		}
		return tx.Where("document_id = ? AND user_id = ?", documentID, userID).Delete(&model.QueryRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}
	return nil
}
