package repository

import (
	"fmt"
	"time"

	"doc-intel-go/internal/model"

	"gorm.io/gorm"
)

// QueryRepository 保存文档问答记录。
type QueryRepository interface {
	// Create 仅在文档存在且未进入删除流程时写入，否则返回 model.ErrDocumentNotFound。
	Create(record *model.QueryRecord) error
	// ListByDocument 按时间倒序返回最近 limit 条记录，limit <= 0 表示不限制。
	ListByDocument(userID, documentID uint, limit int) ([]model.QueryRecord, error)
}

type queryRepository struct {
	db *gorm.DB
}

func NewQueryRepository(db *gorm.DB) QueryRepository {
	return &queryRepository{db: db}
}

// 检查与插入放在同一条语句里，避免与并发删除交错产生孤儿记录。
const insertQueryRecordSQL = `INSERT INTO queries (document_id, user_id, question, answer, source, chunks_used, best_distance, created_at)
SELECT ?, ?, ?, ?, ?, ?, ?, ? FROM documents WHERE id = ? AND user_id = ? AND status <> ?`

func (r *queryRepository) Create(record *model.QueryRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	res := r.db.Exec(insertQueryRecordSQL,
		record.DocumentID, record.UserID, record.Question, record.Answer, record.Source, record.ChunksUsed, record.BestDistance, record.CreatedAt,
		record.DocumentID, record.UserID, model.DocumentStatusDeleting,
	)
	if res.Error != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageFailure, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrDocumentNotFound
	}
	return nil
}

func (r *queryRepository) ListByDocument(userID, documentID uint, limit int) ([]model.QueryRecord, error) {
	var records []model.QueryRecord
	q := r.db.Where("user_id = ? AND document_id = ?", userID, documentID).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}
	return records, nil
}
