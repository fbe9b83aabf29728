// Package model 定义了与数据库表对应的 Go 结构体以及检索引擎的领域类型。
package model

import "time"

// 文档生命周期状态。只有 ready 状态的文档可以被列出和检索。
const (
	DocumentStatusProcessing = "processing"
	DocumentStatusReady      = "ready"
	DocumentStatusFailed     = "failed"
	DocumentStatusDeleting   = "deleting"
)

// Document 定义了 documents 表的 ORM 模型。
// 除 chunk_count、page_count 与状态外，记录创建后不再修改。
type Document struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint      `gorm:"index;not null" json:"user_id"`
	FileName     string    `gorm:"type:varchar(255);not null" json:"filename"`
	FileSize     int64     `gorm:"not null" json:"file_size"`
	PageCount    int       `gorm:"not null;default:0" json:"page_count"`
	ChunkCount   int       `gorm:"not null;default:0" json:"chunk_count"`
	Status       string    `gorm:"type:varchar(16);not null;index" json:"status"`
	ModelVersion string    `gorm:"type:varchar(128);not null" json:"model_version"`
	ObjectKey    string    `gorm:"type:varchar(512)" json:"-"`
	UploadDate   time.Time `gorm:"autoCreateTime" json:"upload_date"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// Queryable 报告文档是否已完成入库。
func (d *Document) Queryable() bool {
	return d.Status == DocumentStatusReady
}
