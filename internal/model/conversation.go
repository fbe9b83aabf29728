package model

import "time"

// ChatMessage 代表存储在 Redis 中的单条对话消息。
type ChatMessage struct {
	Role      string    `json:"role"` // "user" 或 "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// QueryRecord 记录一次针对文档的问答，随文档一起删除。
type QueryRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DocumentID   uint      `gorm:"index;not null" json:"document_id"`
	UserID       uint      `gorm:"index;not null" json:"user_id"`
	Question     string    `gorm:"type:text;not null" json:"question"`
	Answer       string    `gorm:"type:text;not null" json:"answer"`
	Source       string    `gorm:"type:varchar(50);not null;default:document" json:"source"`
	ChunksUsed   int       `gorm:"not null;default:0" json:"chunks_used"`
	BestDistance *float64  `json:"best_distance"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (QueryRecord) TableName() string {
	return "queries"
}
