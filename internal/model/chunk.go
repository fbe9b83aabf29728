package model

import "fmt"

// Page 是提取器输出的一页文本，Number 从 1 开始。
type Page struct {
	Number int
	Text   string
}

// ChunkSpan 是分块器输出的一个文本片段。Page 为片段起始位置所在的页码。
type ChunkSpan struct {
	Index int
	Text  string
	Page  int
}

// IndexedChunk 是写入向量索引的最小单元，创建后不可修改。
type IndexedChunk struct {
	DocumentID   uint
	UserID       uint
	Index        int
	Page         int
	Text         string
	Vector       []float32
	ModelVersion string
}

// ID 返回分块在索引中的唯一标识，同一文档重复写入时覆盖原值。
func (c IndexedChunk) ID() string {
	return ChunkID(c.DocumentID, c.Index)
}

// ChunkID 由文档 ID 与分块序号拼出索引主键。
func ChunkID(documentID uint, index int) string {
	return fmt.Sprintf("%d_%d", documentID, index)
}

// ScoredChunk 是一次检索命中的分块及其余弦距离（0 表示方向相同，最大为 2）。
type ScoredChunk struct {
	Chunk    IndexedChunk
	Distance float64
}

// VectorQuery 描述一次向量检索。UserID 与 DocumentID 是强制过滤条件。
type VectorQuery struct {
	UserID       uint
	DocumentID   uint
	Vector       []float32
	K            int
	ModelVersion string
}

// EsDocument 定义了存储在 Elasticsearch 中的分块文档结构。
type EsDocument struct {
	VectorID     string    `json:"vector_id"`
	DocumentID   uint      `json:"document_id"`
	UserID       uint      `json:"user_id"`
	ChunkIndex   int       `json:"chunk_index"`
	Page         int       `json:"page"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector,omitempty"`
	ModelVersion string    `json:"model_version"`
}

// ToEsDocument 将分块转换为 Elasticsearch 文档。
func (c IndexedChunk) ToEsDocument() EsDocument {
	return EsDocument{
		VectorID:     c.ID(),
		DocumentID:   c.DocumentID,
		UserID:       c.UserID,
		ChunkIndex:   c.Index,
		Page:         c.Page,
		TextContent:  c.Text,
		Vector:       c.Vector,
		ModelVersion: c.ModelVersion,
	}
}

// ToIndexedChunk 将 Elasticsearch 文档还原为分块。
func (d EsDocument) ToIndexedChunk() IndexedChunk {
	return IndexedChunk{
		DocumentID:   d.DocumentID,
		UserID:       d.UserID,
		Index:        d.ChunkIndex,
		Page:         d.Page,
		Text:         d.TextContent,
		Vector:       d.Vector,
		ModelVersion: d.ModelVersion,
	}
}
