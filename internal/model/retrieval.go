package model

// Intent 是对问题意图的二分类结果。
type Intent string

const (
	IntentSummary  Intent = "summary"
	IntentTargeted Intent = "targeted"
)

// RetrievalMode 决定答案是基于文档还是基于通用知识生成。
type RetrievalMode string

const (
	ModeGrounded RetrievalMode = "grounded"
	ModeFallback RetrievalMode = "fallback"
)

// 答案来源。
const (
	SourceDocument         = "document"
	SourceGeneralKnowledge = "general_knowledge"
)

// RetrievalResult 是一次问题检索的结果，只在单次查询内有效。
type RetrievalResult struct {
	Intent  Intent
	Mode    RetrievalMode
	Matches []ScoredChunk
	// Context 是最终交给大模型的分块，fallback 模式下为空。
	Context []ScoredChunk
	// BestDistance 为 nil 表示没有任何分块可供比较。
	BestDistance *float64
}

// ChunksUsed 返回用于生成答案的分块数量。
func (r *RetrievalResult) ChunksUsed() int {
	return len(r.Context)
}

// FallbackResult 构造一个没有任何检索命中的 fallback 结果。
func FallbackResult(intent Intent) *RetrievalResult {
	return &RetrievalResult{Intent: intent, Mode: ModeFallback}
}

// Answer 是返回给调用方的最终答案。
type Answer struct {
	Text         string   `json:"answer"`
	Source       string   `json:"source"`
	ChunksUsed   int      `json:"chunks_used"`
	BestDistance *float64 `json:"best_distance"`
}
