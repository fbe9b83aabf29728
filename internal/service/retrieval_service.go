// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"doc-intel-go/internal/config"
	"doc-intel-go/internal/model"
	"doc-intel-go/internal/repository"
	"doc-intel-go/pkg/embedding"
	"doc-intel-go/pkg/log"
)

// summaryKeywords 命中任一关键词即视为概括类问题。
var summaryKeywords = []string{
	"summarize", "summarise", "summary", "overview", "main points", "key points",
	"key takeaways", "outline", "gist", "tl;dr", "tldr", "what is this document about",
	"what's this document about", "总结", "概括", "摘要", "主要内容",
}

// ClassifyIntent 基于关键词判断问题是概括整篇文档还是针对某个细节。
func ClassifyIntent(question string) model.Intent {
	q := strings.ToLower(question)
	for _, kw := range summaryKeywords {
		if strings.Contains(q, kw) {
			return model.IntentSummary
		}
	}
	return model.IntentTargeted
}

// RetrievalService 为问题挑选上下文分块，并决定走 grounded 还是 fallback。
type RetrievalService interface {
	Retrieve(ctx context.Context, userID, documentID uint, question string) (*model.RetrievalResult, error)
}

type retrievalService struct {
	embedder embedding.Client
	index    repository.VectorIndex
	cfg      config.RAGConfig
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(embedder embedding.Client, index repository.VectorIndex, cfg config.RAGConfig) RetrievalService {
	return &retrievalService{embedder: embedder, index: index, cfg: cfg}
}

func (s *retrievalService) topK(intent model.Intent) int {
	if intent == model.IntentSummary {
		return s.cfg.SummaryTopK
	}
	return s.cfg.DefaultTopK
}

// Retrieve 检索与问题最接近的分块。
//
// 没有命中或最佳距离超过阈值时返回 fallback 结果。否则概括类问题使用全部命中，
// 针对性问题只保留距离不超过 阈值+context_margin 的分块。
func (s *retrievalService) Retrieve(ctx context.Context, userID, documentID uint, question string) (*model.RetrievalResult, error) {
	intent := ClassifyIntent(question)

	vector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	hits, err := s.index.Query(ctx, model.VectorQuery{
		UserID:       userID,
		DocumentID:   documentID,
		Vector:       vector,
		K:            s.topK(intent),
		ModelVersion: s.embedder.ModelVersion(),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}

	if len(hits) == 0 {
		log.Infof("[RetrievalService] 文档 %d 没有任何命中，使用 fallback", documentID)
		return model.FallbackResult(intent), nil
	}

	best := hits[0].Distance
	result := &model.RetrievalResult{Intent: intent, Matches: hits, BestDistance: &best}
	if best > s.cfg.DistanceThreshold {
		result.Mode = model.ModeFallback
		log.Infof("[RetrievalService] 最佳距离 %.4f 超过阈值 %.4f，使用 fallback", best, s.cfg.DistanceThreshold)
		return result, nil
	}

	result.Mode = model.ModeGrounded
	if intent == model.IntentSummary {
		result.Context = hits
	} else {
		limit := s.cfg.DistanceThreshold + s.cfg.ContextMargin
		for _, h := range hits {
			if h.Distance <= limit {
				result.Context = append(result.Context, h)
			}
		}
	}
	log.Infof("[RetrievalService] intent=%s, 命中 %d 个分块, 使用 %d 个, 最佳距离 %.4f", intent, len(hits), len(result.Context), best)
	return result, nil
}
