package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"doc-intel-go/internal/metrics"
	"doc-intel-go/internal/model"
	"doc-intel-go/internal/repository"
	"doc-intel-go/pkg/llm"
	"doc-intel-go/pkg/log"
)

const persistTimeout = 5 * time.Second

// QueryService 负责针对单个文档的问答。
type QueryService interface {
	Ask(ctx context.Context, userID, documentID uint, question string) (*model.Answer, error)
	// AskStream 与 Ask 相同，但把答案增量写入 writer。
	AskStream(ctx context.Context, userID, documentID uint, question string, writer llm.MessageWriter) (*model.Answer, error)
	ListHistory(userID, documentID uint, limit int) ([]model.QueryRecord, error)
	GetConversation(ctx context.Context, userID, documentID uint) ([]model.ChatMessage, error)
}

type queryService struct {
	docRepo          repository.DocumentRepository
	queryRepo        repository.QueryRepository
	conversationRepo repository.ConversationRepository
	retrieval        RetrievalService
	answers          AnswerService
	modelVersion     string
	metrics          *metrics.Recorder
}

// NewQueryService 创建一个新的 QueryService 实例。modelVersion 为当前向量模型的版本。
func NewQueryService(
	docRepo repository.DocumentRepository,
	queryRepo repository.QueryRepository,
	conversationRepo repository.ConversationRepository,
	retrieval RetrievalService,
	answers AnswerService,
	modelVersion string,
	recorder *metrics.Recorder,
) QueryService {
	return &queryService{
		docRepo:          docRepo,
		queryRepo:        queryRepo,
		conversationRepo: conversationRepo,
		retrieval:        retrieval,
		answers:          answers,
		modelVersion:     modelVersion,
		metrics:          recorder,
	}
}

func (s *queryService) Ask(ctx context.Context, userID, documentID uint, question string) (*model.Answer, error) {
	return s.ask(ctx, userID, documentID, question, func(q string, result *model.RetrievalResult) (*model.Answer, error) {
		return s.answers.Compose(ctx, q, result)
	})
}

func (s *queryService) AskStream(ctx context.Context, userID, documentID uint, question string, writer llm.MessageWriter) (*model.Answer, error) {
	return s.ask(ctx, userID, documentID, question, func(q string, result *model.RetrievalResult) (*model.Answer, error) {
		return s.answers.ComposeStream(ctx, q, result, writer)
	})
}

type composeFunc func(question string, result *model.RetrievalResult) (*model.Answer, error)

func (s *queryService) ask(ctx context.Context, userID, documentID uint, question string, compose composeFunc) (*model.Answer, error) {
	start := time.Now()
	question = strings.TrimSpace(question)

	result, err := s.route(ctx, userID, documentID, question)
	if err != nil {
		s.metrics.RecordQuery(ctx, "", "", model.ErrorKind(err), nil, time.Since(start))
		return nil, err
	}

	answer, err := compose(question, result)
	if err != nil {
		s.metrics.RecordQuery(ctx, string(result.Intent), string(result.Mode), model.ErrorKind(err), result.BestDistance, time.Since(start))
		// GenerationFailed 时 answer 为道歉文案，交给调用方展示
		return answer, err
	}

	s.persist(ctx, userID, documentID, question, answer)
	s.metrics.RecordQuery(ctx, string(result.Intent), string(result.Mode), "ok", result.BestDistance, time.Since(start))
	log.Infow("[QueryService] 问答完成",
		"documentID", documentID,
		"intent", result.Intent,
		"mode", result.Mode,
		"chunksUsed", answer.ChunksUsed,
		"elapsed", time.Since(start).String(),
	)
	return answer, nil
}

// route 校验文档归属与状态后执行检索。未完成入库的文档直接走 fallback。
func (s *queryService) route(ctx context.Context, userID, documentID uint, question string) (*model.RetrievalResult, error) {
	if question == "" {
		return nil, fmt.Errorf("%w: question must not be empty", model.ErrPayloadRejected)
	}
	doc, err := s.docRepo.FindByID(userID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status == model.DocumentStatusDeleting {
		return nil, model.ErrDocumentNotFound
	}
	if !doc.Queryable() {
		log.Infof("[QueryService] 文档 %d 状态为 %s，使用 fallback", doc.ID, doc.Status)
		return model.FallbackResult(ClassifyIntent(question)), nil
	}
	if doc.ModelVersion != s.modelVersion {
		return nil, fmt.Errorf("%w: document indexed with %q, current model is %q", model.ErrModelVersionMismatch, doc.ModelVersion, s.modelVersion)
	}
	return s.retrieval.Retrieve(ctx, userID, documentID, question)
}

// persist 保存问答记录和对话记录，失败只记日志。
func (s *queryService) persist(ctx context.Context, userID, documentID uint, question string, answer *model.Answer) {
	record := &model.QueryRecord{
		DocumentID:   documentID,
		UserID:       userID,
		Question:     question,
		Answer:       answer.Text,
		Source:       answer.Source,
		ChunksUsed:   answer.ChunksUsed,
		BestDistance: answer.BestDistance,
	}
	if err := s.queryRepo.Create(record); err != nil {
		if errors.Is(err, model.ErrDocumentNotFound) {
			// 回答期间文档被删除
			log.Infof("[QueryService] 文档 %d 已删除，丢弃问答记录", documentID)
			return
		}
		log.Errorf("[QueryService] 保存问答记录失败: %v", err)
	}

	if s.conversationRepo == nil {
		return
	}
	// 客户端断开后仍然保存已经生成的答案
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.conversationRepo.AppendExchange(pctx, userID, documentID, question, answer.Text); err != nil {
		log.Errorf("[QueryService] 保存对话记录失败: %v", err)
	}
}

func (s *queryService) ListHistory(userID, documentID uint, limit int) ([]model.QueryRecord, error) {
	if _, err := s.docRepo.FindByID(userID, documentID); err != nil {
		return nil, err
	}
	return s.queryRepo.ListByDocument(userID, documentID, limit)
}

func (s *queryService) GetConversation(ctx context.Context, userID, documentID uint) ([]model.ChatMessage, error) {
	if _, err := s.docRepo.FindByID(userID, documentID); err != nil {
		return nil, err
	}
	if s.conversationRepo == nil {
		return []model.ChatMessage{}, nil
	}
	messages, err := s.conversationRepo.GetHistory(ctx, userID, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageFailure, err)
	}
	return messages, nil
}
