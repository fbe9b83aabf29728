package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"doc-intel-go/internal/config"
	"doc-intel-go/internal/model"
	"doc-intel-go/pkg/llm"
	"doc-intel-go/pkg/log"
)

// AnswerService 根据检索结果构造提示词并调用大模型生成答案。
type AnswerService interface {
	Compose(ctx context.Context, question string, result *model.RetrievalResult) (*model.Answer, error)
	// ComposeStream 把增量内容写入 writer，返回完整答案。
	ComposeStream(ctx context.Context, question string, result *model.RetrievalResult, writer llm.MessageWriter) (*model.Answer, error)
}

type answerService struct {
	llmClient llm.Client
	cfg       config.LLMConfig
	backoff   time.Duration
}

// NewAnswerService 创建一个新的 AnswerService 实例。
func NewAnswerService(llmClient llm.Client, cfg config.LLMConfig) AnswerService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	return &answerService{
		llmClient: llmClient,
		cfg:       cfg,
		backoff:   time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
	}
}

func (s *answerService) Compose(ctx context.Context, question string, result *model.RetrievalResult) (*model.Answer, error) {
	messages := s.buildMessages(question, result)
	gen := llm.ParamsFromConfig(s.cfg.Generation)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		text, err := s.llmClient.Chat(ctx, messages, gen)
		if err == nil {
			return s.answer(text, result), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warnf("[AnswerService] 第 %d 次调用大模型失败: %v", attempt, err)
		if attempt < s.cfg.MaxAttempts && !s.sleep(ctx, attempt) {
			return nil, ctx.Err()
		}
	}
	return s.apology(result), fmt.Errorf("%w: %v", model.ErrGenerationFailed, lastErr)
}

func (s *answerService) ComposeStream(ctx context.Context, question string, result *model.RetrievalResult, writer llm.MessageWriter) (*model.Answer, error) {
	messages := s.buildMessages(question, result)
	gen := llm.ParamsFromConfig(s.cfg.Generation)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		capture := &captureWriter{next: writer}
		err := s.llmClient.StreamChatMessages(ctx, messages, gen, capture)
		if err == nil && capture.buf.Len() > 0 {
			return s.answer(capture.buf.String(), result), nil
		}
		if err == nil {
			err = errors.New("stream ended without content")
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// 已经向客户端输出过内容，重试会产生重复文本
		if capture.buf.Len() > 0 {
			break
		}
		log.Warnf("[AnswerService] 第 %d 次流式调用大模型失败: %v", attempt, err)
		if attempt < s.cfg.MaxAttempts && !s.sleep(ctx, attempt) {
			return nil, ctx.Err()
		}
	}
	return s.apology(result), fmt.Errorf("%w: %v", model.ErrGenerationFailed, lastErr)
}

func (s *answerService) sleep(ctx context.Context, attempt int) bool {
	select {
	case <-time.After(s.backoff * time.Duration(attempt)):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *answerService) answer(text string, result *model.RetrievalResult) *model.Answer {
	return &model.Answer{
		Text:         strings.TrimSpace(text),
		Source:       sourceOf(result),
		ChunksUsed:   result.ChunksUsed(),
		BestDistance: result.BestDistance,
	}
}

// apology 是生成失败时返回给用户的固定答案，不包含任何模型输出。
func (s *answerService) apology(result *model.RetrievalResult) *model.Answer {
	return s.answer(s.cfg.Prompt.ApologyText, result)
}

func sourceOf(result *model.RetrievalResult) string {
	if result.Mode == model.ModeGrounded {
		return model.SourceDocument
	}
	return model.SourceGeneralKnowledge
}

func (s *answerService) buildMessages(question string, result *model.RetrievalResult) []llm.Message {
	var system string
	if result.Mode == model.ModeGrounded {
		system = s.buildGroundedPrompt(result.Context)
	} else {
		system = s.cfg.Prompt.FallbackRules
	}
	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: question},
	}
}

func (s *answerService) buildGroundedPrompt(chunks []model.ScoredChunk) string {
	var sys strings.Builder
	if s.cfg.Prompt.Rules != "" {
		sys.WriteString(s.cfg.Prompt.Rules)
		sys.WriteString("\n\n")
	}
	sys.WriteString(s.cfg.Prompt.RefStart)
	sys.WriteString("\n")
	for i, c := range chunks {
		fmt.Fprintf(&sys, "[%d] (page %d) %s\n", i+1, c.Chunk.Page, c.Chunk.Text)
	}
	sys.WriteString(s.cfg.Prompt.RefEnd)
	return sys.String()
}

// captureWriter 转发流式分块并记录完整答案。
type captureWriter struct {
	next llm.MessageWriter
	buf  strings.Builder
}

func (w *captureWriter) WriteMessage(messageType int, data []byte) error {
	w.buf.Write(data)
	if w.next == nil {
		return nil
	}
	return w.next.WriteMessage(messageType, data)
}
