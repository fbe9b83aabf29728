package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"doc-intel-go/internal/model"

	"github.com/go-redis/redis/v8"
)

const (
	conversationMaxMessages = 20
	conversationTTL         = 7 * 24 * time.Hour
)

// ConversationRepository 定义了按文档划分的对话记录操作接口。
type ConversationRepository interface {
	GetHistory(ctx context.Context, userID, documentID uint) ([]model.ChatMessage, error)
	// AppendExchange 追加一轮问答，只保留最近 20 条消息。
	AppendExchange(ctx context.Context, userID, documentID uint, question, answer string) error
	Delete(ctx context.Context, userID, documentID uint) error
}

type redisConversationRepository struct {
	redisClient *redis.Client
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(redisClient *redis.Client) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient}
}

func conversationKey(userID, documentID uint) string {
	return fmt.Sprintf("conversation:%d:%d", userID, documentID)
}

// GetHistory 从 Redis 获取对话记录，没有记录时返回空切片。
func (r *redisConversationRepository) GetHistory(ctx context.Context, userID, documentID uint) ([]model.ChatMessage, error) {
	jsonData, err := r.redisClient.Get(ctx, conversationKey(userID, documentID)).Result()
	if err == redis.Nil {
		return []model.ChatMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation history: %w", err)
	}
	return messages, nil
}

func (r *redisConversationRepository) AppendExchange(ctx context.Context, userID, documentID uint, question, answer string) error {
	messages, err := r.GetHistory(ctx, userID, documentID)
	if err != nil {
		return err
	}
	now := time.Now()
	messages = append(messages,
		model.ChatMessage{Role: "user", Content: question, Timestamp: now},
		model.ChatMessage{Role: "assistant", Content: answer, Timestamp: now},
	)
	if len(messages) > conversationMaxMessages {
		messages = messages[len(messages)-conversationMaxMessages:]
	}
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	if err := r.redisClient.Set(ctx, conversationKey(userID, documentID), jsonData, conversationTTL).Err(); err != nil {
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
	return nil
}

func (r *redisConversationRepository) Delete(ctx context.Context, userID, documentID uint) error {
	if err := r.redisClient.Del(ctx, conversationKey(userID, documentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation history: %w", err)
	}
	return nil
}
