package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"docuvector-go/internal/model"
	"docuvector-go/pkg/errs"
)

const conversationTTL = 7 * 24 * time.Hour

// ConversationRepository 定义了对话历史记录的操作接口。
type ConversationRepository interface {
	GetConversationHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error)
	// AppendMessages 追加消息，只保留最近的若干条
	AppendMessages(ctx context.Context, conversationID string, messages ...model.ChatMessage) error
}

type redisConversationRepository struct {
	redisClient *redis.Client
	maxMessages int
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例，最多保留 maxMessages 条消息。
func NewConversationRepository(redisClient *redis.Client, maxMessages int) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient, maxMessages: maxMessages}
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s", conversationID)
}

// GetConversationHistory 从 Redis 获取对话历史记录。
func (r *redisConversationRepository) GetConversationHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	jsonData, err := r.redisClient.Get(ctx, conversationKey(conversationID)).Result()
	if err == redis.Nil {
		return []model.ChatMessage{}, nil
	}
	if err != nil {
		return nil, errs.E(errs.TransientService, "conversation.get", fmt.Errorf("failed to get conversation history: %w", err))
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, errs.E(errs.Other, "conversation.get", fmt.Errorf("failed to unmarshal conversation history: %w", err))
	}
	return messages, nil
}

// AppendMessages 在 Redis 中更新对话历史记录。
func (r *redisConversationRepository) AppendMessages(ctx context.Context, conversationID string, messages ...model.ChatMessage) error {
	history, err := r.GetConversationHistory(ctx, conversationID)
	if err != nil {
		return err
	}
	history = trimHistory(append(history, messages...), r.maxMessages)
	jsonData, err := json.Marshal(history)
	if err != nil {
		return errs.E(errs.Other, "conversation.append", fmt.Errorf("failed to marshal conversation history: %w", err))
	}
	if err := r.redisClient.Set(ctx, conversationKey(conversationID), jsonData, conversationTTL).Err(); err != nil {
		return errs.E(errs.TransientService, "conversation.append", fmt.Errorf("failed to set conversation history: %w", err))
	}
	return nil
}

func trimHistory(messages []model.ChatMessage, max int) []model.ChatMessage {
	if max > 0 && len(messages) > max {
		return messages[len(messages)-max:]
	}
	return messages
}

type memoryConversationRepository struct {
	mu          sync.Mutex
	maxMessages int
	histories   map[string][]model.ChatMessage
}

// NewMemoryConversationRepository 在未配置 Redis 时使用。
func NewMemoryConversationRepository(maxMessages int) ConversationRepository {
	return &memoryConversationRepository{maxMessages: maxMessages, histories: make(map[string][]model.ChatMessage)}
}

func (r *memoryConversationRepository) GetConversationHistory(_ context.Context, conversationID string) ([]model.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ChatMessage{}, r.histories[conversationID]...), nil
}

func (r *memoryConversationRepository) AppendMessages(_ context.Context, conversationID string, messages ...model.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histories[conversationID] = trimHistory(append(r.histories[conversationID], messages...), r.maxMessages)
	return nil
}
