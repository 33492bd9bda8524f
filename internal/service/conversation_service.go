package service

import (
	"context"
	"strings"

	"docuvector-go/internal/model"
	"docuvector-go/internal/repository"
	"docuvector-go/pkg/errs"
)

// ConversationService 接口定义了会话历史相关的操作。
type ConversationService interface {
	GetConversationHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error)
}

type conversationService struct {
	repo repository.ConversationRepository
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(repo repository.ConversationRepository) ConversationService {
	return &conversationService{repo: repo}
}

// GetConversationHistory 返回会话的全部消息，会话不存在时返回空列表。
func (s *conversationService) GetConversationHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errs.Errorf(errs.InvalidInput, "conversation.history", "conversation id is required")
	}
	history, err := s.repo.GetConversationHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []model.ChatMessage{}
	}
	return history, nil
}
