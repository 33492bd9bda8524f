package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"docuvector-go/internal/config"
	"docuvector-go/internal/model"
	"docuvector-go/internal/repository"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/llm"
	"docuvector-go/pkg/log"
)

// 与分块大小对齐，尽量不截断分块内容
const maxSnippetLen = 1000

// ChatRequest 是一次问答请求。
type ChatRequest struct {
	Question string `json:"question"`
	// ConversationID 为空时开启新会话
	ConversationID string `json:"conversation_id"`
	K              int    `json:"k"`
}

// ChatResponse 是问答结果。
type ChatResponse struct {
	Answer         string         `json:"answer"`
	Sources        []SearchResult `json:"sources"`
	ConversationID string         `json:"conversation_id"`
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	// Chat 检索上下文并调用 LLM 回答。writer 非空时流式接收回答分块
	Chat(ctx context.Context, req ChatRequest, writer llm.MessageWriter) (*ChatResponse, error)
}

type chatService struct {
	searchService    SearchService
	llmClient        llm.Client
	conversationRepo repository.ConversationRepository
	prompt           config.LLMPromptConfig
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(searchService SearchService, llmClient llm.Client, conversationRepo repository.ConversationRepository, prompt config.LLMPromptConfig) ChatService {
	if prompt.RefStart == "" {
		prompt.RefStart = "<<REF>>"
	}
	if prompt.RefEnd == "" {
		prompt.RefEnd = "<<END>>"
	}
	if prompt.NoResultText == "" {
		prompt.NoResultText = "（本轮无检索结果）"
	}
	return &chatService{
		searchService:    searchService,
		llmClient:        llmClient,
		conversationRepo: conversationRepo,
		prompt:           prompt,
	}
}

// Chat 协调 RAG 流程：检索 → 组装提示词 → 调用 LLM → 保存会话。
func (s *chatService) Chat(ctx context.Context, req ChatRequest, writer llm.MessageWriter) (*ChatResponse, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, errs.Errorf(errs.InvalidInput, "chat", "question must not be empty")
	}
	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	// 1. 检索上下文
	sources, err := s.searchService.Search(ctx, question, req.K)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve context: %w", err)
	}

	// 2. 构建 system 消息与历史
	systemMsg := s.buildSystemMessage(buildContextText(sources))
	history, err := s.conversationRepo.GetConversationHistory(ctx, convID)
	if err != nil {
		log.Errorf("Failed to load conversation history: %v", err)
		history = nil
	}
	messages := composeMessages(systemMsg, history, question)

	// 3. 流式调用 LLM，同时捕获完整回答
	answer := &answerCollector{next: writer}
	if err := s.llmClient.StreamChatMessages(ctx, messages, nil, answer); err != nil {
		return nil, err
	}

	// 4. 保存会话，即使请求已被取消也保留已生成的回答
	full := answer.String()
	if full != "" {
		now := time.Now()
		err = s.conversationRepo.AppendMessages(context.WithoutCancel(ctx), convID,
			model.ChatMessage{Role: model.RoleUser, Content: question, Timestamp: now},
			model.ChatMessage{Role: model.RoleAssistant, Content: full, Timestamp: now},
		)
		if err != nil {
			log.Errorf("Failed to save conversation history: %v", err)
		}
	}

	return &ChatResponse{Answer: full, Sources: sources, ConversationID: convID}, nil
}

// buildContextText 把检索结果编号拼接为上下文。
func buildContextText(results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range results {
		snippet := r.Text
		if runes := []rune(snippet); len(runes) > maxSnippetLen {
			snippet = string(runes[:maxSnippetLen]) + "…"
		}
		label := r.Metadata["source"]
		if label == "" {
			label = "unknown"
		}
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, label, snippet)
	}
	return b.String()
}

func (s *chatService) buildSystemMessage(contextText string) string {
	var sys strings.Builder
	if s.prompt.Rules != "" {
		sys.WriteString(s.prompt.Rules)
		sys.WriteString("\n\n")
	}
	sys.WriteString(s.prompt.RefStart)
	sys.WriteString("\n")
	if contextText != "" {
		sys.WriteString(contextText)
	} else {
		sys.WriteString(s.prompt.NoResultText)
		sys.WriteString("\n")
	}
	sys.WriteString(s.prompt.RefEnd)
	return sys.String()
}

func composeMessages(systemMsg string, history []model.ChatMessage, question string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemMsg})
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: model.RoleUser, Content: question})
}

// answerCollector 拼接完整回答，并把分块转发给下游 writer。
type answerCollector struct {
	llm.BufferWriter
	next llm.MessageWriter
}

func (a *answerCollector) WriteMessage(messageType int, data []byte) error {
	_ = a.BufferWriter.WriteMessage(messageType, data)
	if a.next == nil {
		return nil
	}
	return a.next.WriteMessage(messageType, data)
}
