package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docuvector-go/internal/service"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// GetConversation 返回一个会话的历史消息。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	history, err := h.service.GetConversationHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "GetConversation", err)
		return
	}
	respond(c, http.StatusOK, "success", history)
}
