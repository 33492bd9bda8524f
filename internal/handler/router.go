package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docuvector-go/internal/middleware"
	"docuvector-go/pkg/token"
)

// Handlers 汇总了所有路由处理器。
type Handlers struct {
	Document     *DocumentHandler
	Search       *SearchHandler
	Chat         *ChatHandler
	Conversation *ConversationHandler
	// Auth 为空时不开启鉴权
	Auth *AuthHandler
}

// NewRouter 创建 Gin 引擎并注册 /api/v1 下的所有路由。
// jwtManager 为空时受保护的路由不做鉴权。
func NewRouter(h Handlers, jwtManager *token.JWTManager) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiV1 := r.Group("/api/v1")

	if h.Auth != nil {
		apiV1.POST("/auth/token", h.Auth.IssueToken)
	}

	authed := apiV1.Group("")
	if jwtManager != nil {
		authed.Use(middleware.AuthMiddleware(jwtManager))
	}

	documents := authed.Group("/documents")
	{
		documents.POST("", h.Document.Upload)
		documents.POST("/async", h.Document.UploadAsync)
		documents.GET("", h.Document.ListDocuments)
		documents.GET("/supported-types", h.Document.SupportedTypes)
		documents.GET("/:id", h.Document.GetDocument)
		documents.GET("/:id/download", h.Document.DownloadURL)
		documents.DELETE("/:id", h.Document.DeleteDocument)
	}

	authed.POST("/search", h.Search.Search)

	chat := authed.Group("/chat")
	{
		chat.POST("", h.Chat.Chat)
		chat.GET("/ws", h.Chat.Stream)
	}

	authed.GET("/conversations/:id", h.Conversation.GetConversation)

	return r
}
