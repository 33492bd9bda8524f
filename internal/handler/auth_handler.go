package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docuvector-go/pkg/log"
	"docuvector-go/pkg/token"
)

// AuthHandler 负责用 API Key 换取 JWT。
type AuthHandler struct {
	keys       *token.KeyStore
	jwtManager *token.JWTManager
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(keys *token.KeyStore, jwtManager *token.JWTManager) *AuthHandler {
	return &AuthHandler{keys: keys, jwtManager: jwtManager}
}

// TokenRequest 定义了换取 token API 的请求体结构。
type TokenRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

// IssueToken 校验 API Key 并签发访问令牌。
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载：api_key 不能为空", nil)
		return
	}

	name, err := h.keys.Authenticate(req.APIKey)
	if err != nil {
		respondError(c, "IssueToken", err)
		return
	}
	tokenString, expiresAt, err := h.jwtManager.GenerateToken(name)
	if err != nil {
		respondError(c, "IssueToken", err)
		return
	}

	log.Infof("已为 %s 签发 token", name)
	respond(c, http.StatusOK, "success", gin.H{
		"token":      tokenString,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
}
