package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docuvector-go/internal/service"
	"docuvector-go/pkg/log"
)

// SearchHandler 结构体定义了搜索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// SearchRequest 是检索请求体，K 省略时使用默认值。
type SearchRequest struct {
	Query string `json:"query" binding:"required"`
	K     *int   `json:"k"`
}

// Search 处理相似度检索请求。
func (h *SearchHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[SearchHandler] 无效的请求体: %v", err)
		respond(c, http.StatusBadRequest, "无效的请求体：query 不能为空", nil)
		return
	}
	k := 0
	if req.K != nil {
		if *req.K < 1 {
			respond(c, http.StatusBadRequest, "k 必须大于等于 1", nil)
			return
		}
		k = *req.K
	}

	results, err := h.searchService.Search(c.Request.Context(), req.Query, k)
	if err != nil {
		respondError(c, "Search", err)
		return
	}
	respond(c, http.StatusOK, "success", results)
}
