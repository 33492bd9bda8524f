// Package service 提供了搜索相关的业务逻辑。
package service

import (
	"context"

	"docuvector-go/pkg/log"
	"docuvector-go/pkg/vectorstore"
)

// Searcher 是 *pipeline.Pipeline 的检索部分。
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]vectorstore.Hit, error)
}

// SearchResult 是返回给调用方的一条检索结果。
type SearchResult struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Score    float32           `json:"score"`
}

// SearchService 接口定义了搜索操作。
type SearchService interface {
	// Search 返回与 query 最相似的 k 个分块，k 为 0 时使用默认值
	Search(ctx context.Context, query string, k int) ([]SearchResult, error)
}

type searchService struct {
	searcher Searcher
	defaultK int
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(searcher Searcher, defaultK int) SearchService {
	if defaultK < 1 {
		defaultK = 5
	}
	return &searchService{searcher: searcher, defaultK: defaultK}
}

func (s *searchService) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	if k == 0 {
		k = s.defaultK
	}
	log.Infof("[SearchService] 开始检索, query: '%s', k: %d", query, k)
	hits, err := s.searcher.Search(ctx, query, k)
	if err != nil {
		log.Warnw("[SearchService] 检索失败", "error", err)
		return nil, err
	}
	results := make([]SearchResult, len(hits))
	for i, h := range hits {
		results[i] = SearchResult{Text: h.Text, Metadata: h.Metadata, Score: h.Score}
	}
	log.Infof("[SearchService] 检索完成, 返回 %d 条结果", len(results))
	return results, nil
}
