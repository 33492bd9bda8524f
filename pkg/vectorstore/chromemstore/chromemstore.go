// Package chromemstore 基于 chromem-go 嵌入式向量库实现向量索引，可选持久化到本地目录。
package chromemstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"

	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/vectorstore"
)

const (
	metaDocumentID = "document_id"
	metaSeq        = "_seq"
)

// Store 把每条 Entry 保存为 chromem 的一个 Document，只支持 cosine。
type Store struct {
	mu   sync.Mutex
	db   *chromem.DB
	col  *chromem.Collection
	spec vectorstore.Spec
	seq  int64
}

// New 创建 Store。path 为空时数据只保存在内存中。
func New(path string, compress bool) (*Store, error) {
	if path == "" {
		return &Store{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, errs.E(errs.Configuration, "chromem.open", err)
	}
	return &Store{db: db}, nil
}

// 向量总是由调用方提供，chromem 不需要自己生成 embedding。
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromemstore: embeddings must be supplied by the caller")
}

// Create 获取或创建集合。已有数据时用一次探测查询确认维度一致。
func (s *Store) Create(ctx context.Context, spec vectorstore.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Metric == "" {
		spec.Metric = vectorstore.Cosine
	}
	if spec.Metric != vectorstore.Cosine {
		return errs.Errorf(errs.Configuration, "chromem.create", "chromem only supports cosine, got %s", spec.Metric)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.col != nil {
		if s.spec.Name != spec.Name || s.spec.Dimension != spec.Dimension {
			return vectorstore.MismatchError(spec.Name, spec.Dimension, s.spec.Dimension, spec.Metric, s.spec.Metric)
		}
		return nil
	}

	col, err := s.db.GetOrCreateCollection(spec.Name, map[string]string{
		"dimension": strconv.Itoa(spec.Dimension),
		"metric":    string(spec.Metric),
	}, noEmbedding)
	if err != nil {
		return errs.E(errs.IndexUnavailable, "chromem.create", err)
	}
	if col.Count() > 0 {
		if _, err := col.QueryEmbedding(ctx, unitVector(spec.Dimension), 1, nil, nil); err != nil {
			return errs.Errorf(errs.Configuration, "chromem.create", "collection %q exists with a different dimension: %v", spec.Name, err)
		}
	}
	s.col = col
	s.spec = spec
	s.seq = int64(col.Count())
	return nil
}

// Upsert 先校验整批再写入；写入中途失败时返回已成功的 ID。
func (s *Store) Upsert(ctx context.Context, entries []vectorstore.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := vectorstore.ValidateEntries(s.spec, entries); err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(entries))
	for _, e := range entries {
		meta := vectorstore.CloneMetadata(e.Metadata)
		meta[metaDocumentID] = e.DocumentID
		s.seq++
		meta[metaSeq] = strconv.FormatInt(s.seq, 10)
		docs = append(docs, chromem.Document{
			ID:        e.ID,
			Metadata:  meta,
			Embedding: append([]float32(nil), e.Vector...),
			Content:   e.Text,
		})
	}

	// 持久化模式下逐条写入，才能知道失败时哪些已经落盘
	var succeeded []string
	for _, doc := range docs {
		if err := s.col.AddDocument(ctx, doc); err != nil {
			return &vectorstore.PartialError{Succeeded: succeeded, Err: errs.E(errs.IndexUnavailable, "chromem.upsert", err)}
		}
		succeeded = append(succeeded, doc.ID)
	}
	return nil
}

// Query 返回最相似的 k 条，k 超过集合大小时自动截断。
func (s *Store) Query(ctx context.Context, vector []float32, k int) ([]vectorstore.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := vectorstore.ValidateQuery(s.spec, vector, k); err != nil {
		return nil, err
	}
	n := s.col.Count()
	if n == 0 {
		return []vectorstore.Hit{}, nil
	}
	if k > n {
		k = n
	}
	results, err := s.col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, errs.E(errs.IndexUnavailable, "chromem.query", err)
	}

	hits := make([]vectorstore.Hit, 0, len(results))
	for _, r := range results {
		meta := vectorstore.CloneMetadata(r.Metadata)
		delete(meta, metaSeq)
		hits = append(hits, vectorstore.Hit{
			ID:         r.ID,
			DocumentID: r.Metadata[metaDocumentID],
			Text:       r.Content,
			Metadata:   meta,
			Score:      r.Similarity,
		})
	}
	sortHits(hits, results)
	return hits, nil
}

// sortHits 按分数降序，同分时按写入序号升序。
func sortHits(hits []vectorstore.Hit, results []chromem.Result) {
	seqs := make(map[string]int64, len(results))
	for _, r := range results {
		seq, _ := strconv.ParseInt(r.Metadata[metaSeq], 10, 64)
		seqs[r.ID] = seq
	}
	sort.SliceStable(hits, func(i, j int) bool { return less(hits[i], hits[j], seqs) })
}

func less(a, b vectorstore.Hit, seqs map[string]int64) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return seqs[a.ID] < seqs[b.ID]
}

// Delete 删除属于这些文档的记录，返回删除条数。
func (s *Store) Delete(ctx context.Context, documentIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.col == nil {
		return 0, errs.Errorf(errs.Configuration, "chromem.delete", "index has not been created")
	}
	removed := 0
	for _, id := range documentIDs {
		n, err := s.countLocked(ctx, id)
		if err != nil {
			return removed, err
		}
		if n == 0 {
			continue
		}
		if err := s.col.Delete(ctx, map[string]string{metaDocumentID: id}, nil); err != nil {
			return removed, errs.E(errs.IndexUnavailable, "chromem.delete", err)
		}
		removed += n
	}
	return removed, nil
}

// DeleteEntries 按记录 ID 删除，不存在的 ID 被忽略。
func (s *Store) DeleteEntries(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.col == nil {
		return errs.Errorf(errs.Configuration, "chromem.delete_entries", "index has not been created")
	}
	var existing []string
	for _, id := range ids {
		if _, err := s.col.GetByID(ctx, id); err == nil {
			existing = append(existing, id)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := s.col.Delete(ctx, nil, nil, existing...); err != nil {
		return errs.E(errs.IndexUnavailable, "chromem.delete_entries", err)
	}
	return nil
}

// Count 返回某个文档的记录数。
func (s *Store) Count(ctx context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.col == nil {
		return 0, errs.Errorf(errs.Configuration, "chromem.count", "index has not been created")
	}
	return s.countLocked(ctx, documentID)
}

// countLocked 用带 where 过滤的查询统计条数，chromem 没有单独的计数接口。
func (s *Store) countLocked(ctx context.Context, documentID string) (int, error) {
	total := s.col.Count()
	if total == 0 {
		return 0, nil
	}
	results, err := s.col.QueryEmbedding(ctx, unitVector(s.spec.Dimension), total, map[string]string{metaDocumentID: documentID}, nil)
	if err != nil {
		return 0, errs.E(errs.IndexUnavailable, "chromem.count", fmt.Errorf("document %s: %w", documentID, err))
	}
	return len(results), nil
}

func (s *Store) Close() error { return nil }

func unitVector(dim int) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	return v
}

var _ vectorstore.Index = (*Store)(nil)
