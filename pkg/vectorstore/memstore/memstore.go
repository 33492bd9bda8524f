// Package memstore 是进程内暴力检索的向量索引，用于本地开发、CLI 和测试。
package memstore

import (
	"context"
	"sort"
	"sync"

	"docuvector-go/pkg/vectorstore"
)

type record struct {
	entry vectorstore.Entry
	mag   float64
	seq   uint64 // 首次插入顺序，覆盖写入时保持不变
}

// Store 按插入顺序保存记录，查询时逐条计算分数。
type Store struct {
	mu      sync.RWMutex
	spec    vectorstore.Spec
	records map[string]*record
	nextSeq uint64
}

// New 创建一个空的内存索引。
func New() *Store {
	return &Store{records: make(map[string]*record)}
}

// Create 声明索引。重复创建同样的 Spec 不做任何事。
func (s *Store) Create(_ context.Context, spec vectorstore.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Metric == "" {
		spec.Metric = vectorstore.Cosine
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spec.Dimension != 0 {
		if s.spec.Dimension != spec.Dimension || s.spec.Metric != spec.Metric {
			return vectorstore.MismatchError(spec.Name, spec.Dimension, s.spec.Dimension, spec.Metric, s.spec.Metric)
		}
		return nil
	}
	s.spec = spec
	return nil
}

// Upsert 在一把锁内写入整批记录，校验失败时不写入任何记录。
func (s *Store) Upsert(_ context.Context, entries []vectorstore.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := vectorstore.ValidateEntries(s.spec, entries); err != nil {
		return err
	}
	for _, e := range entries {
		e.Vector = append([]float32(nil), e.Vector...)
		e.Metadata = vectorstore.CloneMetadata(e.Metadata)
		if existing, ok := s.records[e.ID]; ok {
			existing.entry = e
			existing.mag = vectorstore.Magnitude(e.Vector)
			continue
		}
		s.nextSeq++
		s.records[e.ID] = &record{entry: e, mag: vectorstore.Magnitude(e.Vector), seq: s.nextSeq}
	}
	return nil
}

// Query 返回分数最高的 k 条记录，同分按插入顺序。
func (s *Store) Query(_ context.Context, vector []float32, k int) ([]vectorstore.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := vectorstore.ValidateQuery(s.spec, vector, k); err != nil {
		return nil, err
	}

	ordered := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		ordered = append(ordered, r)
	}
	sortBySeq(ordered)

	qMag := vectorstore.Magnitude(vector)
	hits := make([]vectorstore.Hit, 0, len(ordered))
	for _, r := range ordered {
		score, err := vectorstore.Score(s.spec.Metric, vector, r.entry.Vector, qMag, r.mag)
		if err != nil {
			return nil, err
		}
		hits = append(hits, vectorstore.Hit{
			ID:         r.entry.ID,
			DocumentID: r.entry.DocumentID,
			Text:       r.entry.Text,
			Metadata:   vectorstore.CloneMetadata(r.entry.Metadata),
			Score:      score,
		})
	}
	vectorstore.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete 删除属于这些文档的所有记录，返回删除条数。
func (s *Store) Delete(_ context.Context, documentIDs []string) (int, error) {
	want := make(map[string]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.records {
		if _, ok := want[r.entry.DocumentID]; ok {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// DeleteEntries 按记录 ID 删除，不存在的 ID 被忽略。
func (s *Store) DeleteEntries(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

// Count 返回某个文档的记录数。
func (s *Store) Count(_ context.Context, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.entry.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

// Len 返回索引中的记录总数。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error { return nil }

func sortBySeq(rs []*record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].seq < rs[j].seq })
}

var _ vectorstore.Index = (*Store)(nil)
