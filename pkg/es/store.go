package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
	"docuvector-go/pkg/vectorstore"
)

// maxK 是 knn 查询 num_candidates 的上限。
const maxK = 10000

// Store 把每条 Entry 保存为一个 ES 文档，_id 即 Entry.ID。
type Store struct {
	client *elasticsearch.Client

	mu   sync.RWMutex
	spec vectorstore.Spec

	seq atomic.Int64
}

// esEntry 是写入 ES 的文档结构。
type esEntry struct {
	EntryID     string            `json:"entry_id"`
	DocumentID  string            `json:"document_id"`
	TextContent string            `json:"text_content"`
	Metadata    map[string]string `json:"metadata"`
	Seq         int64             `json:"seq"`
	Vector      []float32         `json:"vector,omitempty"`
}

// NewStore 使用已有客户端创建向量索引。
func NewStore(client *elasticsearch.Client) *Store {
	s := &Store{client: client}
	s.seq.Store(time.Now().UnixNano())
	return s
}

func similarity(m vectorstore.Metric) string {
	switch m {
	case vectorstore.Euclidean:
		return "l2_norm"
	case vectorstore.DotProduct:
		return "max_inner_product"
	default:
		return "cosine"
	}
}

func metricOf(similarity string) vectorstore.Metric {
	switch similarity {
	case "l2_norm":
		return vectorstore.Euclidean
	case "max_inner_product", "dot_product":
		return vectorstore.DotProduct
	default:
		return vectorstore.Cosine
	}
}

// fromESScore 把 ES knn 的 _score 还原为 vectorstore 的分数定义。
func fromESScore(m vectorstore.Metric, s float64) float32 {
	switch m {
	case vectorstore.Euclidean:
		// ES: 1 / (1 + l2^2)
		if s <= 0 {
			return 0
		}
		d := math.Sqrt(math.Max(1/s-1, 0))
		return float32(1 / (1 + d))
	case vectorstore.DotProduct:
		// ES: dot < 0 ? 1 / (1 - dot) : dot + 1
		if s < 1 {
			return float32(1 - 1/s)
		}
		return float32(s - 1)
	default:
		// ES: (1 + cos) / 2
		return float32(2*s - 1)
	}
}

// Create 检查索引是否存在：不存在则按 Spec 建立 mapping，存在则校验 dims 和 similarity。
func (s *Store) Create(ctx context.Context, spec vectorstore.Spec) error {
	const op = "es.create"
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Metric == "" {
		spec.Metric = vectorstore.Cosine
	}

	res, err := esapi.IndicesExistsRequest{Index: []string{spec.Name}}.Do(ctx, s.client)
	if err != nil {
		return errs.E(errs.IndexUnavailable, op, fmt.Errorf("检查索引是否存在时出错: %w", err))
	}
	res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		dims, sim, err := s.mapping(ctx, spec.Name)
		if err != nil {
			return err
		}
		if dims != spec.Dimension || metricOf(sim) != spec.Metric {
			return vectorstore.MismatchError(spec.Name, spec.Dimension, dims, spec.Metric, metricOf(sim))
		}
		log.Infof("[ES] 索引 '%s' 已存在, dims=%d", spec.Name, dims)
	case http.StatusNotFound:
		if err := s.createIndex(ctx, spec); err != nil {
			return err
		}
		log.Infof("[ES] 索引 '%s' 创建成功, dims=%d, similarity=%s", spec.Name, spec.Dimension, similarity(spec.Metric))
	default:
		return statusError(op, res.StatusCode, "检查索引是否存在时收到意外的状态码")
	}

	s.mu.Lock()
	s.spec = spec
	s.mu.Unlock()
	return nil
}

func (s *Store) createIndex(ctx context.Context, spec vectorstore.Spec) error {
	const op = "es.create"
	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"entry_id":     map[string]interface{}{"type": "keyword"},
				"document_id":  map[string]interface{}{"type": "keyword"},
				"text_content": map[string]interface{}{"type": "text"},
				"metadata":     map[string]interface{}{"type": "object", "enabled": false},
				"seq":          map[string]interface{}{"type": "long"},
				"vector": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       spec.Dimension,
					"index":      true,
					"similarity": similarity(spec.Metric),
				},
			},
		},
	}
	body, err := json.Marshal(mapping)
	if err != nil {
		return errs.E(errs.Other, op, err)
	}
	res, err := esapi.IndicesCreateRequest{Index: spec.Name, Body: bytes.NewReader(body)}.Do(ctx, s.client)
	if err != nil {
		return errs.E(errs.IndexUnavailable, op, fmt.Errorf("创建索引 '%s' 失败: %w", spec.Name, err))
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		// 并发创建时另一方已经建好
		if res.StatusCode == http.StatusBadRequest && bytes.Contains(msg, []byte("resource_already_exists_exception")) {
			return nil
		}
		return statusError(op, res.StatusCode, string(msg))
	}
	return nil
}

func (s *Store) mapping(ctx context.Context, index string) (int, string, error) {
	const op = "es.mapping"
	res, err := esapi.IndicesGetMappingRequest{Index: []string{index}}.Do(ctx, s.client)
	if err != nil {
		return 0, "", errs.E(errs.IndexUnavailable, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return 0, "", statusError(op, res.StatusCode, string(msg))
	}

	var body map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Type       string `json:"type"`
				Dims       int    `json:"dims"`
				Similarity string `json:"similarity"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return 0, "", errs.E(errs.IndexUnavailable, op, fmt.Errorf("failed to decode mapping: %w", err))
	}
	for _, idx := range body {
		vec, ok := idx.Mappings.Properties["vector"]
		if !ok || vec.Type != "dense_vector" {
			return 0, "", errs.Errorf(errs.Configuration, op, "index %q has no dense_vector field named vector", index)
		}
		return vec.Dims, vec.Similarity, nil
	}
	return 0, "", errs.Errorf(errs.Configuration, op, "empty mapping for index %q", index)
}

func (s *Store) current() vectorstore.Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// Upsert 使用 _bulk 写入整批记录，ES 不支持跨文档事务，
// 部分失败时返回 *vectorstore.PartialError 列出已写入的 ID。
func (s *Store) Upsert(ctx context.Context, entries []vectorstore.Entry) error {
	const op = "es.upsert"
	spec := s.current()
	if err := vectorstore.ValidateEntries(spec, entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		action := map[string]interface{}{"index": map[string]interface{}{"_id": e.ID}}
		doc := esEntry{
			EntryID:     e.ID,
			DocumentID:  e.DocumentID,
			TextContent: e.Text,
			Metadata:    e.Metadata,
			Seq:         s.seq.Add(1),
			Vector:      e.Vector,
		}
		if err := enc.Encode(action); err != nil {
			return errs.E(errs.Other, op, err)
		}
		if err := enc.Encode(doc); err != nil {
			return errs.E(errs.Other, op, err)
		}
	}

	res, err := esapi.BulkRequest{Index: spec.Name, Body: &buf, Refresh: "wait_for"}.Do(ctx, s.client)
	if err != nil {
		return errs.E(errs.IndexUnavailable, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return statusError(op, res.StatusCode, string(msg))
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return errs.E(errs.IndexUnavailable, op, fmt.Errorf("failed to decode bulk response: %w", err))
	}
	if !br.Errors {
		return nil
	}

	var succeeded, failures []string
	for _, item := range br.Items {
		for _, r := range item {
			if r.Error == nil && r.Status < 300 {
				succeeded = append(succeeded, r.ID)
				continue
			}
			reason := fmt.Sprintf("status %d", r.Status)
			if r.Error != nil {
				reason = r.Error.Type + ": " + r.Error.Reason
			}
			failures = append(failures, r.ID+" ("+reason+")")
		}
	}
	return &vectorstore.PartialError{
		Succeeded: succeeded,
		Err:       errs.Errorf(errs.IndexUnavailable, op, "%d of %d entries failed: %s", len(failures), len(entries), strings.Join(failures, "; ")),
	}
}

// Query 执行 knn 搜索，结果按分数降序，同分按写入顺序。
func (s *Store) Query(ctx context.Context, vector []float32, k int) ([]vectorstore.Hit, error) {
	const op = "es.query"
	spec := s.current()
	if err := vectorstore.ValidateQuery(spec, vector, k); err != nil {
		return nil, err
	}
	if k > maxK {
		k = maxK
	}
	candidates := k * 10
	if candidates < 100 {
		candidates = 100
	}
	if candidates > maxK {
		candidates = maxK
	}

	body, err := json.Marshal(map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": candidates,
		},
		"size":    k,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
	})
	if err != nil {
		return nil, errs.E(errs.Other, op, err)
	}

	res, err := esapi.SearchRequest{Index: []string{spec.Name}, Body: bytes.NewReader(body)}.Do(ctx, s.client)
	if err != nil {
		return nil, errs.E(errs.IndexUnavailable, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return nil, statusError(op, res.StatusCode, string(msg))
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				ID     string  `json:"_id"`
				Score  float64 `json:"_score"`
				Source esEntry `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, errs.E(errs.IndexUnavailable, op, fmt.Errorf("failed to decode es response: %w", err))
	}

	type seqHit struct {
		hit vectorstore.Hit
		seq int64
	}
	out := make([]seqHit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		meta := h.Source.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		out = append(out, seqHit{
			hit: vectorstore.Hit{
				ID:         h.ID,
				DocumentID: h.Source.DocumentID,
				Text:       h.Source.TextContent,
				Metadata:   meta,
				Score:      fromESScore(spec.Metric, h.Score),
			},
			seq: h.Source.Seq,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].hit.Score != out[j].hit.Score {
			return out[i].hit.Score > out[j].hit.Score
		}
		return out[i].seq < out[j].seq
	})
	hits := make([]vectorstore.Hit, len(out))
	for i := range out {
		hits[i] = out[i].hit
	}
	return hits, nil
}

// Delete 用 _delete_by_query 删除属于这些文档的记录。
func (s *Store) Delete(ctx context.Context, documentIDs []string) (int, error) {
	const op = "es.delete"
	spec := s.current()
	if spec.Dimension == 0 {
		return 0, errs.Errorf(errs.Configuration, op, "index has not been created")
	}
	if len(documentIDs) == 0 {
		return 0, nil
	}
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{"terms": map[string]interface{}{"document_id": documentIDs}},
	})
	if err != nil {
		return 0, errs.E(errs.Other, op, err)
	}
	refresh := true
	res, err := esapi.DeleteByQueryRequest{
		Index:   []string{spec.Name},
		Body:    bytes.NewReader(body),
		Refresh: &refresh,
	}.Do(ctx, s.client)
	if err != nil {
		return 0, errs.E(errs.IndexUnavailable, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return 0, statusError(op, res.StatusCode, string(msg))
	}
	var dr struct {
		Deleted  int               `json:"deleted"`
		Failures []json.RawMessage `json:"failures"`
	}
	if err := json.NewDecoder(res.Body).Decode(&dr); err != nil {
		return 0, errs.E(errs.IndexUnavailable, op, err)
	}
	if len(dr.Failures) > 0 {
		return dr.Deleted, errs.Errorf(errs.IndexUnavailable, op, "delete_by_query reported %d failures", len(dr.Failures))
	}
	return dr.Deleted, nil
}

// DeleteEntries 用 _bulk delete 删除记录，not_found 不算错误。
func (s *Store) DeleteEntries(ctx context.Context, ids []string) error {
	const op = "es.delete_entries"
	spec := s.current()
	if spec.Dimension == 0 {
		return errs.Errorf(errs.Configuration, op, "index has not been created")
	}
	if len(ids) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range ids {
		if err := enc.Encode(map[string]interface{}{"delete": map[string]interface{}{"_id": id}}); err != nil {
			return errs.E(errs.Other, op, err)
		}
	}
	res, err := esapi.BulkRequest{Index: spec.Name, Body: &buf, Refresh: "wait_for"}.Do(ctx, s.client)
	if err != nil {
		return errs.E(errs.IndexUnavailable, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return statusError(op, res.StatusCode, string(msg))
	}
	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return errs.E(errs.IndexUnavailable, op, err)
	}
	for _, item := range br.Items {
		for _, r := range item {
			if r.Status >= 300 && r.Status != http.StatusNotFound {
				return errs.Errorf(errs.IndexUnavailable, op, "failed to delete %s: status %d", r.ID, r.Status)
			}
		}
	}
	return nil
}

// Count 返回某个文档的记录数。
func (s *Store) Count(ctx context.Context, documentID string) (int, error) {
	const op = "es.count"
	spec := s.current()
	if spec.Dimension == 0 {
		return 0, errs.Errorf(errs.Configuration, op, "index has not been created")
	}
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{"term": map[string]interface{}{"document_id": documentID}},
	})
	if err != nil {
		return 0, errs.E(errs.Other, op, err)
	}
	res, err := esapi.CountRequest{Index: []string{spec.Name}, Body: bytes.NewReader(body)}.Do(ctx, s.client)
	if err != nil {
		return 0, errs.E(errs.IndexUnavailable, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return 0, statusError(op, res.StatusCode, string(msg))
	}
	var cr struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&cr); err != nil {
		return 0, errs.E(errs.IndexUnavailable, op, err)
	}
	return cr.Count, nil
}

func (s *Store) Close() error { return nil }

// statusError 把 ES 的错误状态码映射为错误分类：5xx/429 视为索引不可用。
func statusError(op string, status int, msg string) error {
	err := fmt.Errorf("elasticsearch returned status %d: %s", status, msg)
	if status >= 500 || status == http.StatusTooManyRequests {
		return errs.E(errs.IndexUnavailable, op, err)
	}
	return errs.E(errs.Other, op, err)
}

var _ vectorstore.Index = (*Store)(nil)
