// Package vectorstore 定义向量索引的统一接口，以及各后端共享的校验和打分逻辑。
//
// 后端实现位于 memstore、pgstore、chromemstore 子包和 pkg/es。
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"docuvector-go/pkg/errs"
)

// Metric 是相似度度量方式。所有后端返回的 Score 都是"越大越相似"。
type Metric string

const (
	Cosine     Metric = "cosine"
	DotProduct Metric = "dot_product"
	Euclidean  Metric = "euclidean" // Score = 1 / (1 + L2)
)

// ParseMetric 解析度量名称，空字符串视为 cosine。
func ParseMetric(s string) (Metric, error) {
	switch Metric(strings.ToLower(s)) {
	case "", Cosine:
		return Cosine, nil
	case DotProduct:
		return DotProduct, nil
	case Euclidean:
		return Euclidean, nil
	}
	return "", errs.Errorf(errs.Configuration, "vectorstore.metric", "unknown distance metric %q", s)
}

// Spec 描述一个索引。
type Spec struct {
	Name      string
	Dimension int
	Metric    Metric
}

// Validate 检查 Spec 本身是否合法。
func (s Spec) Validate() error {
	if s.Name == "" {
		return errs.Errorf(errs.Configuration, "vectorstore.create", "index name is required")
	}
	if s.Dimension <= 0 {
		return errs.Errorf(errs.Configuration, "vectorstore.create", "dimension must be positive, got %d", s.Dimension)
	}
	if _, err := ParseMetric(string(s.Metric)); err != nil {
		return err
	}
	return nil
}

// MismatchError 在同名索引已存在但维度或度量不同时返回。
func MismatchError(name string, wantDim, haveDim int, want, have Metric) error {
	return errs.Errorf(errs.Configuration, "vectorstore.create",
		"index %q already exists with dimension=%d metric=%s, requested dimension=%d metric=%s",
		name, haveDim, have, wantDim, want)
}

// Entry 是索引中的一条记录，ID 全局唯一，DocumentID 用于按文档删除。
type Entry struct {
	ID         string
	DocumentID string
	Vector     []float32
	Text       string
	Metadata   map[string]string
}

// Hit 是查询结果。
type Hit struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata"`
	Score      float32           `json:"score"`
}

// Index 是向量索引的抽象。
//
// Upsert 对调用方是原子的：要么全部写入，要么返回 *PartialError 说明哪些已经写入，
// 由调用方决定是否补偿删除。Query 在索引条目少于 k 时返回全部条目而不报错。
// 删除不存在的 ID 不是错误。网络或服务错误统一归为 errs.IndexUnavailable。
type Index interface {
	Create(ctx context.Context, spec Spec) error
	Upsert(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, vector []float32, k int) ([]Hit, error)
	Delete(ctx context.Context, documentIDs []string) (int, error)
	DeleteEntries(ctx context.Context, ids []string) error
	Count(ctx context.Context, documentID string) (int, error)
	Close() error
}

// PartialError 表示批量写入只成功了一部分。
type PartialError struct {
	Succeeded []string
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("upsert partially failed (%d succeeded): %v", len(e.Succeeded), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// ValidateEntries 在写入前校验整个批次，任何一条不合法都不会写入。
func ValidateEntries(spec Spec, entries []Entry) error {
	const op = "vectorstore.upsert"
	if spec.Dimension == 0 {
		return errs.Errorf(errs.Configuration, op, "index has not been created")
	}
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return errs.Errorf(errs.InvalidInput, op, "entry %d has an empty id", i)
		}
		if e.DocumentID == "" {
			return errs.Errorf(errs.InvalidInput, op, "entry %s has an empty document id", e.ID)
		}
		if _, dup := seen[e.ID]; dup {
			return errs.Errorf(errs.InvalidInput, op, "duplicate entry id %s in batch", e.ID)
		}
		seen[e.ID] = struct{}{}
		if !utf8.ValidString(e.Text) {
			return errs.Errorf(errs.InvalidInput, op, "entry %s text is not valid UTF-8", e.ID)
		}
		if len(e.Vector) != spec.Dimension {
			return errs.Errorf(errs.Configuration, op, "entry %s has dimension %d, index %q expects %d", e.ID, len(e.Vector), spec.Name, spec.Dimension)
		}
	}
	return nil
}

// ValidateQuery 校验查询参数。
func ValidateQuery(spec Spec, vector []float32, k int) error {
	const op = "vectorstore.query"
	if spec.Dimension == 0 {
		return errs.Errorf(errs.Configuration, op, "index has not been created")
	}
	if k < 1 {
		return errs.Errorf(errs.InvalidInput, op, "k must be >= 1, got %d", k)
	}
	if len(vector) != spec.Dimension {
		return errs.Errorf(errs.Configuration, op, "query dimension %d, index %q expects %d", len(vector), spec.Name, spec.Dimension)
	}
	return nil
}

// SortHits 按分数降序稳定排序，同分时保持原有（插入）顺序。
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}

// CloneMetadata 复制元数据，避免调用方修改已写入的记录。
func CloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
