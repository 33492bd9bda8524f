// Package pgstore 基于 PostgreSQL + pgvector 实现向量索引。
//
// 每个索引对应一张表，表注释中记录度量方式，embedding 列的 atttypmod 即维度。
// Upsert 在单个事务内完成，因此对调用方是原子的。
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/vectorstore"
)

// Store 是 pgvector 向量索引。
type Store struct {
	pool  *pgxpool.Pool
	owned bool

	mu    sync.RWMutex
	spec  vectorstore.Spec
	table string // 已转义的表名
}

// New 连接数据库并检查连通性。
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errs.E(errs.Configuration, "pgvector.open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.E(errs.IndexUnavailable, "pgvector.open", err)
	}
	return &Store{pool: pool, owned: true}, nil
}

// NewWithPool 使用调用方管理的连接池。
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// opClass 返回 hnsw 索引使用的运算符类。
func opClass(m vectorstore.Metric) string {
	switch m {
	case vectorstore.Euclidean:
		return "vector_l2_ops"
	case vectorstore.DotProduct:
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}

// distanceOp 返回排序用的距离运算符，越小越相似。
func distanceOp(m vectorstore.Metric) string {
	switch m {
	case vectorstore.Euclidean:
		return "<->"
	case vectorstore.DotProduct:
		return "<#>"
	default:
		return "<=>"
	}
}

// scoreExpr 把距离换算为越大越相似的分数。
func scoreExpr(m vectorstore.Metric) string {
	switch m {
	case vectorstore.Euclidean:
		return "1 / (1 + (embedding <-> $1))"
	case vectorstore.DotProduct:
		return "(embedding <#> $1) * -1"
	default:
		return "1 - (embedding <=> $1)"
	}
}

func metricComment(m vectorstore.Metric) string { return "docuvector metric=" + string(m) }

// maxEFSearch 是 hnsw.ef_search 允许的最大值。
const maxEFSearch = 1000

// searchSettings 返回查询前执行的 SET LOCAL 语句。
// ef_search 小于 k 时 hnsw 返回的行数可能不足 k，超过上限时退回顺序扫描。
func searchSettings(k int) []string {
	if k > maxEFSearch {
		return []string{"SET LOCAL enable_indexscan = off"}
	}
	ef := k
	if ef < 40 {
		ef = 40
	}
	return []string{fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef)}
}

// Create 建表和索引；表已存在时校验维度和度量。
func (s *Store) Create(ctx context.Context, spec vectorstore.Spec) error {
	const op = "pgvector.create"
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Metric == "" {
		spec.Metric = vectorstore.Cosine
	}
	table := pgx.Identifier{spec.Name}.Sanitize()

	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return errs.E(errs.IndexUnavailable, op, fmt.Errorf("failed to create vector extension: %w", err))
	}

	var dim int
	var comment *string
	err := s.pool.QueryRow(ctx, `
		SELECT a.atttypmod, obj_description(a.attrelid, 'pg_class')
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1) AND a.attname = 'embedding'`, table).Scan(&dim, &comment)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := s.createTable(ctx, table, spec); err != nil {
			return err
		}
	case err != nil:
		return errs.E(errs.IndexUnavailable, op, err)
	default:
		have := vectorstore.Cosine
		if comment != nil && strings.HasPrefix(*comment, "docuvector metric=") {
			have = vectorstore.Metric(strings.TrimPrefix(*comment, "docuvector metric="))
		}
		if dim != spec.Dimension || have != spec.Metric {
			return vectorstore.MismatchError(spec.Name, spec.Dimension, dim, spec.Metric, have)
		}
	}

	s.mu.Lock()
	s.spec = spec
	s.table = table
	s.mu.Unlock()
	return nil
}

func (s *Store) createTable(ctx context.Context, table string, spec vectorstore.Spec) error {
	const op = "pgvector.create"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.E(errs.IndexUnavailable, op, err)
	}
	defer tx.Rollback(ctx)

	indexName := pgx.Identifier{spec.Name + "_embedding_idx"}.Sanitize()
	docIndexName := pgx.Identifier{spec.Name + "_document_idx"}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			seq BIGSERIAL,
			content TEXT,
			metadata JSONB,
			embedding vector(%d) NOT NULL
		)`, table, spec.Dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id)`, docIndexName, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding %s)`,
			indexName, table, opClass(spec.Metric)),
		fmt.Sprintf(`COMMENT ON TABLE %s IS '%s'`, table, metricComment(spec.Metric)),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return errs.E(errs.IndexUnavailable, op, fmt.Errorf("failed to create table: %w", err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.E(errs.IndexUnavailable, op, err)
	}
	return nil
}

func (s *Store) current() (vectorstore.Spec, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spec, s.table
}

// Upsert 在一个事务内写入整批记录。
func (s *Store) Upsert(ctx context.Context, entries []vectorstore.Entry) error {
	const op = "pgvector.upsert"
	spec, table := s.current()
	if err := vectorstore.ValidateEntries(spec, entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, document_id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.E(errs.IndexUnavailable, op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(stmt, e.ID, e.DocumentID, e.Text, vectorstore.CloneMetadata(e.Metadata), pgvector.NewVector(e.Vector))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errs.E(errs.IndexUnavailable, op, fmt.Errorf("failed to insert entries: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.E(errs.IndexUnavailable, op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Query 返回最相似的 k 条，同距离按写入顺序。
func (s *Store) Query(ctx context.Context, vector []float32, k int) ([]vectorstore.Hit, error) {
	const op = "pgvector.query"
	spec, table := s.current()
	if err := vectorstore.ValidateQuery(spec, vector, k); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, document_id, content, metadata, %s AS score
		FROM %s
		ORDER BY embedding %s $1, seq
		LIMIT $2`, scoreExpr(spec.Metric), table, distanceOp(spec.Metric))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errs.E(errs.IndexUnavailable, op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)
	for _, stmt := range searchSettings(k) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, errs.E(errs.IndexUnavailable, op, err)
		}
	}

	rows, err := tx.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, errs.E(errs.IndexUnavailable, op, fmt.Errorf("failed to query entries: %w", err))
	}
	defer rows.Close()

	hits := make([]vectorstore.Hit, 0, k)
	for rows.Next() {
		var (
			h     vectorstore.Hit
			text  *string
			meta  map[string]string
			score float64
		)
		if err := rows.Scan(&h.ID, &h.DocumentID, &text, &meta, &score); err != nil {
			return nil, errs.E(errs.IndexUnavailable, op, err)
		}
		if text != nil {
			h.Text = *text
		}
		if meta == nil {
			meta = map[string]string{}
		}
		h.Metadata = meta
		h.Score = float32(score)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.IndexUnavailable, op, err)
	}
	return hits, nil
}

// Delete 删除属于这些文档的所有记录。
func (s *Store) Delete(ctx context.Context, documentIDs []string) (int, error) {
	return s.exec(ctx, "pgvector.delete", "document_id", documentIDs)
}

// DeleteEntries 按记录 ID 删除。
func (s *Store) DeleteEntries(ctx context.Context, ids []string) error {
	_, err := s.exec(ctx, "pgvector.delete_entries", "id", ids)
	return err
}

func (s *Store) exec(ctx context.Context, op, column string, values []string) (int, error) {
	spec, table := s.current()
	if spec.Dimension == 0 {
		return 0, errs.Errorf(errs.Configuration, op, "index has not been created")
	}
	if len(values) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", table, column), values)
	if err != nil {
		return 0, errs.E(errs.IndexUnavailable, op, err)
	}
	return int(tag.RowsAffected()), nil
}

// Count 返回某个文档的记录数。
func (s *Store) Count(ctx context.Context, documentID string) (int, error) {
	spec, table := s.current()
	if spec.Dimension == 0 {
		return 0, errs.Errorf(errs.Configuration, "pgvector.count", "index has not been created")
	}
	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s WHERE document_id = $1", table), documentID).Scan(&n); err != nil {
		return 0, errs.E(errs.IndexUnavailable, "pgvector.count", err)
	}
	return n, nil
}

// Close 关闭自己创建的连接池。
func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

var _ vectorstore.Index = (*Store)(nil)
