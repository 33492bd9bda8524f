// Package pipeline 定义了文档摄取和检索的核心流程：加载 → 切块 → 向量化 → 写入索引。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docuvector-go/internal/chunker"
	"docuvector-go/internal/loader"
	"docuvector-go/pkg/embedding"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
	"docuvector-go/pkg/vectorstore"
)

// 写入索引的元数据键。
const (
	MetaDocumentID = "document_id"
	MetaSource     = "source"
	MetaFileType   = "file_type"
	MetaPosition   = "position"
	MetaChunkID    = "chunk_id"
)

// ContentLoader 把原始字节转换为纯文本。*loader.Registry 实现了它。
type ContentLoader interface {
	Resolve(tag string) (loader.FileType, error)
	Load(ctx context.Context, ft loader.FileType, r io.Reader, name string) (string, error)
}

// Splitter 把文本切成带重叠的块。*chunker.Chunker 实现了它。
type Splitter interface {
	Split(text string) ([]chunker.Chunk, error)
}

// Deps 是 Pipeline 的全部外部依赖。
type Deps struct {
	Loaders  ContentLoader
	Chunker  Splitter
	Embedder embedding.Embedder
	Index    vectorstore.Index
}

// Source 是一次摄取的输入。
type Source struct {
	// DocumentID 为空时自动生成
	DocumentID string
	// Name 是原始文件名，写入元数据 source，也用于推断文件类型
	Name string
	// FileType 是类型标签或扩展名，为空时取 Name 的扩展名
	FileType string
	Reader   io.Reader
}

// Result 是摄取成功后的结果。
type Result struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
}

// Option 配置 Pipeline。
type Option func(*Pipeline)

// WithWorkers 设置并发向量化的协程数。
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithRecorder 设置阶段变化的接收方。
func WithRecorder(r StageRecorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// Pipeline 封装了文档处理的所有依赖和逻辑。
type Pipeline struct {
	loaders  ContentLoader
	chunker  Splitter
	embedder embedding.Embedder
	index    vectorstore.Index
	workers  int
	recorder StageRecorder
}

// New 创建一个新的 Pipeline 实例。
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	if deps.Loaders == nil || deps.Chunker == nil || deps.Embedder == nil || deps.Index == nil {
		return nil, errs.Errorf(errs.Configuration, "pipeline.new", "loaders, chunker, embedder and index are all required")
	}
	p := &Pipeline{
		loaders:  deps.Loaders,
		chunker:  deps.Chunker,
		embedder: deps.Embedder,
		index:    deps.Index,
		workers:  4,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// EnsureIndex 以 Embedder 的维度创建（或校验）向量索引。
func (p *Pipeline) EnsureIndex(ctx context.Context, name string, metric vectorstore.Metric) error {
	return p.index.Create(ctx, vectorstore.Spec{
		Name:      name,
		Dimension: p.embedder.Dimensions(),
		Metric:    metric,
	})
}

// EntryID 返回文档第 position 个分块在索引中的 ID。
func EntryID(documentID string, position int) string {
	return documentID + "_" + strconv.Itoa(position)
}

type ingestRun struct {
	p   *Pipeline
	ctx context.Context
	ev  Event
}

func (r *ingestRun) advance(stage Stage) {
	r.ev.Stage = stage
	r.ev.Err = nil
	r.p.recorder.Record(r.ctx, r.ev)
}

func (r *ingestRun) fail(at Stage, err error) error {
	r.ev.Stage = StageFailed
	r.ev.FailedAt = at
	r.ev.Err = err
	r.p.recorder.Record(r.ctx, r.ev)
	return &IngestError{Stage: at, DocumentID: r.ev.DocumentID, Err: err}
}

// Ingest 摄取一个文档并返回文档 ID 和分块数。
//
// 失败时返回 *IngestError，索引中不会留下本次写入的任何分块。
// 以相同 ID 重复摄取时，只有最新一次的分块可被检索到。
func (p *Pipeline) Ingest(ctx context.Context, src Source) (Result, error) {
	docID := src.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}
	tag := src.FileType
	if tag == "" {
		tag = strings.TrimPrefix(filepath.Ext(src.Name), ".")
	}
	run := &ingestRun{p: p, ctx: ctx, ev: Event{DocumentID: docID, Source: src.Name, FileType: tag}}
	run.advance(StageReceived)

	ft, err := p.loaders.Resolve(tag)
	if err != nil {
		return Result{}, run.fail(StageReceived, err)
	}
	run.ev.FileType = ft.String()
	if src.Reader == nil {
		return Result{}, run.fail(StageReceived, errs.Errorf(errs.InvalidInput, "pipeline.ingest", "no content supplied for %q", src.Name))
	}
	log.Infof("[Pipeline] 开始处理文档, DocumentID: %s, Source: %s, FileType: %s", docID, src.Name, ft)

	// 1. 加载
	text, err := p.loaders.Load(ctx, ft, src.Reader, src.Name)
	if err != nil {
		return Result{}, run.fail(StageLoaded, err)
	}
	run.advance(StageLoaded)

	// 2. 切块
	chunks, err := p.chunker.Split(text)
	if err != nil {
		return Result{}, run.fail(StageChunked, err)
	}
	run.ev.ChunkCount = len(chunks)
	run.advance(StageChunked)
	log.Infof("[Pipeline] 文本分块完成, DocumentID: %s, 共 %d 个分块", docID, len(chunks))

	// 3. 向量化
	vectors, err := p.embedAll(ctx, chunks)
	if err != nil {
		return Result{}, run.fail(StageEmbedded, err)
	}
	run.advance(StageEmbedded)

	// 4. 写入索引
	entries := make([]vectorstore.Entry, len(chunks))
	for i, c := range chunks {
		id := EntryID(docID, c.Position)
		entries[i] = vectorstore.Entry{
			ID:         id,
			DocumentID: docID,
			Vector:     vectors[i],
			Text:       c.Text,
			Metadata: map[string]string{
				MetaDocumentID: docID,
				MetaSource:     src.Name,
				MetaFileType:   ft.String(),
				MetaPosition:   strconv.Itoa(c.Position),
				MetaChunkID:    id,
			},
		}
	}
	if err := p.write(ctx, docID, entries); err != nil {
		return Result{}, run.fail(StageIndexed, err)
	}
	run.advance(StageIndexed)
	run.advance(StageComplete)

	log.Infof("[Pipeline] 文档处理成功完成, DocumentID: %s, ChunkCount: %d", docID, len(chunks))
	return Result{DocumentID: docID, ChunkCount: len(chunks)}, nil
}

// embedAll 并发向量化所有分块，收集全部失败而不是只返回第一个。
func (p *Pipeline) embedAll(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	failures := make([]error, len(chunks))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i := range chunks {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				failures[i] = err
				return nil
			}
			vec, err := p.embedder.Embed(ctx, chunks[i].Text)
			if err != nil {
				failures[i] = fmt.Errorf("chunk %d: %w", chunks[i].Position, err)
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(failures...); err != nil {
		return nil, err
	}
	return vectors, nil
}

// write 写入新分块，失败时补偿删除，成功后清理上一次摄取遗留的多余分块。
func (p *Pipeline) write(ctx context.Context, docID string, entries []vectorstore.Entry) error {
	previous, err := p.index.Count(ctx, docID)
	if err != nil {
		return err
	}

	if err := p.index.Upsert(ctx, entries); err != nil {
		if cerr := p.compensate(ctx, docID, entries, previous, err); cerr != nil {
			return errors.Join(err, fmt.Errorf("compensating delete failed: %w", cerr))
		}
		return err
	}

	if previous > len(entries) {
		stale := make([]string, 0, previous-len(entries))
		for pos := len(entries); pos < previous; pos++ {
			stale = append(stale, EntryID(docID, pos))
		}
		if err := p.index.DeleteEntries(ctx, stale); err != nil {
			err = fmt.Errorf("failed to remove %d stale entries: %w", len(stale), err)
			// 新旧分块混在一起不可检索，整篇删除
			log.Warnf("[Pipeline] 清理旧分块失败, 整篇删除, DocumentID: %s", docID)
			if _, cerr := p.index.Delete(context.WithoutCancel(ctx), []string{docID}); cerr != nil {
				return errors.Join(err, fmt.Errorf("compensating delete failed: %w", cerr))
			}
			return err
		}
		log.Infof("[Pipeline] 清理旧分块, DocumentID: %s, 数量: %d", docID, len(stale))
	}
	return nil
}

// compensate 撤销一次失败的 Upsert 已经写入的分块。
// 校验类错误发生在写入之前，无需补偿；未知写入范围时按全部写入处理。
// 覆盖了旧版本的文档无法恢复旧分块，直接整篇删除。
func (p *Pipeline) compensate(ctx context.Context, docID string, entries []vectorstore.Entry, previous int, cause error) error {
	var written []string
	var partial *vectorstore.PartialError
	switch {
	case errors.As(cause, &partial):
		written = partial.Succeeded
	case errs.Is(cause, errs.Configuration), errs.Is(cause, errs.InvalidInput):
		return nil
	default:
		written = make([]string, len(entries))
		for i, e := range entries {
			written[i] = e.ID
		}
	}
	if len(written) == 0 {
		return nil
	}

	// 调用方的 ctx 可能已经取消，补偿仍需执行
	cctx := context.WithoutCancel(ctx)
	log.Warnf("[Pipeline] 写入索引失败, 补偿删除, DocumentID: %s, 已写入: %d", docID, len(written))
	if previous > 0 {
		_, err := p.index.Delete(cctx, []string{docID})
		return err
	}
	return p.index.DeleteEntries(cctx, written)
}

// Search 向量化查询文本并返回最相似的 k 个分块，按分数降序，同分保持索引写入顺序。
func (p *Pipeline) Search(ctx context.Context, query string, k int) ([]vectorstore.Hit, error) {
	const op = "pipeline.search"
	if strings.TrimSpace(query) == "" {
		return nil, errs.Errorf(errs.InvalidInput, op, "query must not be empty")
	}
	if k < 1 {
		return nil, errs.Errorf(errs.InvalidInput, op, "k must be >= 1, got %d", k)
	}
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := p.index.Query(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	vectorstore.SortHits(hits)
	return hits, nil
}

// Delete 删除文档的全部分块，仅当确实删除了至少一条时返回 true。
func (p *Pipeline) Delete(ctx context.Context, documentID string) (bool, error) {
	if documentID == "" {
		return false, errs.Errorf(errs.InvalidInput, "pipeline.delete", "document id is required")
	}
	n, err := p.index.Delete(ctx, []string{documentID})
	if err != nil {
		return false, err
	}
	if n > 0 {
		log.Infof("[Pipeline] 已删除文档, DocumentID: %s, 分块数: %d", documentID, n)
	}
	return n > 0, nil
}

// ChunkCount 返回索引中属于该文档的分块数。
func (p *Pipeline) ChunkCount(ctx context.Context, documentID string) (int, error) {
	return p.index.Count(ctx, documentID)
}

// ResolveType 按类型标签解析文件类型，标签为空时使用文件名的扩展名。
func (p *Pipeline) ResolveType(name, tag string) (loader.FileType, error) {
	if tag == "" {
		tag = strings.TrimPrefix(filepath.Ext(name), ".")
	}
	return p.loaders.Resolve(tag)
}

// SupportedTypes 返回当前启用的文件类型。
func (p *Pipeline) SupportedTypes() []loader.FileType {
	if r, ok := p.loaders.(interface{ Supported() []loader.FileType }); ok {
		return r.Supported()
	}
	return nil
}
