// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"docuvector-go/internal/loader"
	"docuvector-go/internal/model"
	"docuvector-go/internal/pipeline"
	"docuvector-go/internal/repository"
	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/log"
	"docuvector-go/pkg/storage"
	"docuvector-go/pkg/tasks"
)

// seedNamespace 用于从种子目录中的相对路径派生稳定的文档 ID。
var seedNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("docuvector-go/seed"))

// IngestInput 是一次上传的内容。
type IngestInput struct {
	DocumentID string
	FileName   string
	// FileType 为空时取 FileName 的扩展名
	FileType string
	Content  io.Reader
}

// FileTypeInfo 描述一种支持的文件类型。
type FileTypeInfo struct {
	Type       string   `json:"type"`
	Extensions []string `json:"extensions"`
}

// TaskPublisher 发布异步导入任务，*kafka.Producer 实现了它。
type TaskPublisher interface {
	ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Ingest(ctx context.Context, in IngestInput) (pipeline.Result, error)
	IngestAsync(ctx context.Context, in IngestInput) (string, error)
	// Process 处理一个异步导入任务，供 Kafka 消费者调用
	Process(ctx context.Context, task tasks.IngestTask) error
	Get(ctx context.Context, documentID string) (*model.Document, error)
	List(ctx context.Context, limit, offset int) ([]model.Document, error)
	Delete(ctx context.Context, documentID string) (bool, error)
	// DownloadURL 返回归档原件的临时下载链接
	DownloadURL(ctx context.Context, documentID string) (string, error)
	SupportedTypes() []FileTypeInfo
	SeedDirectory(ctx context.Context, dir string) (int, error)
}

// DocumentServiceOption 配置 documentService。
type DocumentServiceOption func(*documentService)

// WithObjectStore 启用原件归档，异步导入也依赖它。
func WithObjectStore(store storage.ObjectStore) DocumentServiceOption {
	return func(s *documentService) { s.store = store }
}

// WithPublisher 启用异步导入。
func WithPublisher(p TaskPublisher) DocumentServiceOption {
	return func(s *documentService) { s.publisher = p }
}

// WithMaxUploadBytes 限制单个文件大小，0 表示不限制。
func WithMaxUploadBytes(n int64) DocumentServiceOption {
	return func(s *documentService) { s.maxBytes = n }
}

// WithTempDir 设置上传暂存目录，默认使用系统临时目录。
func WithTempDir(dir string) DocumentServiceOption {
	return func(s *documentService) { s.tempDir = dir }
}

type documentService struct {
	pipeline  *pipeline.Pipeline
	docRepo   repository.DocumentRepository
	store     storage.ObjectStore
	publisher TaskPublisher
	maxBytes  int64
	tempDir   string
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(p *pipeline.Pipeline, docRepo repository.DocumentRepository, opts ...DocumentServiceOption) DocumentService {
	s := &documentService{pipeline: p, docRepo: docRepo}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// spooled 是写入临时文件的上传内容，Close 时删除临时文件。
type spooled struct {
	*os.File
	size int64
}

func (f *spooled) rewind() error {
	_, err := f.Seek(0, io.SeekStart)
	return err
}

// Close 关闭并删除临时文件。
func (f *spooled) Close() error {
	name := f.Name()
	cerr := f.File.Close()
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("删除临时文件失败: %s, %v", name, err)
	}
	return cerr
}

// spool 把上传内容写入临时文件。返回成功时调用方必须 Close；失败时临时文件已删除。
func (s *documentService) spool(r io.Reader) (*spooled, error) {
	const op = "document.spool"
	if r == nil {
		return nil, errs.Errorf(errs.InvalidInput, op, "file content is required")
	}
	tmp, err := os.CreateTemp(s.tempDir, "docuvector-upload-*")
	if err != nil {
		return nil, errs.E(errs.Other, op, fmt.Errorf("创建临时文件失败: %w", err))
	}
	f := &spooled{File: tmp}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		f.Close()
		return nil, errs.E(errs.Other, op, fmt.Errorf("写入临时文件失败: %w", err))
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		f.Close()
		return nil, errs.Errorf(errs.InvalidInput, op, "file exceeds the %d byte upload limit", s.maxBytes)
	}
	if n == 0 {
		f.Close()
		return nil, errs.Errorf(errs.InvalidInput, op, "file is empty")
	}
	f.size = n
	if err := f.rewind(); err != nil {
		f.Close()
		return nil, errs.E(errs.Other, op, err)
	}
	return f, nil
}

func objectKey(documentID, fileName string) string {
	return path.Join("documents", documentID, path.Base(filepath.ToSlash(fileName)))
}

func contentType(fileName string) string {
	if ct := mime.TypeByExtension(filepath.Ext(fileName)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// register 登记文档，失败只记录日志，不影响导入本身。
func (s *documentService) register(ctx context.Context, doc *model.Document) {
	if err := s.docRepo.Save(ctx, doc); err != nil {
		log.Warnw("登记文档失败", "document_id", doc.ID, "error", err)
	}
}

// Ingest 同步导入：暂存 → 归档（可选）→ 流水线。
func (s *documentService) Ingest(ctx context.Context, in IngestInput) (pipeline.Result, error) {
	ft, err := s.pipeline.ResolveType(in.FileName, in.FileType)
	if err != nil {
		return pipeline.Result{}, err
	}
	f, err := s.spool(in.Content)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer f.Close()

	docID := in.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}
	doc := &model.Document{
		ID:         docID,
		SourceName: in.FileName,
		FileType:   ft.String(),
		Size:       f.size,
		Stage:      pipeline.StageReceived.String(),
	}

	if s.store != nil {
		key := objectKey(docID, in.FileName)
		if err := s.store.Put(ctx, key, f, f.size, contentType(in.FileName)); err != nil {
			return pipeline.Result{}, err
		}
		doc.ObjectKey = key
		if err := f.rewind(); err != nil {
			return pipeline.Result{}, errs.E(errs.Other, "document.ingest", err)
		}
	}
	s.register(ctx, doc)

	return s.pipeline.Ingest(ctx, pipeline.Source{
		DocumentID: docID,
		Name:       in.FileName,
		FileType:   in.FileType,
		Reader:     f,
	})
}

// IngestAsync 把原件存入对象存储并发布导入任务，返回文档 ID。
func (s *documentService) IngestAsync(ctx context.Context, in IngestInput) (string, error) {
	const op = "document.ingest_async"
	if s.store == nil || s.publisher == nil {
		return "", errs.Errorf(errs.Configuration, op, "async ingest requires minio and kafka to be configured")
	}
	ft, err := s.pipeline.ResolveType(in.FileName, in.FileType)
	if err != nil {
		return "", err
	}
	f, err := s.spool(in.Content)
	if err != nil {
		return "", err
	}
	defer f.Close()

	docID := in.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}
	key := objectKey(docID, in.FileName)
	if err := s.store.Put(ctx, key, f, f.size, contentType(in.FileName)); err != nil {
		return "", err
	}
	s.register(ctx, &model.Document{
		ID:         docID,
		SourceName: in.FileName,
		FileType:   ft.String(),
		Size:       f.size,
		ObjectKey:  key,
		Stage:      pipeline.StageReceived.String(),
	})

	tag := in.FileType
	if tag == "" {
		tag = strings.TrimPrefix(filepath.Ext(in.FileName), ".")
	}
	task := tasks.IngestTask{DocumentID: docID, ObjectKey: key, FileName: in.FileName, FileType: tag}
	if err := s.publisher.ProduceIngestTask(ctx, task); err != nil {
		_ = s.docRepo.UpdateStage(ctx, docID, repository.StageUpdate{
			Stage:    pipeline.StageFailed.String(),
			FailedAt: pipeline.StageReceived.String(),
			Error:    err.Error(),
		})
		if rerr := s.store.Remove(context.WithoutCancel(ctx), key); rerr != nil {
			log.Warnf("删除未投递任务的原件失败: %s, %v", key, rerr)
		}
		return "", err
	}
	log.Infof("导入任务已发送: DocumentID=%s, Object=%s", docID, key)
	return docID, nil
}

// Process 从对象存储取回原件并执行流水线。
func (s *documentService) Process(ctx context.Context, task tasks.IngestTask) error {
	if s.store == nil {
		return errs.Errorf(errs.Configuration, "document.process", "object store is not configured")
	}
	obj, err := s.store.Get(ctx, task.ObjectKey)
	if err != nil {
		return err
	}
	defer obj.Close()

	_, err = s.pipeline.Ingest(ctx, pipeline.Source{
		DocumentID: task.DocumentID,
		Name:       task.FileName,
		FileType:   task.FileType,
		Reader:     obj,
	})
	return err
}

func (s *documentService) Get(ctx context.Context, documentID string) (*model.Document, error) {
	return s.docRepo.FindByID(ctx, documentID)
}

func (s *documentService) List(ctx context.Context, limit, offset int) ([]model.Document, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.docRepo.List(ctx, limit, offset)
}

// Delete 删除文档的索引分块、登记记录和归档原件。
// 仅当至少删除了一个分块时返回 true，没有分块的登记记录同样会被清理。
func (s *documentService) Delete(ctx context.Context, documentID string) (bool, error) {
	removed, err := s.pipeline.Delete(ctx, documentID)
	if err != nil {
		return false, err
	}

	doc, err := s.docRepo.FindByID(ctx, documentID)
	switch {
	case errs.Is(err, errs.NotFound):
		return removed, nil
	case err != nil:
		log.Warnw("查询文档登记记录失败", "document_id", documentID, "error", err)
		return removed, nil
	}
	if s.store != nil && doc.ObjectKey != "" {
		if err := s.store.Remove(ctx, doc.ObjectKey); err != nil && !errs.Is(err, errs.NotFound) {
			log.Warnw("删除归档原件失败", "document_id", documentID, "object", doc.ObjectKey, "error", err)
		}
	}
	if err := s.docRepo.Delete(ctx, documentID); err != nil {
		return false, err
	}
	return removed, nil
}

func (s *documentService) DownloadURL(ctx context.Context, documentID string) (string, error) {
	doc, err := s.docRepo.FindByID(ctx, documentID)
	if err != nil {
		return "", err
	}
	if s.store == nil || doc.ObjectKey == "" {
		return "", errs.Errorf(errs.NotFound, "document.download", "document %s has no archived original", documentID)
	}
	return s.store.PresignedURL(ctx, doc.ObjectKey, time.Hour)
}

func (s *documentService) SupportedTypes() []FileTypeInfo {
	types := s.pipeline.SupportedTypes()
	out := make([]FileTypeInfo, 0, len(types))
	for _, ft := range types {
		out = append(out, FileTypeInfo{Type: ft.String(), Extensions: loader.ExtensionsOf(ft)})
	}
	return out
}

// SeedDirectory 导入目录中所有支持的文件，已完成导入的文件会被跳过。
// 文档 ID 由相对路径派生，重复执行不会产生重复文档。单个文件失败只记录日志。
func (s *documentService) SeedDirectory(ctx context.Context, dir string) (int, error) {
	ingested := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if _, err := s.pipeline.ResolveType(d.Name(), ""); err != nil {
			log.Debugf("跳过不支持的种子文件: %s", p)
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		docID := uuid.NewSHA1(seedNamespace, []byte(filepath.ToSlash(rel))).String()
		if doc, err := s.docRepo.FindByID(ctx, docID); err == nil && doc.Stage == pipeline.StageComplete.String() {
			return nil
		}

		file, err := os.Open(p)
		if err != nil {
			log.Warnf("打开种子文件失败: %s, %v", p, err)
			return nil
		}
		defer file.Close()
		res, err := s.Ingest(ctx, IngestInput{DocumentID: docID, FileName: filepath.ToSlash(rel), Content: file})
		if err != nil {
			log.Warnw("种子文件导入失败", "file", rel, "kind", errs.KindOf(err).String(), "error", err)
			return nil
		}
		log.Infof("种子文件导入成功: %s, DocumentID=%s, ChunkCount=%d", rel, res.DocumentID, res.ChunkCount)
		ingested++
		return nil
	})
	return ingested, err
}
