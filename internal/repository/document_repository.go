// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docuvector-go/internal/model"
	"docuvector-go/pkg/errs"
)

// StageUpdate 是一次阶段变更需要写入的字段。
type StageUpdate struct {
	Stage      string
	FailedAt   string
	ChunkCount int
	Error      string
}

// DocumentRepository 接口定义了文档登记表的数据持久化操作。
type DocumentRepository interface {
	// Save 创建记录，已存在时覆盖来源信息并重置阶段
	Save(ctx context.Context, doc *model.Document) error
	UpdateStage(ctx context.Context, id string, u StageUpdate) error
	FindByID(ctx context.Context, id string) (*model.Document, error)
	List(ctx context.Context, limit, offset int) ([]model.Document, error)
	Delete(ctx context.Context, id string) error
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Save(ctx context.Context, doc *model.Document) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_name", "file_type", "size", "object_key", "stage", "failed_at", "chunk_count", "error", "updated_at",
		}),
	}).Create(doc).Error
	if err != nil {
		return errs.E(errs.TransientService, "documents.save", err)
	}
	return nil
}

func (r *documentRepository) UpdateStage(ctx context.Context, id string, u StageUpdate) error {
	err := r.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", id).Updates(map[string]interface{}{
		"stage":       u.Stage,
		"failed_at":   u.FailedAt,
		"chunk_count": u.ChunkCount,
		"error":       u.Error,
	}).Error
	if err != nil {
		return errs.E(errs.TransientService, "documents.update_stage", err)
	}
	return nil
}

func (r *documentRepository) FindByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Errorf(errs.NotFound, "documents.find", "document %s not found", id)
	}
	if err != nil {
		return nil, errs.E(errs.TransientService, "documents.find", err)
	}
	return &doc, nil
}

func (r *documentRepository) List(ctx context.Context, limit, offset int) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset).Find(&docs).Error
	if err != nil {
		return nil, errs.E(errs.TransientService, "documents.list", err)
	}
	return docs, nil
}

func (r *documentRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Document{}).Error; err != nil {
		return errs.E(errs.TransientService, "documents.delete", err)
	}
	return nil
}

// memoryDocumentRepository 在未配置 MySQL 时使用，进程退出后记录丢失。
type memoryDocumentRepository struct {
	mu   sync.RWMutex
	docs map[string]model.Document
}

// NewMemoryDocumentRepository 创建一个进程内的 DocumentRepository。
func NewMemoryDocumentRepository() DocumentRepository {
	return &memoryDocumentRepository{docs: make(map[string]model.Document)}
}

func (r *memoryDocumentRepository) Save(_ context.Context, doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if old, ok := r.docs[doc.ID]; ok {
		doc.CreatedAt = old.CreatedAt
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	r.docs[doc.ID] = *doc
	return nil
}

func (r *memoryDocumentRepository) UpdateStage(_ context.Context, id string, u StageUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil
	}
	doc.Stage = u.Stage
	doc.FailedAt = u.FailedAt
	doc.ChunkCount = u.ChunkCount
	doc.Error = u.Error
	doc.UpdatedAt = time.Now()
	r.docs[id] = doc
	return nil
}

func (r *memoryDocumentRepository) FindByID(_ context.Context, id string) (*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, errs.Errorf(errs.NotFound, "documents.find", "document %s not found", id)
	}
	return &doc, nil
}

func (r *memoryDocumentRepository) List(_ context.Context, limit, offset int) ([]model.Document, error) {
	r.mu.RLock()
	docs := make([]model.Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	if offset >= len(docs) {
		return []model.Document{}, nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs, nil
}

func (r *memoryDocumentRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}
