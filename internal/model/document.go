// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Document 对应于 documents 表，记录每个文档的来源、处理阶段和结果。
// 分块本身只保存在向量索引中。
type Document struct {
	ID         string    `gorm:"type:varchar(64);primaryKey" json:"documentId"`
	SourceName string    `gorm:"type:varchar(255);not null" json:"source"`
	FileType   string    `gorm:"type:varchar(20);not null" json:"fileType"`
	Size       int64     `gorm:"not null;default:0" json:"size"`
	ObjectKey  string    `gorm:"type:varchar(255)" json:"objectKey,omitempty"`
	Stage      string    `gorm:"type:varchar(20);not null;index" json:"stage"`
	FailedAt   string    `gorm:"type:varchar(20)" json:"failedAt,omitempty"`
	ChunkCount int       `gorm:"not null;default:0" json:"chunkCount"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// DocumentView 是返回给 API 调用方的文档状态。
type DocumentView struct {
	DocumentID string    `json:"document_id"`
	Source     string    `json:"source"`
	FileType   string    `json:"file_type"`
	Stage      string    `json:"stage"`
	FailedAt   string    `json:"failed_at,omitempty"`
	ChunkCount int       `json:"chunk_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  LocalTime `json:"created_at"`
	UpdatedAt  LocalTime `json:"updated_at"`
}

// View 把数据库记录转换为 API 视图。
func (d *Document) View() DocumentView {
	return DocumentView{
		DocumentID: d.ID,
		Source:     d.SourceName,
		FileType:   d.FileType,
		Stage:      d.Stage,
		FailedAt:   d.FailedAt,
		ChunkCount: d.ChunkCount,
		Error:      d.Error,
		CreatedAt:  LocalTime(d.CreatedAt),
		UpdatedAt:  LocalTime(d.UpdatedAt),
	}
}
