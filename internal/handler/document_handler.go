package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docuvector-go/internal/model"
	"docuvector-go/internal/service"
	"docuvector-go/pkg/log"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{docService: docService}
}

// readUpload 从 multipart 表单中取出文件字段 file，以及可选的 document_id、file_type。
func (h *DocumentHandler) readUpload(c *gin.Context) (service.IngestInput, func(), bool) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond(c, http.StatusBadRequest, "缺少文件字段 file", nil)
		return service.IngestInput{}, nil, false
	}
	file, err := fileHeader.Open()
	if err != nil {
		log.Error("打开上传文件失败", err)
		respond(c, http.StatusBadRequest, "无法读取上传文件", nil)
		return service.IngestInput{}, nil, false
	}
	in := service.IngestInput{
		DocumentID: c.PostForm("document_id"),
		FileName:   fileHeader.Filename,
		FileType:   c.PostForm("file_type"),
		Content:    file,
	}
	return in, func() { _ = file.Close() }, true
}

// Upload 同步导入一个文档，返回文档 ID 和分块数。
func (h *DocumentHandler) Upload(c *gin.Context) {
	in, closeFn, ok := h.readUpload(c)
	if !ok {
		return
	}
	defer closeFn()

	res, err := h.docService.Ingest(c.Request.Context(), in)
	if err != nil {
		respondError(c, "Upload", err)
		return
	}
	respond(c, http.StatusOK, "文档导入成功", res)
}

// UploadAsync 存储原件并投递导入任务。
func (h *DocumentHandler) UploadAsync(c *gin.Context) {
	in, closeFn, ok := h.readUpload(c)
	if !ok {
		return
	}
	defer closeFn()

	id, err := h.docService.IngestAsync(c.Request.Context(), in)
	if err != nil {
		respondError(c, "UploadAsync", err)
		return
	}
	respond(c, http.StatusAccepted, "导入任务已提交", gin.H{"document_id": id})
}

// GetDocument 返回文档登记记录。
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	doc, err := h.docService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "GetDocument", err)
		return
	}
	respond(c, http.StatusOK, "success", doc.View())
}

// ListDocuments 分页列出文档，参数为 limit 和 offset。
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	docs, err := h.docService.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, "ListDocuments", err)
		return
	}
	views := make([]model.DocumentView, len(docs))
	for i := range docs {
		views[i] = docs[i].View()
	}
	respond(c, http.StatusOK, "success", views)
}

// DeleteDocument 处理删除文档的请求。
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	id := c.Param("id")
	deleted, err := h.docService.Delete(c.Request.Context(), id)
	if err != nil {
		respondError(c, "DeleteDocument", err)
		return
	}
	if !deleted {
		respond(c, http.StatusNotFound, "文档不存在", gin.H{"deleted": false})
		return
	}
	log.Infof("文档已删除: %s", id)
	respond(c, http.StatusOK, "文档已删除", gin.H{"deleted": true})
}

// DownloadURL 返回归档原件的临时下载链接。
func (h *DocumentHandler) DownloadURL(c *gin.Context) {
	url, err := h.docService.DownloadURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "DownloadURL", err)
		return
	}
	respond(c, http.StatusOK, "success", gin.H{"url": url})
}

// SupportedTypes 返回支持的文件类型及扩展名。
func (h *DocumentHandler) SupportedTypes(c *gin.Context) {
	respond(c, http.StatusOK, "success", h.docService.SupportedTypes())
}
