// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestTask 是一次异步导入任务，原件已保存在对象存储中。
type IngestTask struct {
	DocumentID string `json:"document_id"`
	ObjectKey  string `json:"object_key"`
	FileName   string `json:"file_name"`
	FileType   string `json:"file_type"`
}
