// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestionTask asks a consumer to extract, chunk and index an uploaded document.
// The raw file is read back from object storage by ObjectKey.
type IngestionTask struct {
	DocumentID uint   `json:"document_id"`
	UserID     uint   `json:"user_id"`
	ObjectKey  string `json:"object_key"`
	FileName   string `json:"file_name"`
}
