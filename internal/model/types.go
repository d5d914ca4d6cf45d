package model

import (
	"time"

	"squash/internal/jobs"
)

// UploadedFile is a stored upload. FileRef is the blob key the bytes were
// written under.
type UploadedFile struct {
	ID        string    `json:"id"`
	Size      int64     `json:"size"`
	FileRef   string    `json:"file_ref"`
	CreatedAt time.Time `json:"createdAt"`
}

// CompressionJob is one request to compress an uploaded file. FileRef
// points at the source artifact and never changes after creation; Level is
// the effective level the engine applies.
type CompressionJob struct {
	ID        string      `json:"id"`
	Status    jobs.Status `json:"status"`
	FileRef   string      `json:"file_ref"`
	Level     int         `json:"level"`
	Alg       string      `json:"alg"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}
