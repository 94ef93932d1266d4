package documents

import "time"

// Document represents an uploaded contract document owned by a client account.
type Document struct {
	ID               string
	OwnerID          string
	FileName         string
	MimeType         string
	SizeBytes        int64
	StorageKey       string
	ExtractedTextKey string
	ExtractedAt      *time.Time
	CreatedAt        time.Time
}
