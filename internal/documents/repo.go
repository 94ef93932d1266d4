package documents

import (
	"context"
	"time"
)

// DocumentsRepo defines persistence operations for contract documents.
type DocumentsRepo interface {
	Create(ctx context.Context, doc Document) error
	GetByID(ctx context.Context, ownerID, documentID string) (Document, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Document, error)
	UpdateExtraction(ctx context.Context, ownerID, documentID, extractedKey string, extractedAt time.Time) error
}
