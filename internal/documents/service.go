package documents

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"contract-backend/internal/extract"
	"contract-backend/internal/shared/storage/object"
	"contract-backend/internal/shared/telemetry"
)

// Service contains business logic for contract documents.
type Service struct {
	Store object.ObjectStore
	Repo  DocumentsRepo
}

// Upload saves the file to object storage, records the document, and kicks
// off best-effort text extraction so later analysis submissions can
// fingerprint without waiting on OCR.
func (s *Service) Upload(ctx context.Context, ownerID, fileName string, r io.Reader) (Document, error) {
	if fileName == "" {
		return Document{}, ErrInvalidInput
	}

	storageKey, size, mimeType, err := s.Store.Save(ctx, ownerID, fileName, r)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		FileName:   fileName,
		MimeType:   mimeType,
		SizeBytes:  size,
		StorageKey: storageKey,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.Repo.Create(ctx, doc); err != nil {
		return Document{}, err
	}

	if _, err := extract.ExtractText(ctx, s.Store, doc.StorageKey, doc.MimeType, doc.FileName); err != nil {
		telemetry.Info("document.extract_deferred", map[string]any{
			"document_id": doc.ID,
			"mime_type":   doc.MimeType,
			"error":       err.Error(),
		})
		return doc, nil
	}
	extractedKey := doc.StorageKey + ".extracted.txt"
	extractedAt := time.Now().UTC()
	if err := s.Repo.UpdateExtraction(ctx, ownerID, doc.ID, extractedKey, extractedAt); err != nil {
		return Document{}, err
	}
	doc.ExtractedTextKey = extractedKey
	doc.ExtractedAt = &extractedAt

	return doc, nil
}

// Get returns an owner's document by ID.
func (s *Service) Get(ctx context.Context, ownerID, documentID string) (Document, error) {
	if ownerID == "" || documentID == "" {
		return Document{}, errors.New("ownerID and documentID are required")
	}
	return s.Repo.GetByID(ctx, ownerID, documentID)
}

// List returns an owner's documents newest-first.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]Document, error) {
	if ownerID == "" {
		return nil, errors.New("ownerID is required")
	}
	return s.Repo.ListByOwner(ctx, ownerID, limit, offset)
}
