package runs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"contract-backend/internal/documents"
	"contract-backend/internal/extract"
	"contract-backend/internal/progress"
	"contract-backend/internal/queue"
	"contract-backend/internal/shared/metrics"
	"contract-backend/internal/shared/storage/object"
	"contract-backend/internal/shared/telemetry"
	"contract-backend/internal/shared/util"
	"contract-backend/internal/usage"
	"contract-backend/internal/workflow/state"
)

// Service contains business logic for analysis runs.
type Service struct {
	Repo            Repo
	Docs            documents.DocumentsRepo
	Store           object.ObjectStore
	Usage           *usage.Service
	Queue           queue.Client
	Publisher       *progress.Publisher
	PipelineVersion string
	Provider        string
	Model           string
	MaxResumes      int
}

// SubmitResult reports the outcome of a submission. Attached is true when an
// equivalent run already held the fingerprint claim.
type SubmitResult struct {
	Run      Run
	Attached bool
}

// Submit fingerprints the document's extracted text and claims a run for it.
// Submissions with the same content attach to the in-flight run instead of
// starting a second pipeline.
func (s *Service) Submit(ctx context.Context, ownerID, documentID, jurisdiction string) (SubmitResult, error) {
	if ownerID == "" || documentID == "" {
		return SubmitResult{}, fmt.Errorf("%w: ownerID and documentID are required", ErrValidation)
	}

	doc, err := s.Docs.GetByID(ctx, ownerID, documentID)
	if err != nil {
		return SubmitResult{}, err
	}

	text, err := s.extractedText(ctx, doc)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("document %s mime %s: %w", doc.ID, doc.MimeType, err)
	}
	fingerprint := util.Fingerprint(text)

	run := Run{
		ID:              uuid.NewString(),
		Fingerprint:     fingerprint,
		OwnerID:         ownerID,
		DocumentID:      documentID,
		Status:          StatusPending,
		PipelineVersion: s.PipelineVersion,
		Provider:        s.Provider,
		Model:           s.Model,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	run.State, err = seedState(run, jurisdiction)
	if err != nil {
		return SubmitResult{}, err
	}

	var allowCreate func() error
	if s.Usage != nil {
		allowCreate = func() error {
			ok, _, err := s.Usage.CanConsume(ctx, ownerID, 1)
			if err != nil {
				return err
			}
			if !ok {
				return usage.ErrLimitReached
			}
			return nil
		}
	}

	claimed, created, err := s.Repo.GetOrClaimByFingerprint(ctx, run, allowCreate)
	if err != nil {
		return SubmitResult{}, err
	}
	if !created {
		telemetry.Info("run.attached", map[string]any{
			"owner_id":    ownerID,
			"document_id": documentID,
			"run_id":      claimed.ID,
			"fingerprint": fingerprint,
			"status":      claimed.Status,
		})
		return SubmitResult{Run: claimed, Attached: true}, nil
	}

	if s.Usage != nil {
		if _, err := s.Usage.Consume(ctx, ownerID, 1); err != nil {
			return SubmitResult{}, err
		}
	}
	if s.Publisher != nil {
		if err := s.Publisher.Attach(ctx, claimed.ID, fingerprint, documentKey(ownerID, documentID)); err != nil {
			telemetry.Error("run.attach_keys_failed", map[string]any{
				"run_id": claimed.ID,
				"error":  err.Error(),
			})
		}
	}
	if err := s.enqueue(ctx, claimed); err != nil {
		return SubmitResult{}, err
	}

	metrics.IncRunStarted()
	telemetry.Info("run.submitted", map[string]any{
		"owner_id":    ownerID,
		"document_id": documentID,
		"run_id":      claimed.ID,
		"fingerprint": fingerprint,
	})
	return SubmitResult{Run: claimed}, nil
}

// Get returns an owner's run by ID.
func (s *Service) Get(ctx context.Context, ownerID, runID string) (Run, error) {
	if runID == "" {
		return Run{}, fmt.Errorf("%w: runID is required", ErrValidation)
	}
	run, err := s.Repo.GetByID(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.OwnerID != ownerID {
		return Run{}, ErrNotFound
	}
	return run, nil
}

// Result returns the final report for a terminal run. Non-terminal runs get
// ErrNotReady.
func (s *Service) Result(ctx context.Context, ownerID, runID string) (Run, state.State, error) {
	run, err := s.Get(ctx, ownerID, runID)
	if err != nil {
		return Run{}, state.State{}, err
	}
	if !run.Terminal() {
		return Run{}, state.State{}, ErrNotReady
	}
	st, err := state.Decode(run.State)
	if err != nil {
		return Run{}, state.State{}, err
	}
	return run, st, nil
}

// Cancel flags a run for cooperative cancellation. The pipeline stops at the
// next step boundary. Cancelling a terminal run is a no-op.
func (s *Service) Cancel(ctx context.Context, ownerID, runID string) (Run, error) {
	run, err := s.Get(ctx, ownerID, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Terminal() {
		return run, nil
	}
	if err := s.Repo.RequestCancel(ctx, runID); err != nil && !errors.Is(err, ErrNotFound) {
		return Run{}, err
	}
	telemetry.Info("run.cancel_requested", map[string]any{
		"owner_id": ownerID,
		"run_id":   runID,
	})
	return s.Repo.GetByID(ctx, runID)
}

// Resume requeues a step_failed run from the failed step. Completed steps are
// not re-executed.
func (s *Service) Resume(ctx context.Context, ownerID, runID string) (Run, error) {
	run, err := s.Get(ctx, ownerID, runID)
	if err != nil {
		return Run{}, err
	}
	resumed, err := s.Repo.MarkResumed(ctx, run.ID, s.MaxResumes)
	if err != nil {
		return Run{}, err
	}
	// Terminal status released the alternate keys; rebind for the new attempt.
	if s.Publisher != nil {
		if err := s.Publisher.Attach(ctx, resumed.ID, resumed.Fingerprint, documentKey(resumed.OwnerID, resumed.DocumentID)); err != nil {
			telemetry.Error("run.attach_keys_failed", map[string]any{
				"run_id": resumed.ID,
				"error":  err.Error(),
			})
		}
	}
	if err := s.enqueue(ctx, resumed); err != nil {
		return Run{}, err
	}
	metrics.IncRunResumed()
	telemetry.Info("run.resumed", map[string]any{
		"owner_id":     ownerID,
		"run_id":       resumed.ID,
		"resume_count": resumed.ResumeCount,
		"current_step": resumed.CurrentStep,
	})
	return resumed, nil
}

// List returns an owner's runs newest-first.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]Run, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: ownerID is required", ErrValidation)
	}
	return s.Repo.ListByOwner(ctx, ownerID, limit, offset)
}

// RunExists reports whether runID names a stored run. Satisfies the progress
// package's resolver without a package dependency in that direction.
func (s *Service) RunExists(ctx context.Context, runID string) (bool, error) {
	_, err := s.Repo.GetByID(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) enqueue(ctx context.Context, run Run) error {
	if s.Queue == nil {
		return errors.New("job queue not configured")
	}
	return s.Queue.Send(ctx, queue.Message{
		RunID:       run.ID,
		Fingerprint: run.Fingerprint,
		RequestID:   requestIDFromContext(ctx),
		EnqueuedAt:  time.Now().UTC().Format(time.RFC3339),
		Version:     1,
	})
}

// extractedText loads the document's derived text, extracting on demand when
// upload-time extraction did not happen.
func (s *Service) extractedText(ctx context.Context, doc documents.Document) (string, error) {
	if doc.ExtractedTextKey != "" {
		return s.loadText(ctx, doc.ExtractedTextKey)
	}
	text, err := extract.ExtractText(ctx, s.Store, doc.StorageKey, doc.MimeType, doc.FileName)
	if err != nil {
		return "", err
	}
	extractedKey := doc.StorageKey + ".extracted.txt"
	if err := s.Docs.UpdateExtraction(ctx, doc.OwnerID, doc.ID, extractedKey, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("update extraction: %w", err)
	}
	return text, nil
}

func (s *Service) loadText(ctx context.Context, key string) (string, error) {
	body, err := s.Store.Open(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// seedState builds the initial workflow state carried by a fresh run.
func seedState(run Run, jurisdiction string) ([]byte, error) {
	initial, err := state.Merge(state.PipelineSchema(), state.State{}, state.Update{
		Fields: map[string]any{
			state.FieldRunID:        run.ID,
			state.FieldOwnerID:      run.OwnerID,
			state.FieldDocumentID:   run.DocumentID,
			state.FieldFingerprint:  run.Fingerprint,
			state.FieldJurisdiction: jurisdiction,
		},
		StampedAt: run.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	return initial.Encode()
}

// documentKey is the owner-scoped alternate subscription key for a document.
func documentKey(ownerID, documentID string) string {
	return ownerID + ":" + documentID
}
