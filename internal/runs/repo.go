package runs

import (
	"context"
	"encoding/json"
	"time"
)

// Repo defines persistence operations for runs.
type Repo interface {
	// GetOrClaimByFingerprint claims the fingerprint for run or attaches to
	// the run already holding it. A completed run for the fingerprint is
	// returned as-is. The boolean reports whether a new run was created;
	// allowCreate, when non-nil, is consulted right before creation.
	GetOrClaimByFingerprint(ctx context.Context, run Run, allowCreate func() error) (Run, bool, error)

	GetByID(ctx context.Context, runID string) (Run, error)
	GetLatestByDocument(ctx context.Context, ownerID, documentID string) (Run, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Run, error)

	// UpdateStatus transitions the run and records error fields and
	// timestamps. Nil pointers leave the stored values untouched.
	UpdateStatus(ctx context.Context, runID, status string, errorCode, errorMessage *string, errorRetryable *bool, startedAt, completedAt *time.Time) error

	// SaveCheckpoint persists the state snapshot and run cursor after a step.
	SaveCheckpoint(ctx context.Context, runID, currentStep string, completedSteps []string, progress int, state json.RawMessage) error

	// RecordStepExecution increments the execution counter for a step.
	RecordStepExecution(ctx context.Context, runID, step string) error

	// RequestCancel flags a pending or running run for cooperative cancel.
	RequestCancel(ctx context.Context, runID string) error
	IsCancelRequested(ctx context.Context, runID string) (bool, error)

	// MarkResumed moves a step_failed run back to pending with the failure
	// suffix stripped from the step cursor. maxResumes bounds how often.
	MarkResumed(ctx context.Context, runID string, maxResumes int) (Run, error)
}

// failedStepSuffix marks the step cursor of a failed run. Resume strips it to
// recover the step to re-execute.
const failedStepSuffix = "_failed"
