package runs

import (
	"encoding/json"
	"time"
)

const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusStepFailed = "step_failed"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Run represents one analysis run over a contract document. A run is the
// unit of idempotency: at most one pending or running run exists per content
// fingerprint.
type Run struct {
	ID              string          `json:"id"`
	Fingerprint     string          `json:"fingerprint"`
	OwnerID         string          `json:"ownerId"`
	DocumentID      string          `json:"documentId"`
	Status          string          `json:"status"`
	CurrentStep     string          `json:"currentStep,omitempty"`
	CompletedSteps  []string        `json:"completedSteps,omitempty"`
	StepExecutions  map[string]int  `json:"stepExecutions,omitempty"`
	Progress        int             `json:"progress"`
	State           json.RawMessage `json:"-"`
	PipelineVersion string          `json:"pipelineVersion,omitempty"`
	Provider        string          `json:"provider,omitempty"`
	Model           string          `json:"model,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	ErrorMessage    *string         `json:"errorMessage,omitempty"`
	ErrorRetryable  bool            `json:"errorRetryable,omitempty"`
	ResumeCount     int             `json:"resumeCount"`
	CancelRequested bool            `json:"-"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Terminal reports whether the run's status admits no further step execution
// without an explicit resume.
func (r Run) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusStepFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the run holds the fingerprint claim.
func (r Run) Active() bool {
	return r.Status == StatusPending || r.Status == StatusRunning
}
