package runs

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repo for tests and DB-less development. It
// mirrors the claim semantics of the partial unique index under a mutex.
type MemoryRepo struct {
	mu   sync.Mutex
	runs map[string]Run
}

// NewMemoryRepo constructs an empty MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{runs: make(map[string]Run)}
}

func (r *MemoryRepo) GetOrClaimByFingerprint(ctx context.Context, run Run, allowCreate func() error) (Run, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *Run
	for _, existing := range r.runs {
		if existing.Fingerprint != run.Fingerprint {
			continue
		}
		if existing.Active() {
			attached := existing
			return attached, false, nil
		}
		if latest == nil || existing.CreatedAt.After(latest.CreatedAt) {
			candidate := existing
			latest = &candidate
		}
	}
	if latest != nil && latest.Status == StatusCompleted {
		return *latest, false, nil
	}

	if allowCreate != nil {
		if err := allowCreate(); err != nil {
			return Run{}, false, err
		}
	}
	if run.CompletedSteps == nil {
		run.CompletedSteps = []string{}
	}
	if run.StepExecutions == nil {
		run.StepExecutions = map[string]int{}
	}
	r.runs[run.ID] = run
	return run, true, nil
}

func (r *MemoryRepo) GetByID(ctx context.Context, runID string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (r *MemoryRepo) GetLatestByDocument(ctx context.Context, ownerID, documentID string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Run
	for _, run := range r.runs {
		if run.OwnerID != ownerID || run.DocumentID != documentID {
			continue
		}
		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			candidate := run
			latest = &candidate
		}
	}
	if latest == nil {
		return Run{}, ErrNotFound
	}
	return *latest, nil
}

func (r *MemoryRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Run
	for _, run := range r.runs {
		if run.OwnerID == ownerID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, runID, status string, errorCode, errorMessage *string, errorRetryable *bool, startedAt, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	run.Status = status
	if errorCode != nil {
		run.ErrorCode = *errorCode
	}
	if errorMessage != nil {
		run.ErrorMessage = errorMessage
	}
	if errorRetryable != nil {
		run.ErrorRetryable = *errorRetryable
	}
	if startedAt != nil {
		run.StartedAt = startedAt
	} else if status == StatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if completedAt != nil {
		run.CompletedAt = completedAt
	} else if run.Terminal() && run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	run.UpdatedAt = now
	r.runs[runID] = run
	return nil
}

func (r *MemoryRepo) SaveCheckpoint(ctx context.Context, runID, currentStep string, completedSteps []string, progress int, state json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.CurrentStep = currentStep
	run.CompletedSteps = append([]string(nil), completedSteps...)
	run.Progress = progress
	run.State = append(json.RawMessage(nil), state...)
	run.UpdatedAt = time.Now().UTC()
	r.runs[runID] = run
	return nil
}

func (r *MemoryRepo) RecordStepExecution(ctx context.Context, runID, step string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if run.StepExecutions == nil {
		run.StepExecutions = map[string]int{}
	}
	run.StepExecutions[step]++
	run.UpdatedAt = time.Now().UTC()
	r.runs[runID] = run
	return nil
}

func (r *MemoryRepo) RequestCancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || !run.Active() {
		return ErrNotFound
	}
	run.CancelRequested = true
	run.UpdatedAt = time.Now().UTC()
	r.runs[runID] = run
	return nil
}

func (r *MemoryRepo) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	return run.CancelRequested, nil
}

func (r *MemoryRepo) MarkResumed(ctx context.Context, runID string, maxResumes int) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	if run.Status != StatusStepFailed {
		return Run{}, ErrNotResumable
	}
	if maxResumes > 0 && run.ResumeCount >= maxResumes {
		return Run{}, ErrResumeLimit
	}
	run.Status = StatusPending
	run.CurrentStep = strings.TrimSuffix(run.CurrentStep, failedStepSuffix)
	run.ResumeCount++
	run.ErrorCode = ""
	run.ErrorMessage = nil
	run.ErrorRetryable = false
	run.CompletedAt = nil
	run.CancelRequested = false
	run.UpdatedAt = time.Now().UTC()
	r.runs[runID] = run
	return run, nil
}

var _ Repo = (*MemoryRepo)(nil)
