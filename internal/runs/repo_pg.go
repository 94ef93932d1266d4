package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const runColumns = `id, fingerprint, owner_id, document_id, status, current_step, completed_steps, step_executions,
       progress, state, pipeline_version, provider, model, error_code, error_message, error_retryable,
       resume_count, cancel_requested, started_at, completed_at, created_at, updated_at`

// GetOrClaimByFingerprint relies on the partial unique index over active
// fingerprints: the insert is the claim. A losing racer reads back the
// winner's row and attaches to it.
func (r *PGRepo) GetOrClaimByFingerprint(ctx context.Context, run Run, allowCreate func() error) (Run, bool, error) {
	latest, err := r.getLatestByFingerprint(ctx, run.Fingerprint)
	if err == nil {
		if latest.Status == StatusCompleted || latest.Active() {
			return latest, false, nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return Run{}, false, err
	}

	if allowCreate != nil {
		if err := allowCreate(); err != nil {
			return Run{}, false, err
		}
	}

	if err := r.create(ctx, run); err != nil {
		if !errors.Is(err, errFingerprintConflict) {
			return Run{}, false, err
		}
		winner, getErr := r.getActiveByFingerprint(ctx, run.Fingerprint)
		if getErr != nil {
			return Run{}, false, getErr
		}
		return winner, false, nil
	}
	return run, true, nil
}

func (r *PGRepo) create(ctx context.Context, run Run) error {
	const query = `
INSERT INTO runs (id, fingerprint, owner_id, document_id, status, current_step, completed_steps, step_executions,
                  progress, state, pipeline_version, provider, model, resume_count, cancel_requested, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), 0, FALSE, $14, $14)`
	completed, err := json.Marshal(emptySteps(run.CompletedSteps))
	if err != nil {
		return err
	}
	executions, err := json.Marshal(emptyExecutions(run.StepExecutions))
	if err != nil {
		return err
	}
	state := run.State
	if len(state) == 0 {
		state = json.RawMessage("null")
	}
	_, err = r.DB.ExecContext(ctx, query,
		run.ID,
		run.Fingerprint,
		run.OwnerID,
		run.DocumentID,
		run.Status,
		run.CurrentStep,
		completed,
		executions,
		run.Progress,
		[]byte(state),
		run.PipelineVersion,
		run.Provider,
		run.Model,
		run.CreatedAt,
	)
	if isUniqueViolation(err) {
		return errFingerprintConflict
	}
	return err
}

// GetByID returns a run by ID.
func (r *PGRepo) GetByID(ctx context.Context, runID string) (Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1 LIMIT 1`
	return r.scanOne(r.DB.QueryRowContext(ctx, query, runID))
}

// GetLatestByDocument returns the newest run for an owner's document.
func (r *PGRepo) GetLatestByDocument(ctx context.Context, ownerID, documentID string) (Run, error) {
	query := `SELECT ` + runColumns + `
FROM runs
WHERE owner_id = $1 AND document_id = $2
ORDER BY created_at DESC
LIMIT 1`
	return r.scanOne(r.DB.QueryRowContext(ctx, query, ownerID, documentID))
}

// ListByOwner returns runs newest-first.
func (r *PGRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + runColumns + `
FROM runs
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`
	rows, err := r.DB.QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateStatus transitions the run and records error fields and timestamps.
func (r *PGRepo) UpdateStatus(ctx context.Context, runID, status string, errorCode, errorMessage *string, errorRetryable *bool, startedAt, completedAt *time.Time) error {
	const query = `
UPDATE runs
SET status = $1,
    error_code = COALESCE($2::text, error_code),
    error_message = COALESCE($3::text, error_message),
    error_retryable = CASE
        WHEN $4::boolean IS NOT NULL THEN $4::boolean
        ELSE error_retryable
    END,
    started_at = CASE
        WHEN $5::timestamptz IS NOT NULL THEN $5::timestamptz
        WHEN $1 = 'running' AND started_at IS NULL THEN now()
        ELSE started_at
    END,
    completed_at = CASE
        WHEN $6::timestamptz IS NOT NULL THEN $6::timestamptz
        WHEN $1 IN ('completed', 'step_failed', 'cancelled') AND completed_at IS NULL THEN now()
        ELSE completed_at
    END,
    updated_at = now()
WHERE id = $7`
	res, err := r.DB.ExecContext(ctx, query, status, errorCode, errorMessage, errorRetryable, startedAt, completedAt, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCheckpoint persists the merged state and step cursor after a step.
func (r *PGRepo) SaveCheckpoint(ctx context.Context, runID, currentStep string, completedSteps []string, progress int, state json.RawMessage) error {
	const query = `
UPDATE runs
SET current_step = $1,
    completed_steps = $2::jsonb,
    progress = $3,
    state = $4::jsonb,
    updated_at = now()
WHERE id = $5`
	completed, err := json.Marshal(emptySteps(completedSteps))
	if err != nil {
		return err
	}
	if len(state) == 0 {
		state = json.RawMessage("null")
	}
	res, err := r.DB.ExecContext(ctx, query, currentStep, completed, progress, []byte(state), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordStepExecution increments the per-step execution counter.
func (r *PGRepo) RecordStepExecution(ctx context.Context, runID, step string) error {
	const query = `
UPDATE runs
SET step_executions = jsonb_set(
        step_executions,
        ARRAY[$1::text],
        (COALESCE(step_executions->>$1, '0')::int + 1)::text::jsonb
    ),
    updated_at = now()
WHERE id = $2`
	res, err := r.DB.ExecContext(ctx, query, step, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel flags an active run for cooperative cancellation.
func (r *PGRepo) RequestCancel(ctx context.Context, runID string) error {
	const query = `
UPDATE runs
SET cancel_requested = TRUE,
    updated_at = now()
WHERE id = $1 AND status IN ('pending', 'running')`
	res, err := r.DB.ExecContext(ctx, query, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsCancelRequested reads the cancel flag.
func (r *PGRepo) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	const query = `SELECT cancel_requested FROM runs WHERE id = $1 LIMIT 1`
	var requested bool
	err := r.DB.QueryRowContext(ctx, query, runID).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return requested, nil
}

// MarkResumed moves a step_failed run back to pending. The update is guarded
// by the observed resume count, so two racing resumes produce one requeue.
func (r *PGRepo) MarkResumed(ctx context.Context, runID string, maxResumes int) (Run, error) {
	run, err := r.GetByID(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status != StatusStepFailed {
		return Run{}, ErrNotResumable
	}
	if maxResumes > 0 && run.ResumeCount >= maxResumes {
		return Run{}, ErrResumeLimit
	}

	resumedStep := strings.TrimSuffix(run.CurrentStep, failedStepSuffix)
	const query = `
UPDATE runs
SET status = 'pending',
    current_step = $1,
    resume_count = resume_count + 1,
    error_code = NULL,
    error_message = NULL,
    error_retryable = NULL,
    completed_at = NULL,
    cancel_requested = FALSE,
    updated_at = now()
WHERE id = $2 AND status = 'step_failed' AND resume_count = $3`
	res, err := r.DB.ExecContext(ctx, query, resumedStep, runID, run.ResumeCount)
	if err != nil {
		return Run{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Run{}, ErrNotResumable
	}
	return r.GetByID(ctx, runID)
}

func (r *PGRepo) getLatestByFingerprint(ctx context.Context, fingerprint string) (Run, error) {
	query := `SELECT ` + runColumns + `
FROM runs
WHERE fingerprint = $1
ORDER BY created_at DESC
LIMIT 1`
	return r.scanOne(r.DB.QueryRowContext(ctx, query, fingerprint))
}

func (r *PGRepo) getActiveByFingerprint(ctx context.Context, fingerprint string) (Run, error) {
	query := `SELECT ` + runColumns + `
FROM runs
WHERE fingerprint = $1 AND status IN ('pending', 'running')
LIMIT 1`
	return r.scanOne(r.DB.QueryRowContext(ctx, query, fingerprint))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PGRepo) scanOne(row rowScanner) (Run, error) {
	run, err := r.scanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	return run, nil
}

func (r *PGRepo) scanRow(row rowScanner) (Run, error) {
	var run Run
	var completedSteps []byte
	var stepExecutions []byte
	var state []byte
	var pipelineVersion sql.NullString
	var provider sql.NullString
	var model sql.NullString
	var errorCode sql.NullString
	var errorMessage sql.NullString
	var errorRetryable sql.NullBool
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.Fingerprint,
		&run.OwnerID,
		&run.DocumentID,
		&run.Status,
		&run.CurrentStep,
		&completedSteps,
		&stepExecutions,
		&run.Progress,
		&state,
		&pipelineVersion,
		&provider,
		&model,
		&errorCode,
		&errorMessage,
		&errorRetryable,
		&run.ResumeCount,
		&run.CancelRequested,
		&startedAt,
		&completedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return Run{}, err
	}
	if len(completedSteps) > 0 {
		if err := json.Unmarshal(completedSteps, &run.CompletedSteps); err != nil {
			run.CompletedSteps = nil
		}
	}
	if len(stepExecutions) > 0 {
		if err := json.Unmarshal(stepExecutions, &run.StepExecutions); err != nil {
			run.StepExecutions = nil
		}
	}
	if len(state) > 0 && string(state) != "null" {
		run.State = json.RawMessage(state)
	}
	if pipelineVersion.Valid {
		run.PipelineVersion = pipelineVersion.String
	}
	if provider.Valid {
		run.Provider = provider.String
	}
	if model.Valid {
		run.Model = model.String
	}
	if errorCode.Valid {
		run.ErrorCode = errorCode.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = &errorMessage.String
	}
	if errorRetryable.Valid {
		run.ErrorRetryable = errorRetryable.Bool
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func emptySteps(steps []string) []string {
	if steps == nil {
		return []string{}
	}
	return steps
}

func emptyExecutions(execs map[string]int) map[string]int {
	if execs == nil {
		return map[string]int{}
	}
	return execs
}

var _ Repo = (*PGRepo)(nil)
