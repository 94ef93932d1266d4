package runs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func runRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "fingerprint", "owner_id", "document_id", "status", "current_step", "completed_steps", "step_executions",
		"progress", "state", "pipeline_version", "provider", "model", "error_code", "error_message", "error_retryable",
		"resume_count", "cancel_requested", "started_at", "completed_at", "created_at", "updated_at",
	})
}

func addRunRow(rows *sqlmock.Rows, id, fingerprint, status, currentStep string, resumeCount int) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(
		id, fingerprint, "owner-1", "doc-1", status, currentStep, []byte(`["classify"]`), []byte(`{"classify":1}`),
		20, []byte(`null`), "v1", "openai", "gpt-4o-mini", nil, nil, nil,
		resumeCount, false, nil, nil, now, now,
	)
}

func TestPGRepoClaimInsertsFreshRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	run := Run{
		ID:              "run-1",
		Fingerprint:     "fp-1",
		OwnerID:         "owner-1",
		DocumentID:      "doc-1",
		Status:          StatusPending,
		PipelineVersion: "v1",
		Provider:        "openai",
		Model:           "gpt-4o-mini",
		CreatedAt:       time.Now().UTC(),
	}

	mock.ExpectQuery("SELECT (.+) FROM runs").
		WithArgs(run.Fingerprint).
		WillReturnRows(runRows())
	mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	claimed, created, err := repo.GetOrClaimByFingerprint(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("GetOrClaimByFingerprint: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh claim")
	}
	if claimed.ID != run.ID {
		t.Fatalf("expected run %s, got %s", run.ID, claimed.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoClaimLostRaceAttachesToWinner(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	run := Run{
		ID:          "run-2",
		Fingerprint: "fp-1",
		OwnerID:     "owner-1",
		DocumentID:  "doc-1",
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	mock.ExpectQuery("SELECT (.+) FROM runs").
		WithArgs(run.Fingerprint).
		WillReturnRows(runRows())
	mock.ExpectExec("INSERT INTO runs").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uniq_runs_active_fingerprint"})
	mock.ExpectQuery("SELECT (.+) FROM runs").
		WithArgs(run.Fingerprint).
		WillReturnRows(addRunRow(runRows(), "run-1", "fp-1", StatusRunning, "parties", 0))

	claimed, created, err := repo.GetOrClaimByFingerprint(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("GetOrClaimByFingerprint: %v", err)
	}
	if created {
		t.Fatal("loser of the claim race must not report creation")
	}
	if claimed.ID != "run-1" {
		t.Fatalf("expected winner run-1, got %s", claimed.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoClaimReturnsCompletedRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	run := Run{ID: "run-2", Fingerprint: "fp-1", Status: StatusPending, CreatedAt: time.Now().UTC()}

	mock.ExpectQuery("SELECT (.+) FROM runs").
		WithArgs(run.Fingerprint).
		WillReturnRows(addRunRow(runRows(), "run-1", "fp-1", StatusCompleted, "risk", 0))

	claimed, created, err := repo.GetOrClaimByFingerprint(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("GetOrClaimByFingerprint: %v", err)
	}
	if created {
		t.Fatal("completed fingerprint must not create a run")
	}
	if claimed.ID != "run-1" || claimed.Status != StatusCompleted {
		t.Fatalf("expected completed run-1, got %+v", claimed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoUpdateStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	mock.ExpectExec("UPDATE runs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.UpdateStatus(context.Background(), "missing", StatusRunning, nil, nil, nil, nil, nil); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoRecordStepExecution(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	mock.ExpectExec("UPDATE runs").
		WithArgs("classify", "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RecordStepExecution(context.Background(), "run-1", "classify"); err != nil {
		t.Fatalf("RecordStepExecution: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoMarkResumedStripsFailureSuffix(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}

	mock.ExpectQuery("SELECT (.+) FROM runs").
		WithArgs("run-1").
		WillReturnRows(addRunRow(runRows(), "run-1", "fp-1", StatusStepFailed, "financial_failed", 0))
	mock.ExpectExec("UPDATE runs").
		WithArgs("financial", "run-1", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM runs").
		WithArgs("run-1").
		WillReturnRows(addRunRow(runRows(), "run-1", "fp-1", StatusPending, "financial", 1))

	resumed, err := repo.MarkResumed(context.Background(), "run-1", 3)
	if err != nil {
		t.Fatalf("MarkResumed: %v", err)
	}
	if resumed.CurrentStep != "financial" {
		t.Fatalf("expected stripped step cursor, got %q", resumed.CurrentStep)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoMarkResumedRejectsLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	mock.ExpectQuery("SELECT (.+) FROM runs").
		WithArgs("run-1").
		WillReturnRows(addRunRow(runRows(), "run-1", "fp-1", StatusStepFailed, "risk_failed", 3))

	if _, err := repo.MarkResumed(context.Background(), "run-1", 3); err != ErrResumeLimit {
		t.Fatalf("expected ErrResumeLimit, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
