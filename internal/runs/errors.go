package runs

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrNotReady     = errors.New("run not in a terminal status")
	ErrNotResumable = errors.New("run is not resumable")
	ErrResumeLimit  = errors.New("resume limit reached")
	ErrValidation   = errors.New("validation failed")

	// errFingerprintConflict marks a lost claim race. It is resolved inside
	// GetOrClaimByFingerprint by attaching to the winner; callers never see it.
	errFingerprintConflict = errors.New("fingerprint already claimed")
)

const (
	ErrorCodeValidation     = "VALIDATION_ERROR"
	ErrorCodeStepFailed     = "STEP_EXECUTION_ERROR"
	ErrorCodeLLMTimeout     = "LLM_TIMEOUT"
	ErrorCodeSchemaMismatch = "LLM_SCHEMA_MISMATCH"
	ErrorCodeStorage        = "STORAGE_ERROR"
	ErrorCodeCancelled      = "CANCELLED"
	ErrorCodeInternal       = "INTERNAL_ERROR"
)
