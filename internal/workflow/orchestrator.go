package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"contract-backend/internal/extract"
	"contract-backend/internal/isolate"
	"contract-backend/internal/llm"
	"contract-backend/internal/parsers"
	"contract-backend/internal/progress"
	"contract-backend/internal/runs"
	"contract-backend/internal/shared/metrics"
	"contract-backend/internal/shared/telemetry"
	"contract-backend/internal/workflow/state"
)

const defaultStepTimeout = 3 * time.Minute

// failedCursorSuffix matches the marker the runs repo strips on resume.
const failedCursorSuffix = "_failed"

// Orchestrator drives the contract pipeline for one run at a time. All
// persistence and publication goes through the isolated resource binding.
type Orchestrator struct {
	Isolator    *isolate.Runner[*Resources]
	LLM         llm.Client
	Parsers     *parsers.Selector
	StepTimeout time.Duration
}

// ProcessRun executes (or resumes) the pipeline for a claimed run. The error
// return covers infrastructure failures only; a step failure is recorded on
// the run and reported as nil so queue redelivery does not re-run it.
func (o *Orchestrator) ProcessRun(ctx context.Context, runID string) error {
	return o.Isolator.RunIsolated(ctx, func(ctx context.Context, res *Resources) error {
		return o.process(ctx, res, runID)
	})
}

func (o *Orchestrator) process(ctx context.Context, res *Resources, runID string) error {
	run, err := res.Runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("run lookup id=%s: %w", runID, err)
	}
	if run.Terminal() {
		telemetry.Info("workflow.skip_terminal", map[string]any{
			"run_id": runID,
			"status": run.Status,
		})
		return nil
	}

	startedAt := time.Now().UTC()
	if err := res.Runs.UpdateStatus(ctx, runID, runs.StatusRunning, nil, nil, nil, &startedAt, nil); err != nil {
		return fmt.Errorf("set running id=%s: %w", runID, err)
	}
	o.logTransition(run, runs.StatusRunning, run.Status+"->running", 0)

	st, err := state.Decode(run.State)
	if err != nil {
		o.failStep(ctx, res, run, cursorStep(run), nil, startedAt, run.Progress, st, fmt.Errorf("decode checkpoint: %w", err))
		return nil
	}
	st, err = o.ensureContractText(ctx, res, run, st)
	if err != nil {
		o.failStep(ctx, res, run, cursorStep(run), nil, startedAt, run.Progress, st, err)
		return nil
	}

	o.publish(ctx, res, run.ID, progress.Event{
		RunID:    run.ID,
		Status:   runs.StatusRunning,
		Step:     cursorStep(run),
		Progress: run.Progress,
	})

	llmClient := newRetryingLLM(o.LLM, run.ID, "")
	steps := pipelineSteps()
	checkpointed := stepSet(run.CompletedSteps)
	var completed []string

	for i, step := range steps {
		if checkpointed[step.Name] && outputsSatisfied(st, step) {
			completed = append(completed, step.Name)
			continue
		}

		cancelled, err := res.Runs.IsCancelRequested(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("cancel check id=%s: %w", run.ID, err)
		}
		if cancelled {
			o.cancelRun(ctx, res, run, step.Name, startedAt)
			return nil
		}

		variant := o.Parsers.ByName(st.GetString(state.FieldParserVariant))
		env := &Env{State: st, LLM: llmClient, Parsers: o.Parsers, Variant: variant}

		if err := res.Runs.RecordStepExecution(ctx, run.ID, step.Name); err != nil {
			return fmt.Errorf("record step execution id=%s: %w", run.ID, err)
		}

		stepStarted := time.Now().UTC()
		updates, err := o.runStep(ctx, step, env)
		if err != nil {
			o.failStep(ctx, res, run, step.Name, completed, startedAt, progressPct(len(completed), len(steps)), st, err)
			return nil
		}

		next, err := state.Merge(state.PipelineSchema(), st, updates...)
		if err != nil {
			o.failStep(ctx, res, run, step.Name, completed, startedAt, progressPct(len(completed), len(steps)), st, err)
			return nil
		}
		next, err = state.Merge(state.PipelineSchema(), next, state.NewUpdate(map[string]any{
			state.FieldCompletedSteps: []string{step.Name},
		}))
		if err != nil {
			return fmt.Errorf("record completed step id=%s step=%s: %w", run.ID, step.Name, err)
		}
		st = next
		completed = append(completed, step.Name)
		pct := progressPct(i+1, len(steps))

		encoded, err := st.Encode()
		if err != nil {
			return fmt.Errorf("encode state id=%s: %w", run.ID, err)
		}
		if err := res.Runs.SaveCheckpoint(ctx, run.ID, step.Name, completed, pct, encoded); err != nil {
			return fmt.Errorf("save checkpoint id=%s step=%s: %w", run.ID, step.Name, err)
		}

		metrics.IncStepExecuted()
		metrics.ObserveStepDurationMs(durationMs(stepStarted, time.Now().UTC()))
		o.publish(ctx, res, run.ID, progress.Event{
			RunID:    run.ID,
			Status:   runs.StatusRunning,
			Step:     step.Name,
			Progress: pct,
		})
	}

	completedAt := time.Now().UTC()
	if err := res.Runs.UpdateStatus(ctx, run.ID, runs.StatusCompleted, nil, nil, nil, nil, &completedAt); err != nil {
		return fmt.Errorf("set completed id=%s: %w", run.ID, err)
	}
	metrics.IncRunCompleted()
	metrics.ObserveRunDurationMs(durationMs(startedAt, completedAt))
	o.publish(ctx, res, run.ID, progress.Event{
		RunID:    run.ID,
		Status:   runs.StatusCompleted,
		Progress: 100,
	})
	o.logTransition(run, runs.StatusCompleted, "running->completed", durationMs(startedAt, completedAt))
	return nil
}

// runStep applies the per-step timeout. A deadline hit is a step failure,
// not an infrastructure error.
func (o *Orchestrator) runStep(ctx context.Context, step Step, env *Env) ([]state.Update, error) {
	timeout := o.StepTimeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return step.Run(stepCtx, env)
}

func (o *Orchestrator) failStep(ctx context.Context, res *Resources, run runs.Run, stepName string, completed []string, startedAt time.Time, pct int, st state.State, stepErr error) {
	code, retryable := classifyFailure(stepErr)
	msg := sanitizeError(stepErr)
	completedAt := time.Now().UTC()

	if completed == nil {
		completed = run.CompletedSteps
	}
	if encoded, err := st.Encode(); err == nil {
		if err := res.Runs.SaveCheckpoint(ctx, run.ID, stepName+failedCursorSuffix, completed, pct, encoded); err != nil {
			telemetry.Error("workflow.checkpoint_failed", map[string]any{
				"run_id": run.ID,
				"step":   stepName,
				"error":  err.Error(),
			})
		}
	}
	if err := res.Runs.UpdateStatus(context.WithoutCancel(ctx), run.ID, runs.StatusStepFailed, &code, &msg, &retryable, nil, &completedAt); err != nil {
		telemetry.Error("workflow.fail_update_failed", map[string]any{
			"run_id": run.ID,
			"error":  err.Error(),
		})
	}
	metrics.IncStepFailed()
	metrics.IncRunFailed()
	metrics.ObserveRunDurationMs(durationMs(startedAt, completedAt))
	o.publish(ctx, res, run.ID, progress.Event{
		RunID:    run.ID,
		Status:   runs.StatusStepFailed,
		Step:     stepName,
		Progress: pct,
		Message:  code,
	})
	telemetry.Info("run.status", map[string]any{
		"owner_id":          run.OwnerID,
		"document_id":       run.DocumentID,
		"run_id":            run.ID,
		"status":            runs.StatusStepFailed,
		"status_transition": "running->step_failed",
		"step":              stepName,
		"error_code":        code,
		"retryable":         retryable,
		"duration_ms":       durationMs(startedAt, completedAt),
	})
}

func (o *Orchestrator) cancelRun(ctx context.Context, res *Resources, run runs.Run, nextStep string, startedAt time.Time) {
	code := runs.ErrorCodeCancelled
	completedAt := time.Now().UTC()
	if err := res.Runs.UpdateStatus(ctx, run.ID, runs.StatusCancelled, &code, nil, nil, nil, &completedAt); err != nil {
		telemetry.Error("workflow.cancel_update_failed", map[string]any{
			"run_id": run.ID,
			"error":  err.Error(),
		})
	}
	metrics.IncRunCancelled()
	o.publish(ctx, res, run.ID, progress.Event{
		RunID:  run.ID,
		Status: runs.StatusCancelled,
		Step:   nextStep,
	})
	o.logTransition(run, runs.StatusCancelled, "running->cancelled", durationMs(startedAt, completedAt))
}

// ensureContractText loads the document's extracted text into state when the
// checkpoint does not carry it yet.
func (o *Orchestrator) ensureContractText(ctx context.Context, res *Resources, run runs.Run, st state.State) (state.State, error) {
	if st.GetString(state.FieldContractText) != "" {
		return st, nil
	}
	doc, err := res.Docs.GetByID(ctx, run.OwnerID, run.DocumentID)
	if err != nil {
		return st, fmt.Errorf("document lookup id=%s: %w", run.DocumentID, err)
	}

	var text string
	if doc.ExtractedTextKey != "" {
		body, err := res.Store.Open(ctx, doc.ExtractedTextKey)
		if err != nil {
			return st, fmt.Errorf("document %s: load extracted text: %w", doc.ID, err)
		}
		data, readErr := io.ReadAll(body)
		body.Close()
		if readErr != nil {
			return st, fmt.Errorf("document %s: read extracted text: %w", doc.ID, readErr)
		}
		text = string(data)
	} else {
		text, err = extract.ExtractText(ctx, res.Store, doc.StorageKey, doc.MimeType, doc.FileName)
		if err != nil {
			return st, fmt.Errorf("document %s mime %s: %w", doc.ID, doc.MimeType, err)
		}
	}

	return state.Merge(state.PipelineSchema(), st, state.NewUpdate(map[string]any{
		state.FieldContractText: text,
	}))
}

func (o *Orchestrator) publish(ctx context.Context, res *Resources, runID string, ev progress.Event) {
	if res.Publisher == nil {
		return
	}
	res.Publisher.Publish(ctx, ev)
}

func (o *Orchestrator) logTransition(run runs.Run, status, transition string, durationMs float64) {
	telemetry.Info("run.status", map[string]any{
		"owner_id":          run.OwnerID,
		"document_id":       run.DocumentID,
		"run_id":            run.ID,
		"status":            status,
		"status_transition": transition,
		"duration_ms":       durationMs,
	})
}

// outputsSatisfied verifies a checkpoint still covers a skipped step.
func outputsSatisfied(st state.State, step Step) bool {
	for _, field := range step.Outputs {
		if _, ok := st.Get(field); !ok {
			return false
		}
	}
	return true
}

func stepSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[strings.TrimSuffix(name, failedCursorSuffix)] = true
	}
	return set
}

func cursorStep(run runs.Run) string {
	return strings.TrimSuffix(run.CurrentStep, failedCursorSuffix)
}

func progressPct(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}

func durationMs(from, to time.Time) float64 {
	return float64(to.Sub(from).Microseconds()) / 1000.0
}

func classifyFailure(err error) (string, bool) {
	if err == nil {
		return runs.ErrorCodeInternal, false
	}
	var unknownField state.UnknownFieldError
	if errors.As(err, &unknownField) {
		return runs.ErrorCodeValidation, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return runs.ErrorCodeLLMTimeout, true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "openai request timeout") {
		return runs.ErrorCodeLLMTimeout, true
	}
	if strings.Contains(msg, "timeout") && strings.Contains(msg, "llm") {
		return runs.ErrorCodeLLMTimeout, true
	}
	if strings.Contains(msg, "parse") || strings.Contains(msg, "schema") || strings.Contains(msg, "missing required field") || strings.Contains(msg, "invalid json") {
		return runs.ErrorCodeSchemaMismatch, false
	}
	if strings.Contains(msg, "validation") && !strings.Contains(msg, "llm") {
		return runs.ErrorCodeValidation, false
	}
	if strings.Contains(msg, "document") || strings.Contains(msg, "storage") || strings.Contains(msg, "checkpoint") || strings.Contains(msg, "extracted text") {
		return runs.ErrorCodeStorage, true
	}
	return runs.ErrorCodeStepFailed, false
}
