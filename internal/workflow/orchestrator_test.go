package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"contract-backend/internal/documents"
	"contract-backend/internal/isolate"
	"contract-backend/internal/llm"
	"contract-backend/internal/parsers"
	"contract-backend/internal/progress"
	"contract-backend/internal/runs"
	"contract-backend/internal/shared/storage/object/local"
	"contract-backend/internal/workflow/state"
)

const testContract = `PURCHASE AGREEMENT between Maria Chen (Buyer) and Oak Lane LLC (Seller)
for the property at 12 Oak Lane. Purchase price: $985,000. Initial deposit of
$29,550 held in escrow by Pacific Escrow. Inspection contingency: 17 days.
Financing contingency: 21 days.`

// scriptedLLM returns canned JSON per step. Contingency sections key on
// "contingencies:<section>". Responses can be swapped mid-test to script a
// failure then a recovery.
type scriptedLLM struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage
	errs      map[string]error
	calls     map[string]int
}

func newScriptedLLM() *scriptedLLM {
	s := &scriptedLLM{
		responses: map[string]json.RawMessage{},
		errs:      map[string]error{},
		calls:     map[string]int{},
	}
	s.set(StepClassify, `{"category":"real_estate_purchase","jurisdiction":"us-ca","confidence":0.93,"summary":"Residential purchase agreement."}`)
	s.set(StepParties, `{"parties":[{"name":"Maria Chen","role":"buyer","address":""}],"signatories":["Maria Chen"],"effective_date":"2026-03-01"}`)
	s.set(StepFinancial, `{"purchase_price":985000,"currency":"USD","deposit":29550,"payment_schedule":[],"penalties":[],"notes":"","escrow":"Pacific Escrow","initial_deposit":29550}`)
	for _, section := range contingencySections {
		present := section != "title"
		s.set("contingencies:"+section, fmt.Sprintf(`{"section":%q,"present":%t,"deadline":"","conditions":[],"waivable":true,"disclosure_items":[]}`, section, present))
	}
	s.set(StepRisk, `{"risk_score":22,"risk_level":"low","flags":[],"recommendations":["Confirm escrow holder licensing."],"summary":"Standard terms, low exposure."}`)
	return s
}

func (s *scriptedLLM) set(key, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[key] = json.RawMessage(body)
	delete(s.errs, key)
}

func (s *scriptedLLM) fail(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[key] = err
}

func (s *scriptedLLM) callCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	key := req.Step
	if req.Step == StepContingencies {
		key = "contingencies:" + req.Section
	}
	s.mu.Lock()
	s.calls[key]++
	err := s.errs[key]
	resp := s.responses[key]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("no scripted response for %s", key)
	}
	return resp, nil
}

// blockingLLM never answers; it waits for the step deadline.
type blockingLLM struct{}

func (blockingLLM) Complete(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type testHarness struct {
	orc   *Orchestrator
	repo  *runs.MemoryRepo
	docs  *documents.MemoryRepo
	bus   *progress.MemoryBus
	llm   *scriptedLLM
	runID string
}

func setupHarness(t *testing.T, client llm.Client) *testHarness {
	t.Helper()
	repo := runs.NewMemoryRepo()
	docRepo := documents.NewMemoryRepo()
	store := local.New(t.TempDir())
	bus := progress.NewMemoryBus()

	res := &Resources{
		Runs:  repo,
		Docs:  docRepo,
		Store: store,
		Publisher: &progress.Publisher{
			Bus:      bus,
			Bindings: progress.NewMemoryBindingStore(),
		},
	}
	scripted, _ := client.(*scriptedLLM)

	orc := &Orchestrator{
		Isolator: isolate.NewRunner(func(ctx context.Context) (*Resources, error) {
			return res, nil
		}),
		LLM:         client,
		Parsers:     parsers.NewSelector(),
		StepTimeout: 2 * time.Second,
	}

	ctx := context.Background()
	key, size, mime, err := store.Save(ctx, "owner-1", "extracted.txt", strings.NewReader(testContract))
	if err != nil {
		t.Fatalf("save extracted text: %v", err)
	}
	if err := docRepo.Create(ctx, documents.Document{
		ID:               "doc-1",
		OwnerID:          "owner-1",
		FileName:         "contract.txt",
		MimeType:         mime,
		SizeBytes:        size,
		StorageKey:       key,
		ExtractedTextKey: key,
		CreatedAt:        time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create document: %v", err)
	}

	initial, err := state.Merge(state.PipelineSchema(), state.New(), state.NewUpdate(map[string]any{
		state.FieldRunID:        "run-1",
		state.FieldOwnerID:      "owner-1",
		state.FieldDocumentID:   "doc-1",
		state.FieldFingerprint:  "fp-1",
		state.FieldJurisdiction: "us-ca",
	}))
	if err != nil {
		t.Fatalf("seed state: %v", err)
	}
	encoded, err := initial.Encode()
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	now := time.Now().UTC()
	_, created, err := repo.GetOrClaimByFingerprint(ctx, runs.Run{
		ID:          "run-1",
		Fingerprint: "fp-1",
		OwnerID:     "owner-1",
		DocumentID:  "doc-1",
		Status:      runs.StatusPending,
		State:       encoded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil)
	if err != nil || !created {
		t.Fatalf("seed run: created=%t err=%v", created, err)
	}

	return &testHarness{orc: orc, repo: repo, docs: docRepo, bus: bus, llm: scripted, runID: "run-1"}
}

func (h *testHarness) run(t *testing.T) runs.Run {
	t.Helper()
	if err := h.orc.ProcessRun(context.Background(), h.runID); err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}
	run, err := h.repo.GetByID(context.Background(), h.runID)
	if err != nil {
		t.Fatalf("reload run: %v", err)
	}
	return run
}

func (h *testHarness) decodeState(t *testing.T, run runs.Run) state.State {
	t.Helper()
	st, err := state.Decode(run.State)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return st
}

func drainEvents(sub progress.Subscription) []progress.Event {
	var events []progress.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestProcessRunCompletesPipeline(t *testing.T) {
	h := setupHarness(t, newScriptedLLM())
	sub, err := h.bus.Subscribe(context.Background(), h.runID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	run := h.run(t)

	if run.Status != runs.StatusCompleted {
		t.Fatalf("expected completed, got %s (%v %v)", run.Status, run.ErrorCode, run.ErrorMessage)
	}
	want := []string{StepClassify, StepParties, StepFinancial, StepContingencies, StepRisk}
	if len(run.CompletedSteps) != len(want) {
		t.Fatalf("completed steps: %v", run.CompletedSteps)
	}
	for i, name := range want {
		if run.CompletedSteps[i] != name {
			t.Fatalf("completed steps out of order: %v", run.CompletedSteps)
		}
		if run.StepExecutions[name] != 1 {
			t.Fatalf("step %s executed %d times", name, run.StepExecutions[name])
		}
	}
	if run.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", run.Progress)
	}
	if run.StartedAt == nil || run.CompletedAt == nil {
		t.Fatal("expected started/completed timestamps")
	}

	st := h.decodeState(t, run)
	logged, _ := st.Get(state.FieldCompletedSteps)
	loggedSteps, ok := logged.([]any)
	if !ok || len(loggedSteps) != len(want) {
		t.Fatalf("state completed_steps: %v", logged)
	}
	for i, name := range want {
		if loggedSteps[i] != name {
			t.Fatalf("state completed_steps out of order: %v", loggedSteps)
		}
	}
	if st.GetString(state.FieldParserVariant) != "us-ca" {
		t.Fatalf("expected us-ca variant, got %q", st.GetString(state.FieldParserVariant))
	}
	contingencies := st.GetMap(state.FieldContingencies)
	if len(contingencies) != len(contingencySections) {
		t.Fatalf("expected %d contingency sections, got %v", len(contingencySections), contingencies)
	}
	risk := st.GetMap(state.FieldRiskAssessment)
	if risk["risk_level"] != "low" {
		t.Fatalf("unexpected risk assessment: %v", risk)
	}
	warnings, _ := st.Get(state.FieldWarnings)
	if list, ok := warnings.([]any); !ok || len(list) != 1 || list[0] != "no title contingency found" {
		t.Fatalf("expected title warning, got %v", warnings)
	}

	events := drainEvents(sub)
	if len(events) < 3 {
		t.Fatalf("expected running and completed events, got %v", events)
	}
	if events[0].Status != runs.StatusRunning {
		t.Fatalf("first event should be running, got %v", events[0])
	}
	last := events[len(events)-1]
	if last.Status != runs.StatusCompleted || last.Progress != 100 {
		t.Fatalf("last event should be completed at 100, got %v", last)
	}
}

func TestProcessRunSchemaMismatchFailsStep(t *testing.T) {
	client := newScriptedLLM()
	// us-ca financial requires escrow and initial_deposit.
	client.set(StepFinancial, `{"purchase_price":985000}`)
	h := setupHarness(t, client)

	run := h.run(t)

	if run.Status != runs.StatusStepFailed {
		t.Fatalf("expected step_failed, got %s", run.Status)
	}
	if run.CurrentStep != StepFinancial+"_failed" {
		t.Fatalf("expected failed cursor, got %q", run.CurrentStep)
	}
	if run.ErrorCode != runs.ErrorCodeSchemaMismatch {
		t.Fatalf("expected %s, got %q", runs.ErrorCodeSchemaMismatch, run.ErrorCode)
	}
	if run.ErrorRetryable {
		t.Fatal("schema mismatch should not be retryable")
	}
	if len(run.CompletedSteps) != 2 || run.CompletedSteps[0] != StepClassify || run.CompletedSteps[1] != StepParties {
		t.Fatalf("earlier checkpoints lost: %v", run.CompletedSteps)
	}

	// Earlier outputs survive the failure.
	st := h.decodeState(t, run)
	if st.GetMap(state.FieldParties) == nil {
		t.Fatal("parties output missing from checkpoint")
	}
	if _, ok := st.Get(state.FieldFinancialTerms); ok {
		t.Fatal("failed step must not write state")
	}
}

func TestProcessRunResumeSkipsCompletedSteps(t *testing.T) {
	client := newScriptedLLM()
	client.fail(StepFinancial, fmt.Errorf("llm financial: invalid json"))
	h := setupHarness(t, client)

	run := h.run(t)
	if run.Status != runs.StatusStepFailed {
		t.Fatalf("expected step_failed, got %s", run.Status)
	}

	client.set(StepFinancial, `{"purchase_price":985000,"escrow":"Pacific Escrow","initial_deposit":29550}`)
	resumed, err := h.repo.MarkResumed(context.Background(), h.runID, 3)
	if err != nil {
		t.Fatalf("mark resumed: %v", err)
	}
	if resumed.Status != runs.StatusPending || resumed.CurrentStep != StepFinancial {
		t.Fatalf("resume should reset to pending at financial, got %s %q", resumed.Status, resumed.CurrentStep)
	}

	run = h.run(t)
	if run.Status != runs.StatusCompleted {
		t.Fatalf("expected completed after resume, got %s (%v)", run.Status, run.ErrorMessage)
	}
	if run.ResumeCount != 1 {
		t.Fatalf("expected resume count 1, got %d", run.ResumeCount)
	}
	if got := client.callCount(StepClassify); got != 1 {
		t.Fatalf("classify re-executed on resume: %d calls", got)
	}
	if got := client.callCount(StepParties); got != 1 {
		t.Fatalf("parties re-executed on resume: %d calls", got)
	}
	if got := client.callCount(StepFinancial); got != 2 {
		t.Fatalf("expected financial retried once, got %d calls", got)
	}
	if run.StepExecutions[StepFinancial] != 2 {
		t.Fatalf("expected 2 recorded financial executions, got %d", run.StepExecutions[StepFinancial])
	}
}

func TestProcessRunCancelStopsAtStepBoundary(t *testing.T) {
	h := setupHarness(t, newScriptedLLM())
	if err := h.repo.RequestCancel(context.Background(), h.runID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	run := h.run(t)

	if run.Status != runs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}
	if run.ErrorCode != runs.ErrorCodeCancelled {
		t.Fatalf("expected %s, got %q", runs.ErrorCodeCancelled, run.ErrorCode)
	}
	if got := h.llm.callCount(StepClassify); got != 0 {
		t.Fatalf("no step should run after cancel, classify ran %d times", got)
	}
}

func TestProcessRunStepTimeout(t *testing.T) {
	h := setupHarness(t, blockingLLM{})
	h.orc.StepTimeout = 50 * time.Millisecond

	run := h.run(t)

	if run.Status != runs.StatusStepFailed {
		t.Fatalf("expected step_failed, got %s", run.Status)
	}
	if run.ErrorCode != runs.ErrorCodeLLMTimeout {
		t.Fatalf("expected %s, got %q", runs.ErrorCodeLLMTimeout, run.ErrorCode)
	}
	if !run.ErrorRetryable {
		t.Fatal("timeout should be retryable")
	}
	if run.CurrentStep != StepClassify+"_failed" {
		t.Fatalf("expected classify failed cursor, got %q", run.CurrentStep)
	}
}

func TestProcessRunSkipsTerminalRun(t *testing.T) {
	h := setupHarness(t, newScriptedLLM())
	completedAt := time.Now().UTC()
	if err := h.repo.UpdateStatus(context.Background(), h.runID, runs.StatusCompleted, nil, nil, nil, nil, &completedAt); err != nil {
		t.Fatalf("seed completed status: %v", err)
	}

	run := h.run(t)

	if run.Status != runs.StatusCompleted {
		t.Fatalf("terminal run should stay completed, got %s", run.Status)
	}
	if got := h.llm.callCount(StepClassify); got != 0 {
		t.Fatalf("terminal run should not execute steps, classify ran %d times", got)
	}
}
