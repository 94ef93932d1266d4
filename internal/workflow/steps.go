package workflow

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"contract-backend/internal/llm"
	"contract-backend/internal/parsers"
	"contract-backend/internal/workflow/state"
)

// Pipeline step names, in execution order.
const (
	StepClassify      = parsers.StepClassify
	StepParties       = parsers.StepParties
	StepFinancial     = parsers.StepFinancial
	StepContingencies = parsers.StepContingencies
	StepRisk          = parsers.StepRisk
)

// contingencySections are extracted in parallel within the contingencies
// step boundary.
var contingencySections = []string{"inspection", "financing", "appraisal", "title"}

// Env carries what a step may read. Steps never mutate the state; they
// return partial updates for the orchestrator to merge.
type Env struct {
	State   state.State
	LLM     llm.Client
	Parsers *parsers.Selector
	Variant *parsers.Variant
}

// Step is one pipeline stage. Outputs declares the state fields the step is
// responsible for writing; resume uses the list to verify a checkpoint still
// covers a skipped step.
type Step struct {
	Name    string
	Outputs []string
	Run     func(ctx context.Context, env *Env) ([]state.Update, error)
}

// pipelineSteps is the closed step registry. Order is execution order; there
// is no dynamic dispatch beyond this table.
func pipelineSteps() []Step {
	return []Step{
		{
			Name:    StepClassify,
			Outputs: []string{state.FieldClassification, state.FieldParserVariant},
			Run:     runClassify,
		},
		{
			Name:    StepParties,
			Outputs: []string{state.FieldParties},
			Run:     runParties,
		},
		{
			Name:    StepFinancial,
			Outputs: []string{state.FieldFinancialTerms},
			Run:     runFinancial,
		},
		{
			Name:    StepContingencies,
			Outputs: []string{state.FieldContingencies},
			Run:     runContingencies,
		},
		{
			Name:    StepRisk,
			Outputs: []string{state.FieldRiskAssessment},
			Run:     runRisk,
		},
	}
}

func runClassify(ctx context.Context, env *Env) ([]state.Update, error) {
	hint := env.State.GetString(state.FieldJurisdiction)
	raw, err := env.LLM.Complete(ctx, llm.Request{
		Step:         StepClassify,
		Jurisdiction: hint,
		ContractText: env.State.GetString(state.FieldContractText),
	})
	if err != nil {
		return nil, fmt.Errorf("llm classify: %w", err)
	}
	out, err := env.Variant.ParseStepOutput(StepClassify, raw)
	if err != nil {
		return nil, err
	}

	jurisdiction, _ := out["jurisdiction"].(string)
	if jurisdiction == "" {
		jurisdiction = hint
	}
	variant := env.Parsers.Select(jurisdiction)
	category, _ := out["category"].(string)

	return []state.Update{state.NewUpdate(map[string]any{
		state.FieldClassification: out,
		state.FieldCategory:       category,
		state.FieldJurisdiction:   jurisdiction,
		state.FieldParserVariant:  variant.Name,
	})}, nil
}

func runParties(ctx context.Context, env *Env) ([]state.Update, error) {
	raw, err := env.LLM.Complete(ctx, llm.Request{
		Step:         StepParties,
		Jurisdiction: env.State.GetString(state.FieldJurisdiction),
		ContractText: env.State.GetString(state.FieldContractText),
		Context: map[string]any{
			"classification": env.State.GetMap(state.FieldClassification),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm parties: %w", err)
	}
	out, err := env.Variant.ParseStepOutput(StepParties, raw)
	if err != nil {
		return nil, err
	}
	return []state.Update{state.NewUpdate(map[string]any{
		state.FieldParties: out,
	})}, nil
}

func runFinancial(ctx context.Context, env *Env) ([]state.Update, error) {
	raw, err := env.LLM.Complete(ctx, llm.Request{
		Step:         StepFinancial,
		Jurisdiction: env.State.GetString(state.FieldJurisdiction),
		ContractText: env.State.GetString(state.FieldContractText),
		Context: map[string]any{
			"classification": env.State.GetMap(state.FieldClassification),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm financial: %w", err)
	}
	out, err := env.Variant.ParseStepOutput(StepFinancial, raw)
	if err != nil {
		return nil, err
	}
	return []state.Update{state.NewUpdate(map[string]any{
		state.FieldFinancialTerms: out,
	})}, nil
}

// runContingencies fans the sections out in parallel. Each section produces
// its own partial update; the merge policies make the combination
// order-independent within the step boundary.
func runContingencies(ctx context.Context, env *Env) ([]state.Update, error) {
	updates := make([]state.Update, len(contingencySections))
	g, gctx := errgroup.WithContext(ctx)
	for i, section := range contingencySections {
		i, section := i, section
		g.Go(func() error {
			raw, err := env.LLM.Complete(gctx, llm.Request{
				Step:         StepContingencies,
				Section:      section,
				Jurisdiction: env.State.GetString(state.FieldJurisdiction),
				ContractText: env.State.GetString(state.FieldContractText),
			})
			if err != nil {
				return fmt.Errorf("llm contingencies %s: %w", section, err)
			}
			out, err := env.Variant.ParseStepOutput(StepContingencies, raw)
			if err != nil {
				return err
			}

			fields := map[string]any{
				state.FieldContingencies: map[string]any{section: out},
			}
			if present, ok := out["present"].(bool); ok && !present {
				fields[state.FieldWarnings] = []any{
					fmt.Sprintf("no %s contingency found", section),
				}
			}
			updates[i] = state.Update{Fields: fields, StampedAt: time.Now().UTC()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return updates, nil
}

func runRisk(ctx context.Context, env *Env) ([]state.Update, error) {
	raw, err := env.LLM.Complete(ctx, llm.Request{
		Step:         StepRisk,
		Jurisdiction: env.State.GetString(state.FieldJurisdiction),
		ContractText: env.State.GetString(state.FieldContractText),
		Context: map[string]any{
			"classification":  env.State.GetMap(state.FieldClassification),
			"parties":         env.State.GetMap(state.FieldParties),
			"financial_terms": env.State.GetMap(state.FieldFinancialTerms),
			"contingencies":   env.State.GetMap(state.FieldContingencies),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm risk: %w", err)
	}
	out, err := env.Variant.ParseStepOutput(StepRisk, raw)
	if err != nil {
		return nil, err
	}
	return []state.Update{state.NewUpdate(map[string]any{
		state.FieldRiskAssessment: out,
	})}, nil
}
