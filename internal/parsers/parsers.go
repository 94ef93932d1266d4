package parsers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Step output keys the variants validate. These mirror the pipeline step
// names so one variant covers the whole run.
const (
	StepClassify      = "classify"
	StepParties       = "parties"
	StepFinancial     = "financial"
	StepContingencies = "contingencies"
	StepRisk          = "risk"
)

// DefaultVariantName is the fallback for jurisdictions without a dedicated
// output schema.
const DefaultVariantName = "generic"

// Variant validates model output against one jurisdiction's schema shape.
type Variant struct {
	Name     string
	required map[string][]string
}

// ParseStepOutput decodes raw model output for a step and enforces the
// variant's required keys. The decoded object is returned for merging into
// workflow state.
func (v *Variant) ParseStepOutput(step string, raw json.RawMessage) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse %s output (%s variant): %w", step, v.Name, err)
	}
	for _, key := range v.required[step] {
		if _, ok := out[key]; !ok {
			return nil, fmt.Errorf("parse %s output (%s variant): missing required field %q", step, v.Name, key)
		}
	}
	return out, nil
}

// Selector is a closed lookup table from jurisdiction key to output schema
// variant. Selection happens once per run; every step then observes the same
// schema contract.
type Selector struct {
	table map[string]*Variant
	def   *Variant
}

// NewSelector builds the selector with the supported jurisdiction variants.
func NewSelector() *Selector {
	generic := &Variant{
		Name: DefaultVariantName,
		required: map[string][]string{
			StepClassify:      {"category", "jurisdiction"},
			StepParties:       {"parties"},
			StepFinancial:     {"purchase_price"},
			StepContingencies: {"section", "present"},
			StepRisk:          {"risk_level", "summary"},
		},
	}
	return &Selector{
		def: generic,
		table: map[string]*Variant{
			"us-ca": {
				Name: "us-ca",
				required: map[string][]string{
					StepClassify:      {"category", "jurisdiction"},
					StepParties:       {"parties"},
					StepFinancial:     {"purchase_price", "escrow", "initial_deposit"},
					StepContingencies: {"section", "present", "disclosure_items"},
					StepRisk:          {"risk_level", "summary"},
				},
			},
			"us-ny": {
				Name: "us-ny",
				required: map[string][]string{
					StepClassify:      {"category", "jurisdiction"},
					StepParties:       {"parties", "attorneys"},
					StepFinancial:     {"purchase_price", "contract_deposit"},
					StepContingencies: {"section", "present"},
					StepRisk:          {"risk_level", "summary"},
				},
			},
			"us-tx": {
				Name: "us-tx",
				required: map[string][]string{
					StepClassify:      {"category", "jurisdiction"},
					StepParties:       {"parties"},
					StepFinancial:     {"purchase_price", "option_fee"},
					StepContingencies: {"section", "present"},
					StepRisk:          {"risk_level", "summary"},
				},
			},
			"uk": {
				Name: "uk",
				required: map[string][]string{
					StepClassify:      {"category", "jurisdiction"},
					StepParties:       {"parties", "conveyancers"},
					StepFinancial:     {"purchase_price", "deposit", "completion_date"},
					StepContingencies: {"section", "present"},
					StepRisk:          {"risk_level", "summary"},
				},
			},
		},
	}
}

// Select returns the variant for a jurisdiction key, falling back to the
// generic variant for unknown keys.
func (s *Selector) Select(schemaKey string) *Variant {
	key := strings.ToLower(strings.TrimSpace(schemaKey))
	if v, ok := s.table[key]; ok {
		return v
	}
	return s.def
}

// ByName returns a previously selected variant by its recorded name. Runs
// store the variant name in state so resumed steps parse with the same
// schema contract.
func (s *Selector) ByName(name string) *Variant {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == s.def.Name {
		return s.def
	}
	if v, ok := s.table[key]; ok {
		return v
	}
	return s.def
}
