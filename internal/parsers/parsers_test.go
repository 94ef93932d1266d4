package parsers

import (
	"encoding/json"
	"testing"
)

func TestSelectKnownJurisdiction(t *testing.T) {
	sel := NewSelector()
	if got := sel.Select("US-CA").Name; got != "us-ca" {
		t.Fatalf("expected us-ca variant, got %s", got)
	}
	if got := sel.Select(" uk ").Name; got != "uk" {
		t.Fatalf("expected uk variant, got %s", got)
	}
}

func TestSelectUnknownFallsBackToDefault(t *testing.T) {
	sel := NewSelector()
	if got := sel.Select("mars-colony").Name; got != DefaultVariantName {
		t.Fatalf("expected default variant for unknown key, got %s", got)
	}
	if got := sel.Select("").Name; got != DefaultVariantName {
		t.Fatalf("expected default variant for empty key, got %s", got)
	}
}

func TestByNameRoundTrip(t *testing.T) {
	sel := NewSelector()
	for _, key := range []string{"us-ca", "us-ny", "us-tx", "uk", DefaultVariantName} {
		v := sel.Select(key)
		if sel.ByName(v.Name) != v {
			t.Fatalf("ByName(%s) did not return the selected variant", v.Name)
		}
	}
}

func TestParseStepOutputEnforcesRequiredKeys(t *testing.T) {
	sel := NewSelector()
	variant := sel.Select("us-ca")

	raw := json.RawMessage(`{"purchase_price": 985000, "escrow": {"holder": "Pacific Escrow"}}`)
	if _, err := variant.ParseStepOutput(StepFinancial, raw); err == nil {
		t.Fatal("expected missing initial_deposit to fail")
	}

	raw = json.RawMessage(`{"purchase_price": 985000, "escrow": {"holder": "Pacific Escrow"}, "initial_deposit": 29550}`)
	out, err := variant.ParseStepOutput(StepFinancial, raw)
	if err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if out["purchase_price"].(float64) != 985000 {
		t.Fatalf("unexpected purchase_price: %v", out["purchase_price"])
	}
}

func TestParseStepOutputRejectsMalformedJSON(t *testing.T) {
	variant := NewSelector().Select("")
	if _, err := variant.ParseStepOutput(StepRisk, json.RawMessage(`{not json`)); err == nil {
		t.Fatal("expected malformed JSON to fail")
	}
}

func TestGenericVariantAcceptsMinimalFinancial(t *testing.T) {
	variant := NewSelector().Select("unknown")
	out, err := variant.ParseStepOutput(StepFinancial, json.RawMessage(`{"purchase_price": 1}`))
	if err != nil {
		t.Fatalf("generic variant should accept minimal payload: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("unexpected output: %v", out)
	}
}
