package openai

import (
	"strings"
	"testing"

	"contract-backend/internal/llm"
)

func TestBuildPromptSubstitutesSection(t *testing.T) {
	messages := BuildPrompt(llm.Request{
		Step:         "contingencies",
		Section:      "inspection",
		ContractText: "some contract",
	})
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if !strings.Contains(messages[1].Content, "inspection") {
		t.Fatalf("expected section substituted into developer prompt: %s", messages[1].Content)
	}
	if strings.Contains(messages[1].Content, "{{SECTION}}") {
		t.Fatal("unresolved section placeholder")
	}
}

func TestBuildPromptCarriesEarlierFindings(t *testing.T) {
	messages := BuildPrompt(llm.Request{
		Step:         "parties",
		ContractText: "some contract",
		Context: map[string]any{
			"classification": map[string]any{"category": "lease"},
		},
	})
	user := messages[2].Content
	if !strings.Contains(user, "Earlier Findings") {
		t.Fatalf("expected earlier findings in user prompt: %s", user)
	}
	if !strings.Contains(messages[1].Content, "lease") {
		t.Fatalf("expected category substituted: %s", messages[1].Content)
	}
}

func TestBuildPromptUnknownStepFallsBack(t *testing.T) {
	messages := BuildPrompt(llm.Request{Step: "nope", ContractText: "x"})
	if !strings.Contains(messages[1].Content, "classify") {
		t.Fatalf("expected classify fallback, got: %s", messages[1].Content)
	}
}
