package openai

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"contract-backend/internal/llm"
)

// Message represents an OpenAI chat message.
type Message struct {
	Role    string
	Content string
}

const (
	systemPrompt        = "You are a contract analysis engine. Respond with JSON only. No markdown. Never omit keys. Output must match the schema exactly."
	systemPromptFixJSON = "You are a JSON repair tool. Return only valid JSON that matches the schema exactly."
)

// BuildPrompt creates the chat messages for one analysis step.
func BuildPrompt(req llm.Request) []Message {
	developer := resolvePromptTemplate(req)
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "developer", Content: developer},
		{Role: "user", Content: buildUserPrompt(req)},
	}
}

func buildFixPrompt(req llm.Request, raw []byte) []Message {
	developer := resolvePromptTemplate(req)
	return []Message{
		{Role: "system", Content: systemPromptFixJSON},
		{Role: "developer", Content: developer},
		{Role: "user", Content: fixUserPrompt(raw)},
	}
}

func resolvePromptTemplate(req llm.Request) string {
	template, ok := llm.PromptTemplate(req.Step)
	if !ok {
		log.Printf("unknown step %q, defaulting to classify prompt", req.Step)
	}
	replacer := strings.NewReplacer(
		"{{JURISDICTION}}", req.Jurisdiction,
		"{{SECTION}}", req.Section,
		"{{CATEGORY}}", categoryFromContext(req.Context),
	)
	return replacer.Replace(template)
}

func buildUserPrompt(req llm.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Contract Text:\n%s", req.ContractText)
	if len(req.Context) > 0 {
		if payload, err := json.Marshal(req.Context); err == nil {
			fmt.Fprintf(&b, "\n\nEarlier Findings:\n%s", payload)
		}
	}
	return b.String()
}

func fixUserPrompt(raw []byte) string {
	return fmt.Sprintf("Fix this JSON to match the schema exactly. Output JSON only:\n%s", string(raw))
}

func categoryFromContext(ctx map[string]any) string {
	if ctx == nil {
		return ""
	}
	if classification, ok := ctx["classification"].(map[string]any); ok {
		if category, ok := classification["category"].(string); ok {
			return category
		}
	}
	return ""
}
