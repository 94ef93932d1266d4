package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Client abstracts LLM providers for contract analysis steps.
type Client interface {
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
}

// Request captures one step-scoped completion. Context carries outputs of
// earlier steps the prompt should see (classification, parties).
type Request struct {
	Step         string
	Section      string
	Jurisdiction string
	ContractText string
	Context      map[string]any
}

type fixJSONKey struct{}

// WithFixJSON returns a context signaling a fix-JSON retry with the given raw output.
func WithFixJSON(ctx context.Context, raw string) context.Context {
	return context.WithValue(ctx, fixJSONKey{}, raw)
}

// FixJSONFromContext returns the raw JSON to repair, if any.
func FixJSONFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(fixJSONKey{})
	raw, ok := val.(string)
	return raw, ok
}

// ErrNotImplemented is returned by the placeholder client.
var ErrNotImplemented = errors.New("LLM not implemented")

// PlaceholderClient is a stub implementation until provider wiring is added.
type PlaceholderClient struct{}

// Complete returns ErrNotImplemented.
func (PlaceholderClient) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	_ = ctx
	_ = req
	return nil, ErrNotImplemented
}
