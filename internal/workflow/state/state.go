package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// Policy governs how a field absorbs concurrent partial updates landing in
// the same step boundary.
type Policy string

const (
	// PolicyLastWriteWins keeps the later-stamped value. Scalar identity and
	// session fields use this.
	PolicyLastWriteWins Policy = "last_write_wins"
	// PolicyAppend concatenates incoming entries after existing ones.
	// Ordered log fields use this; history is never replaced.
	PolicyAppend Policy = "append"
	// PolicyShallowMerge overwrites matching keys of a dictionary value and
	// preserves the rest.
	PolicyShallowMerge Policy = "shallow_merge"
)

// Schema declares every workflow field and its merge policy. A field absent
// from the schema is a defect: updates to it fail with UnknownFieldError.
type Schema map[string]Policy

// UnknownFieldError reports an update to a field the schema does not declare.
type UnknownFieldError struct {
	Field string
}

func (e UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown workflow state field: %s", e.Field)
}

// State is the payload threaded through pipeline steps. States are values:
// steps receive one, never mutate it, and return a partial Update to merge.
type State struct {
	Fields map[string]any       `json:"fields"`
	Stamps map[string]time.Time `json:"stamps,omitempty"`
}

// Update is a partial state produced by one step (or one parallel sub-call
// of a step). StampedAt breaks last-write-wins ties: the later stamp wins,
// equal stamps favor the incoming value.
type Update struct {
	Fields    map[string]any
	StampedAt time.Time
}

// New returns an empty state.
func New() State {
	return State{
		Fields: map[string]any{},
		Stamps: map[string]time.Time{},
	}
}

// NewUpdate builds an update stamped now.
func NewUpdate(fields map[string]any) Update {
	return Update{Fields: fields, StampedAt: time.Now().UTC()}
}

// Merge applies partial updates to a state under the schema's policies and
// returns the next state. The input state is never modified. Merging is
// order-independent within a step boundary for append and shallow-merge
// fields; last-write-wins fields resolve by stamp. Any update touching an
// undeclared field fails with UnknownFieldError and the prior state stands.
func Merge(schema Schema, cur State, updates ...Update) (State, error) {
	for _, u := range updates {
		for field := range u.Fields {
			if _, ok := schema[field]; !ok {
				return State{}, UnknownFieldError{Field: field}
			}
		}
	}

	next := clone(cur)
	for _, u := range updates {
		for field, incoming := range u.Fields {
			switch schema[field] {
			case PolicyLastWriteWins:
				prev, seen := next.Stamps[field]
				if !seen || !u.StampedAt.Before(prev) {
					next.Fields[field] = incoming
					next.Stamps[field] = u.StampedAt
				}
			case PolicyAppend:
				next.Fields[field] = appendValues(next.Fields[field], incoming)
			case PolicyShallowMerge:
				merged, err := shallowMerge(next.Fields[field], incoming, field)
				if err != nil {
					return State{}, err
				}
				next.Fields[field] = merged
			}
		}
	}
	return next, nil
}

// Get returns a field value.
func (s State) Get(field string) (any, bool) {
	v, ok := s.Fields[field]
	return v, ok
}

// GetString returns a field as a string, or "" when absent or untyped.
func (s State) GetString(field string) string {
	if v, ok := s.Fields[field]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// GetMap returns a dictionary field, or nil when absent.
func (s State) GetMap(field string) map[string]any {
	if v, ok := s.Fields[field]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// GetStrings returns an ordered log field as strings. JSON round-trips turn
// append fields into []any, so both shapes are accepted.
func (s State) GetStrings(field string) []string {
	v, ok := s.Fields[field]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Encode serializes the state for checkpointing.
func (s State) Encode() (json.RawMessage, error) {
	return json.Marshal(s)
}

// Decode restores a checkpointed state. A nil payload yields an empty state.
func Decode(raw json.RawMessage) (State, error) {
	if len(raw) == 0 {
		return New(), nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("decode workflow state: %w", err)
	}
	if s.Fields == nil {
		s.Fields = map[string]any{}
	}
	if s.Stamps == nil {
		s.Stamps = map[string]time.Time{}
	}
	return s, nil
}

func clone(s State) State {
	out := State{
		Fields: make(map[string]any, len(s.Fields)),
		Stamps: make(map[string]time.Time, len(s.Stamps)),
	}
	for k, v := range s.Fields {
		out.Fields[k] = cloneValue(v)
	}
	for k, v := range s.Stamps {
		out.Stamps[k] = v
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return val
	}
}

func appendValues(existing, incoming any) []any {
	out := toSlice(existing)
	return append(out, toSlice(incoming)...)
}

func toSlice(v any) []any {
	switch list := v.(type) {
	case nil:
		return []any{}
	case []any:
		out := make([]any, len(list))
		copy(out, list)
		return out
	case []string:
		out := make([]any, 0, len(list))
		for _, item := range list {
			out = append(out, item)
		}
		return out
	default:
		return []any{v}
	}
}

func shallowMerge(existing, incoming any, field string) (map[string]any, error) {
	out := map[string]any{}
	if existing != nil {
		m, ok := existing.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %s: shallow-merge target is not a map", field)
		}
		for k, v := range m {
			out[k] = cloneValue(v)
		}
	}
	if incoming == nil {
		return out, nil
	}
	m, ok := incoming.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %s: shallow-merge update is not a map", field)
	}
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out, nil
}
