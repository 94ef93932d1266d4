package progress

import (
	"context"
	"errors"
	"time"
)

// Event is a single progress update for an analysis run. Events are
// fire-and-forget: listeners that join late see only updates published after
// they subscribed.
type Event struct {
	RunID     string    `json:"runId"`
	Step      string    `json:"step,omitempty"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event's status ends the run's lifecycle.
// No further events follow a terminal event.
func (e Event) Terminal() bool {
	switch e.Status {
	case "completed", "step_failed", "cancelled":
		return true
	}
	return false
}

// Subscription is a live event feed for one run. Close releases the
// underlying channel; Events is closed afterwards.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Bus carries run events from the worker to API-side listeners. The bus is
// keyed by run id only; alternate-key resolution happens above it.
type Bus interface {
	Publish(ctx context.Context, runID string, ev Event) error
	Subscribe(ctx context.Context, runID string) (Subscription, error)
}

// BindingStore maps alternate subscription keys (document ids, content
// fingerprints) to the run id currently bound to them. Bindings are released
// when the run reaches a terminal status.
type BindingStore interface {
	Bind(ctx context.Context, key, runID string) error
	Resolve(ctx context.Context, key string) (string, error)
	ReleaseRun(ctx context.Context, runID string) error
}

// ErrUnknownKey is returned when no live run is bound to a subscription key.
var ErrUnknownKey = errors.New("no run bound to key")

// RunResolver answers whether a raw subscription key identifies a run
// directly. It keeps this package free of any dependency on run storage.
type RunResolver interface {
	RunExists(ctx context.Context, runID string) (bool, error)
}
