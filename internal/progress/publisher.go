package progress

import (
	"context"
	"fmt"
	"time"

	"contract-backend/internal/shared/telemetry"
)

// Publisher is the single entry point for emitting run progress. It fans an
// event out on the bus and, on terminal events, releases every alternate key
// bound to the run so stale keys cannot resolve to finished runs.
type Publisher struct {
	Bus      Bus
	Bindings BindingStore
}

// Attach binds an alternate key (document id, fingerprint) to a run so
// subscribers can find the feed without knowing the run id.
func (p *Publisher) Attach(ctx context.Context, runID string, keys ...string) error {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := p.Bindings.Bind(ctx, key, runID); err != nil {
			return fmt.Errorf("bind %q: %w", key, err)
		}
	}
	return nil
}

// Publish emits one event. Publish failures are logged, not propagated: a
// broken event feed must never fail the run itself.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := p.Bus.Publish(ctx, ev.RunID, ev); err != nil {
		telemetry.Error("progress.publish_failed", map[string]any{
			"run_id": ev.RunID,
			"status": ev.Status,
			"error":  err.Error(),
		})
	}
	if ev.Terminal() {
		if err := p.Bindings.ReleaseRun(ctx, ev.RunID); err != nil {
			telemetry.Error("progress.release_failed", map[string]any{
				"run_id": ev.RunID,
				"error":  err.Error(),
			})
		}
	}
}

// Resolver maps raw subscription keys to run ids. A key is tried first as a
// run id, then against the binding store.
type Resolver struct {
	Runs     RunResolver
	Bindings BindingStore
}

// Resolve returns the run id behind key, or ErrUnknownKey.
func (r *Resolver) Resolve(ctx context.Context, key string) (string, error) {
	if r.Runs != nil {
		ok, err := r.Runs.RunExists(ctx, key)
		if err != nil {
			return "", err
		}
		if ok {
			return key, nil
		}
	}
	return r.Bindings.Resolve(ctx, key)
}
