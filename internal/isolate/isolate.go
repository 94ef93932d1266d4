package isolate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"contract-backend/internal/shared/telemetry"
)

// ErrStaleBinding signals that a pooled resource was created under an
// execution binding that is no longer current. Operations returning it are
// retried once against a fresh binding; callers above this package never
// see it.
var ErrStaleBinding = errors.New("stale execution binding")

// Resource is a set of pooled, context-bound resources shared by an
// operation. Healthy must be cheap; it is consulted before every isolated
// operation.
type Resource interface {
	Healthy(ctx context.Context) error
	Close() error
}

// Factory builds a fresh resource binding.
type Factory[R Resource] func(ctx context.Context) (R, error)

// Runner guarantees that an operation observes exactly one resource binding
// for its full duration. Bindings found stale are recreated before the
// operation runs; an operation that still trips on a stale binding is
// retried once against a rebound resource set.
type Runner[R Resource] struct {
	factory Factory[R]

	mu      sync.RWMutex
	binding R
	bound   bool
	gen     uint64
}

// NewRunner constructs a Runner. The factory is invoked lazily on first use.
func NewRunner[R Resource](factory Factory[R]) *Runner[R] {
	return &Runner[R]{factory: factory}
}

type generationKey struct{}

// Generation returns the binding generation the surrounding RunIsolated call
// pinned, or 0 outside one.
func Generation(ctx context.Context) uint64 {
	gen, _ := ctx.Value(generationKey{}).(uint64)
	return gen
}

// RunIsolated executes op against a single healthy binding. The binding
// cannot be swapped while op runs; a stale-binding failure inside op causes
// one transparent rebind-and-retry.
func (r *Runner[R]) RunIsolated(ctx context.Context, op func(ctx context.Context, res R) error) error {
	res, gen, err := r.acquire(ctx)
	if err != nil {
		return err
	}

	runErr := r.runPinned(context.WithValue(ctx, generationKey{}, gen), res, gen, op)
	if !errors.Is(runErr, ErrStaleBinding) {
		return runErr
	}

	telemetry.Info("isolate.rebind", map[string]any{
		"generation": gen,
		"reason":     runErr.Error(),
	})
	res, gen, err = r.rebind(ctx, gen)
	if err != nil {
		return err
	}
	return r.runPinned(context.WithValue(ctx, generationKey{}, gen), res, gen, op)
}

// runPinned holds a read lock for the duration of op so a concurrent rebind
// cannot close the binding out from under it.
func (r *Runner[R]) runPinned(ctx context.Context, res R, gen uint64, op func(ctx context.Context, res R) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.gen != gen {
		return fmt.Errorf("binding replaced before start: %w", ErrStaleBinding)
	}
	return op(ctx, res)
}

func (r *Runner[R]) acquire(ctx context.Context) (R, uint64, error) {
	r.mu.RLock()
	if r.bound {
		res, gen := r.binding, r.gen
		healthErr := res.Healthy(ctx)
		r.mu.RUnlock()
		if healthErr == nil {
			return res, gen, nil
		}
		telemetry.Info("isolate.unhealthy", map[string]any{
			"generation": gen,
			"error":      healthErr.Error(),
		})
		return r.rebind(ctx, gen)
	}
	r.mu.RUnlock()
	return r.rebind(ctx, 0)
}

// rebind replaces the binding observed at generation staleGen. Concurrent
// callers that lost the race reuse the winner's binding instead of building
// another one.
func (r *Runner[R]) rebind(ctx context.Context, staleGen uint64) (R, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bound && r.gen != staleGen {
		return r.binding, r.gen, nil
	}

	if r.bound {
		// Close errors are expected here: the old binding is broken.
		_ = r.binding.Close()
		r.bound = false
	}

	res, err := r.factory(ctx)
	if err != nil {
		var zero R
		return zero, 0, fmt.Errorf("bind resources: %w", err)
	}
	r.binding = res
	r.bound = true
	r.gen++
	return r.binding, r.gen, nil
}

// Close releases the current binding.
func (r *Runner[R]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bound {
		return nil
	}
	err := r.binding.Close()
	r.bound = false
	return err
}
