package queue

import (
	"context"
	"errors"

	"contract-backend/internal/shared/telemetry"
)

// LocalClient dispatches messages to an in-process handler. It backs broker-
// less dev setups: Send returns immediately and the handler runs on its own
// goroutine, keeping queue semantics from the producer's point of view.
type LocalClient struct {
	Handle func(ctx context.Context, msg Message) error
}

// Send hands the message to the handler asynchronously.
func (l *LocalClient) Send(ctx context.Context, msg Message) error {
	if l == nil || l.Handle == nil {
		return errors.New("local queue handler not configured")
	}
	go func() {
		if err := l.Handle(context.Background(), msg); err != nil {
			telemetry.Error("queue.local_handle_failed", map[string]any{
				"run_id": msg.RunID,
				"error":  err.Error(),
			})
		}
	}()
	return nil
}

var _ Client = (*LocalClient)(nil)
