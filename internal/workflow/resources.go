package workflow

import (
	"context"
	"database/sql"

	"github.com/go-redis/redis/v8"

	"contract-backend/internal/documents"
	"contract-backend/internal/progress"
	"contract-backend/internal/runs"
	"contract-backend/internal/shared/storage/object"
)

// Resources is the binding of pooled dependencies one pipeline execution
// observes. The isolation runner hands a single Resources value to the whole
// run; a worker picking up a message created elsewhere never mixes bindings.
type Resources struct {
	Runs      runs.Repo
	Docs      documents.DocumentsRepo
	Store     object.ObjectStore
	Publisher *progress.Publisher

	// Underlying pools, held for health checks and teardown. Nil in
	// memory-backed setups.
	DB    *sql.DB
	Redis *redis.Client
}

// Healthy pings the pooled backends. A closed or unreachable pool marks the
// binding stale so the runner rebinds before the operation starts.
func (r *Resources) Healthy(ctx context.Context) error {
	if r.DB != nil {
		if err := r.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the pooled backends.
func (r *Resources) Close() error {
	var firstErr error
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			firstErr = err
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
