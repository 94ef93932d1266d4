package usage

import (
	"context"
	"time"
)

// DefaultRunLimit is the per-owner monthly run allowance when no plan
// override is configured.
const DefaultRunLimit = 100

type store interface {
	Get(ctx context.Context, ownerID, period string, limit int) (Usage, error)
	Consume(ctx context.Context, ownerID, period string, n, limit int) (Usage, error)
	Reset(ctx context.Context, ownerID, period string, limit int) (Usage, error)
}

// Service tracks per-owner run quotas over calendar-month periods.
type Service struct {
	store store
	limit int
	now   func() time.Time
}

// NewService constructs a memory-backed Service. A limit <= 0 selects
// DefaultRunLimit.
func NewService(limit int) *Service {
	return newService(newMemoryStore(), limit)
}

// NewPostgresService constructs a Service over the usage_counters table.
func NewPostgresService(pgStore store, limit int) *Service {
	return newService(pgStore, limit)
}

func newService(st store, limit int) *Service {
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	return &Service{store: st, limit: limit, now: time.Now}
}

// Get returns the owner's snapshot for the current period.
func (s *Service) Get(ctx context.Context, ownerID string) (Usage, error) {
	return s.store.Get(ctx, ownerID, periodKey(s.now()), s.limit)
}

// CanConsume reports whether the owner can start n more runs this period.
func (s *Service) CanConsume(ctx context.Context, ownerID string, n int) (bool, Usage, error) {
	u, err := s.Get(ctx, ownerID)
	if err != nil {
		return false, Usage{}, err
	}
	if n <= 0 {
		return true, u, nil
	}
	return u.Used+n <= u.Limit, u, nil
}

// Consume records n started runs, failing with ErrLimitReached when the
// period allowance would be exceeded. The increment is atomic per owner and
// period.
func (s *Service) Consume(ctx context.Context, ownerID string, n int) (Usage, error) {
	if n <= 0 {
		return s.Get(ctx, ownerID)
	}
	return s.store.Consume(ctx, ownerID, periodKey(s.now()), n, s.limit)
}

// Reset zeroes the owner's counter for the current period.
func (s *Service) Reset(ctx context.Context, ownerID string) (Usage, error) {
	return s.store.Reset(ctx, ownerID, periodKey(s.now()), s.limit)
}
