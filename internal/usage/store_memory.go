package usage

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu   sync.Mutex
	used map[string]int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{used: make(map[string]int)}
}

func counterKey(ownerID, period string) string {
	return ownerID + "|" + period
}

func resetsAt(period string) time.Time {
	t, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}
	}
	return periodEnd(t)
}

func (s *memoryStore) Get(ctx context.Context, ownerID, period string, limit int) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	s.mu.Lock()
	used := s.used[counterKey(ownerID, period)]
	s.mu.Unlock()
	return Usage{OwnerID: ownerID, Period: period, Used: used, Limit: limit, ResetsAt: resetsAt(period)}, nil
}

func (s *memoryStore) Consume(ctx context.Context, ownerID, period string, n, limit int) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(ownerID, period)
	if s.used[key]+n > limit {
		return Usage{}, ErrLimitReached
	}
	s.used[key] += n
	return Usage{OwnerID: ownerID, Period: period, Used: s.used[key], Limit: limit, ResetsAt: resetsAt(period)}, nil
}

func (s *memoryStore) Reset(ctx context.Context, ownerID, period string, limit int) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	s.mu.Lock()
	delete(s.used, counterKey(ownerID, period))
	s.mu.Unlock()
	return s.Get(ctx, ownerID, period, limit)
}
