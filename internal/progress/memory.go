package progress

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-node development.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus    *MemoryBus
	runID  string
	ch     chan Event
	closed bool
}

func (s *memorySub) Events() <-chan Event { return s.ch }

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.bus.subs[s.runID], s)
	if len(s.bus.subs[s.runID]) == 0 {
		delete(s.bus.subs, s.runID)
	}
	close(s.ch)
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, runID string, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[runID] {
		select {
		case sub.ch <- ev:
		default:
			// Slow listener; drop rather than block the publisher.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, runID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memorySub{bus: b, runID: runID, ch: make(chan Event, 16)}
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*memorySub]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	return sub, nil
}

// MemoryBindingStore is an in-process BindingStore.
type MemoryBindingStore struct {
	mu      sync.Mutex
	byKey   map[string]string
	keysFor map[string][]string
}

func NewMemoryBindingStore() *MemoryBindingStore {
	return &MemoryBindingStore{
		byKey:   make(map[string]string),
		keysFor: make(map[string][]string),
	}
}

func (s *MemoryBindingStore) Bind(ctx context.Context, key, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[key] = runID
	s.keysFor[runID] = append(s.keysFor[runID], key)
	return nil
}

func (s *MemoryBindingStore) Resolve(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.byKey[key]
	if !ok {
		return "", ErrUnknownKey
	}
	return runID, nil
}

func (s *MemoryBindingStore) ReleaseRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keysFor[runID] {
		if s.byKey[key] == runID {
			delete(s.byKey, key)
		}
	}
	delete(s.keysFor, runID)
	return nil
}
