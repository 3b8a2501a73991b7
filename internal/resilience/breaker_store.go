package resilience

import (
	"context"
	"sync"
	"time"
)

// BreakerSnapshot is the shared failure state of one breaker key.
type BreakerSnapshot struct {
	Key         string    `json:"key"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// BreakerStore holds breaker failure state outside the breaker so several
// processes can share it. A missing key reads as a zero snapshot.
type BreakerStore interface {
	RecordFailure(ctx context.Context, key string, at time.Time) (int, error)
	Snapshot(ctx context.Context, key string) (BreakerSnapshot, error)
	Reset(ctx context.Context, key string) error
}

// MemoryBreakerStore keeps breaker state for a single process.
type MemoryBreakerStore struct {
	mu    sync.Mutex
	state map[string]BreakerSnapshot
}

// NewMemoryBreakerStore returns an empty in-process store.
func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{state: make(map[string]BreakerSnapshot)}
}

func (m *MemoryBreakerStore) RecordFailure(_ context.Context, key string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state[key]
	s.Key = key
	s.Failures++
	s.LastFailure = at
	m.state[key] = s
	return s.Failures, nil
}

func (m *MemoryBreakerStore) Snapshot(_ context.Context, key string) (BreakerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[key]
	if !ok {
		return BreakerSnapshot{Key: key}, nil
	}
	return s, nil
}

func (m *MemoryBreakerStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, key)
	return nil
}
