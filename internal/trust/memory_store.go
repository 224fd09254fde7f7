package trust

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	stats map[string]*Stats
}

// NewMemoryStore creates an empty in-memory stats store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stats: make(map[string]*Stats)}
}

func (m *MemoryStore) Stats(ctx context.Context, userID string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[userID]
	if !ok {
		return nil, ErrStatsNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) RecordCompletion(ctx context.Context, userID string, rating float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[userID]
	if !ok {
		s = &Stats{UserID: userID}
		m.stats[userID] = s
	}
	s.CompletedTrades++
	if rating > 0 {
		s.RatingSum += rating
		s.RatingCount++
	}
	s.UpdatedAt = time.Now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
