package webhook

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory idempotency store for tests and dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func key(provider, externalID string) string { return provider + "/" + externalID }

func (s *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.Provider, rec.ExternalID)
	if _, ok := s.records[k]; ok {
		return nil
	}
	cp := *rec
	s.records[k] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, provider, externalID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key(provider, externalID)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, provider, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key(provider, externalID)]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status == "processed" {
		return nil
	}
	now := time.Now()
	rec.Status = "processed"
	rec.ProcessedAt = &now
	return nil
}

var _ Store = (*MemoryStore)(nil)
