package notify

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory subscription store for tests and dev mode.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (s *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(s.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
