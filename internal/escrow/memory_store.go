package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows  map[string]*Escrow
	disputes map[string]*Dispute // keyed by escrow ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[string]*Escrow),
		disputes: make(map[string]*Dispute),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDue(ctx context.Context, status Status, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != status {
			continue
		}
		deadline := dueDeadline(e)
		if deadline == nil || !deadline.Before(before) {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// dueDeadline picks the deadline that governs the escrow's current status.
func dueDeadline(e *Escrow) *time.Time {
	switch e.Status {
	case StatusPaymentPending:
		return e.PaymentDeadline
	case StatusActive:
		return e.DeliveryDeadline
	case StatusDelivered:
		return e.AutoReleaseAt
	}
	return nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.disputes[d.EscrowID] = &cp
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.EscrowID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.EscrowID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
