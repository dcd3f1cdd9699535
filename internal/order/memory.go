package order

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/wavematch/internal/request/domain"
)

// MemoryCreator records orders in memory. Used for local runs without an order service.
type MemoryCreator struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]domain.OrderDraft
}

func NewMemoryCreator() *MemoryCreator {
	return &MemoryCreator{orders: make(map[uuid.UUID]domain.OrderDraft)}
}

func (m *MemoryCreator) CreateOrder(_ context.Context, draft domain.OrderDraft) (domain.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[draft.OrderID] = draft
	return domain.OrderRef{ID: draft.OrderID}, nil
}

// Get returns a recorded order draft.
func (m *MemoryCreator) Get(id uuid.UUID) (domain.OrderDraft, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.orders[id]
	return d, ok
}
