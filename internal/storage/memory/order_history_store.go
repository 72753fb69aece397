package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// OrderHistoryStore is an in-memory implementation of storage.OrderHistoryStore.
type OrderHistoryStore struct {
	mu   sync.RWMutex
	data map[string]*domain.OrderHistory
}

// NewOrderHistoryStore creates a new in-memory order history store.
func NewOrderHistoryStore() *OrderHistoryStore {
	return &OrderHistoryStore{
		data: make(map[string]*domain.OrderHistory),
	}
}

// Compile-time interface check.
var _ storage.OrderHistoryStore = (*OrderHistoryStore)(nil)

// Upsert inserts or updates by external order id. Reports whether the
// row was new.
func (s *OrderHistoryStore) Upsert(_ context.Context, o *domain.OrderHistory) (string, bool, error) {
	if o == nil || o.ExternalOrderID == "" {
		return "", false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := externalKey(o.Scope, o.ConnectionID, o.ExternalOrderID)
	if existing, ok := s.data[key]; ok {
		id := existing.ID
		rowCopy := *o
		rowCopy.ID = id
		rowCopy.CreatedAt = existing.CreatedAt
		s.data[key] = &rowCopy
		return id, false, nil
	}

	rowCopy := *o
	if rowCopy.ID == "" {
		rowCopy.ID = uuid.NewString()
	}
	s.data[key] = &rowCopy
	return rowCopy.ID, true, nil
}
