package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// OrderStore is an in-memory implementation of storage.OrderStore.
type OrderStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Order // keyed by (org, user, connection, external id)
}

// NewOrderStore creates a new in-memory order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		data: make(map[string]*domain.Order),
	}
}

// Compile-time interface check.
var _ storage.OrderStore = (*OrderStore)(nil)

// externalKey scopes an external id to one connection for one user.
func externalKey(scope domain.Scope, connectionID, externalID string) string {
	return fmt.Sprintf("%s|%s|%s|%s", scope.OrganizationID, scope.UserID, connectionID, externalID)
}

// Upsert inserts or updates by external order id. Reports whether the
// row was new.
func (s *OrderStore) Upsert(_ context.Context, o *domain.Order) (string, bool, error) {
	if o == nil || o.ExternalOrderID == "" {
		return "", false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := externalKey(o.Scope, o.ConnectionID, o.ExternalOrderID)
	if existing, ok := s.data[key]; ok {
		id := existing.ID
		orderCopy := *o
		orderCopy.ID = id
		orderCopy.CreatedAt = existing.CreatedAt
		s.data[key] = &orderCopy
		return id, false, nil
	}

	orderCopy := *o
	if orderCopy.ID == "" {
		orderCopy.ID = uuid.NewString()
	}
	s.data[key] = &orderCopy
	return orderCopy.ID, true, nil
}
