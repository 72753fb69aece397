package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// PositionStore is an in-memory implementation of storage.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Position
}

// NewPositionStore creates a new in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		data: make(map[string]*domain.Position),
	}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

// Upsert inserts or updates by external position id. Reports whether
// the row was new.
func (s *PositionStore) Upsert(_ context.Context, p *domain.Position) (string, bool, error) {
	if p == nil || p.ExternalPositionID == "" {
		return "", false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := externalKey(p.Scope, p.ConnectionID, p.ExternalPositionID)
	if existing, ok := s.data[key]; ok {
		id := existing.ID
		posCopy := *p
		posCopy.ID = id
		posCopy.CreatedAt = existing.CreatedAt
		s.data[key] = &posCopy
		return id, false, nil
	}

	posCopy := *p
	if posCopy.ID == "" {
		posCopy.ID = uuid.NewString()
	}
	s.data[key] = &posCopy
	return posCopy.ID, true, nil
}
