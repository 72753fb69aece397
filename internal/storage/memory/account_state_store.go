package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// AccountStateStore is an in-memory implementation of storage.AccountStateStore.
type AccountStateStore struct {
	mu   sync.RWMutex
	data map[string]*domain.AccountState // keyed by (scope, connection, account)
}

// NewAccountStateStore creates a new in-memory account state store.
func NewAccountStateStore() *AccountStateStore {
	return &AccountStateStore{
		data: make(map[string]*domain.AccountState),
	}
}

// Compile-time interface check.
var _ storage.AccountStateStore = (*AccountStateStore)(nil)

// Upsert inserts or updates the snapshot for (connection, account).
func (s *AccountStateStore) Upsert(_ context.Context, st *domain.AccountState) (string, bool, error) {
	if st == nil || st.ConnectionID == "" || st.AccountID == "" {
		return "", false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := externalKey(st.Scope, st.ConnectionID, st.AccountID)
	if existing, ok := s.data[key]; ok {
		id := existing.ID
		stateCopy := *st
		stateCopy.ID = id
		stateCopy.CreatedAt = existing.CreatedAt
		s.data[key] = &stateCopy
		return id, false, nil
	}

	stateCopy := *st
	if stateCopy.ID == "" {
		stateCopy.ID = uuid.NewString()
	}
	s.data[key] = &stateCopy
	return stateCopy.ID, true, nil
}
