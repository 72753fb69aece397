package memory

import (
	"context"
	"sort"
	"sync"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// AccountRowStore is an in-memory implementation of storage.AccountRowStore.
type AccountRowStore struct {
	mu   sync.RWMutex
	data map[string]*domain.AccountRow
}

// NewAccountRowStore creates a new in-memory account row store.
func NewAccountRowStore() *AccountRowStore {
	return &AccountRowStore{
		data: make(map[string]*domain.AccountRow),
	}
}

// Compile-time interface check.
var _ storage.AccountRowStore = (*AccountRowStore)(nil)

// Insert adds a new account row. Returns ErrDuplicateKey if the id exists.
func (s *AccountRowStore) Insert(_ context.Context, a *domain.AccountRow) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[a.ID]; exists {
		return storage.ErrDuplicateKey
	}
	rowCopy := *a
	s.data[a.ID] = &rowCopy
	return nil
}

// GetByID retrieves an account row by id. Returns ErrNotFound if not exists.
func (s *AccountRowStore) GetByID(_ context.Context, id string) (*domain.AccountRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	rowCopy := *a
	return &rowCopy, nil
}

// ListByConnection retrieves all account rows for a connection.
func (s *AccountRowStore) ListByConnection(_ context.Context, connectionID string) ([]*domain.AccountRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.AccountRow
	for _, a := range s.data {
		if a.ConnectionID == connectionID {
			rowCopy := *a
			result = append(result, &rowCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// UpdateConfigProbe caches the result of the last column-schema probe.
func (s *AccountRowStore) UpdateConfigProbe(_ context.Context, id string, ok bool, probeErr string, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	a.LastConfigOK = ok
	a.LastConfigError = probeErr
	a.LastConfigCheckedAt = atMs
	a.UpdatedAt = atMs
	return nil
}
