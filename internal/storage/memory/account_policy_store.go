package memory

import (
	"context"
	"sort"
	"sync"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// AccountPolicyStore is an in-memory implementation of storage.AccountPolicyStore.
type AccountPolicyStore struct {
	mu   sync.RWMutex
	data map[string]*domain.AccountPolicy
}

// NewAccountPolicyStore creates a new in-memory account policy store.
func NewAccountPolicyStore() *AccountPolicyStore {
	return &AccountPolicyStore{
		data: make(map[string]*domain.AccountPolicy),
	}
}

// Compile-time interface check.
var _ storage.AccountPolicyStore = (*AccountPolicyStore)(nil)

// Insert adds a new policy. Returns ErrDuplicateKey if the id exists.
func (s *AccountPolicyStore) Insert(_ context.Context, p *domain.AccountPolicy) error {
	if p == nil || p.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; exists {
		return storage.ErrDuplicateKey
	}
	policyCopy := *p
	s.data[p.ID] = &policyCopy
	return nil
}

// ListEnabledBySourceKey retrieves enabled policies for a source key,
// ordered by account_row_id ASC so round-robin indexing is stable.
func (s *AccountPolicyStore) ListEnabledBySourceKey(_ context.Context, sourceKey string) ([]*domain.AccountPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.AccountPolicy
	for _, p := range s.data {
		if p.Enabled && p.SourceKey == sourceKey {
			policyCopy := *p
			result = append(result, &policyCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AccountRowID < result[j].AccountRowID
	})
	return result, nil
}

// MarkUsed touches lastUsedAt and clears lastError.
func (s *AccountPolicyStore) MarkUsed(_ context.Context, id string, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	p.LastUsedAt = atMs
	p.LastError = ""
	p.UpdatedAt = atMs
	return nil
}

// MarkError records a failure against the policy.
func (s *AccountPolicyStore) MarkError(_ context.Context, id, lastError string, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	p.LastError = lastError
	p.UpdatedAt = atMs
	return nil
}
