package memory

import (
	"context"
	"sync"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// DraftStore is an in-memory implementation of storage.DraftStore.
type DraftStore struct {
	mu   sync.Mutex
	data map[string]*domain.ConnectDraft
}

// NewDraftStore creates a new in-memory draft store.
func NewDraftStore() *DraftStore {
	return &DraftStore{
		data: make(map[string]*domain.ConnectDraft),
	}
}

// Compile-time interface check.
var _ storage.DraftStore = (*DraftStore)(nil)

// Insert adds a new draft. Returns ErrDuplicateKey if the id exists.
func (s *DraftStore) Insert(_ context.Context, d *domain.ConnectDraft) error {
	if d == nil || d.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[d.ID]; exists {
		return storage.ErrDuplicateKey
	}
	draftCopy := *d
	s.data[d.ID] = &draftCopy
	return nil
}

// GetByID retrieves a draft by id. Returns ErrNotFound if not exists.
func (s *DraftStore) GetByID(_ context.Context, id string) (*domain.ConnectDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	draftCopy := *d
	return &draftCopy, nil
}

// Consume atomically marks a draft consumed and returns it. Returns
// ErrInvalidInput if already consumed or expired.
func (s *DraftStore) Consume(_ context.Context, id string, nowMs int64) (*domain.ConnectDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if d.Consumed || (d.ExpiresAt > 0 && d.ExpiresAt <= nowMs) {
		return nil, storage.ErrInvalidInput
	}
	d.Consumed = true
	draftCopy := *d
	return &draftCopy, nil
}
