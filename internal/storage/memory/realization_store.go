package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// RealizationStore is an in-memory implementation of storage.RealizationStore.
type RealizationStore struct {
	mu   sync.RWMutex
	data map[string]*domain.RealizationEvent // keyed by (scope, connection, external execution id)
}

// NewRealizationStore creates a new in-memory realization event store.
func NewRealizationStore() *RealizationStore {
	return &RealizationStore{
		data: make(map[string]*domain.RealizationEvent),
	}
}

// Compile-time interface check.
var _ storage.RealizationStore = (*RealizationStore)(nil)

// Upsert inserts or updates by external execution id. Reports whether
// the row was new.
func (s *RealizationStore) Upsert(_ context.Context, r *domain.RealizationEvent) (string, bool, error) {
	if r == nil || r.ExternalExecutionID == "" {
		return "", false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := externalKey(r.Scope, r.ConnectionID, r.ExternalExecutionID)
	if existing, ok := s.data[key]; ok {
		id := existing.ID
		eventCopy := *r
		eventCopy.ID = id
		eventCopy.CreatedAt = existing.CreatedAt
		s.data[key] = &eventCopy
		return id, false, nil
	}

	eventCopy := *r
	if eventCopy.ID == "" {
		eventCopy.ID = uuid.NewString()
	}
	s.data[key] = &eventCopy
	return eventCopy.ID, true, nil
}

// ListByPosition retrieves realization events for an external position
// id within an account, ordered by closedAt ASC.
func (s *RealizationStore) ListByPosition(_ context.Context, scope domain.Scope, accountID, externalPositionID string) ([]*domain.RealizationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RealizationEvent
	for _, r := range s.data {
		if r.Scope == scope && r.AccountID == accountID && r.ExternalPositionID == externalPositionID {
			eventCopy := *r
			result = append(result, &eventCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ClosedAt < result[j].ClosedAt
	})
	return result, nil
}
