package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// ExecutionStore is an in-memory implementation of storage.ExecutionStore.
type ExecutionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Execution
}

// NewExecutionStore creates a new in-memory execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		data: make(map[string]*domain.Execution),
	}
}

// Compile-time interface check.
var _ storage.ExecutionStore = (*ExecutionStore)(nil)

// Upsert inserts or updates by external execution id. Reports whether
// the row was new.
func (s *ExecutionStore) Upsert(_ context.Context, e *domain.Execution) (string, bool, error) {
	if e == nil || e.ExternalExecutionID == "" {
		return "", false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := externalKey(e.Scope, e.ConnectionID, e.ExternalExecutionID)
	if existing, ok := s.data[key]; ok {
		id := existing.ID
		execCopy := *e
		execCopy.ID = id
		execCopy.CreatedAt = existing.CreatedAt
		s.data[key] = &execCopy
		return id, false, nil
	}

	execCopy := *e
	if execCopy.ID == "" {
		execCopy.ID = uuid.NewString()
	}
	s.data[key] = &execCopy
	return execCopy.ID, true, nil
}

// ListByPosition retrieves all executions referencing an external
// position id, ordered by executedAt ASC then external id ASC.
func (s *ExecutionStore) ListByPosition(_ context.Context, scope domain.Scope, externalPositionID string) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Execution
	for _, e := range s.data {
		if e.Scope == scope && e.ExternalPositionID == externalPositionID {
			execCopy := *e
			result = append(result, &execCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ExecutedAt != result[j].ExecutedAt {
			return result[i].ExecutedAt < result[j].ExecutedAt
		}
		return result[i].ExternalExecutionID < result[j].ExternalExecutionID
	})
	return result, nil
}
