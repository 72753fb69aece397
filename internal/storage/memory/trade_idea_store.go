package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// TradeIdeaStore is an in-memory implementation of storage.TradeIdeaStore.
type TradeIdeaStore struct {
	mu     sync.RWMutex
	groups map[string]*domain.TradeIdeaGroup // keyed by (scope, account, position)
	events map[string]*domain.TradeIdeaEvent // keyed by (scope, external execution id)
}

// NewTradeIdeaStore creates a new in-memory trade idea store.
func NewTradeIdeaStore() *TradeIdeaStore {
	return &TradeIdeaStore{
		groups: make(map[string]*domain.TradeIdeaGroup),
		events: make(map[string]*domain.TradeIdeaEvent),
	}
}

// Compile-time interface check.
var _ storage.TradeIdeaStore = (*TradeIdeaStore)(nil)

func groupKey(scope domain.Scope, accountID, positionID string) string {
	return fmt.Sprintf("%s|%s|%s|%s", scope.OrganizationID, scope.UserID, accountID, positionID)
}

func eventKey(scope domain.Scope, externalExecutionID string) string {
	return fmt.Sprintf("%s|%s|%s", scope.OrganizationID, scope.UserID, externalExecutionID)
}

// UpsertGroup inserts or updates the group for (org, user, account, position).
func (s *TradeIdeaStore) UpsertGroup(_ context.Context, g *domain.TradeIdeaGroup) (string, error) {
	if g == nil || g.PositionID == "" {
		return "", storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey(g.Scope, g.AccountID, g.PositionID)
	if existing, ok := s.groups[key]; ok {
		groupCopy := *g
		groupCopy.ID = existing.ID
		groupCopy.CreatedAt = existing.CreatedAt
		s.groups[key] = &groupCopy
		return existing.ID, nil
	}

	groupCopy := *g
	if groupCopy.ID == "" {
		groupCopy.ID = uuid.NewString()
	}
	s.groups[key] = &groupCopy
	return groupCopy.ID, nil
}

// GetGroup retrieves the group for a position. Returns ErrNotFound if
// not exists.
func (s *TradeIdeaStore) GetGroup(_ context.Context, scope domain.Scope, accountID, positionID string) (*domain.TradeIdeaGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, exists := s.groups[groupKey(scope, accountID, positionID)]
	if !exists {
		return nil, storage.ErrNotFound
	}
	groupCopy := *g
	return &groupCopy, nil
}

// UpsertEvent links an execution into a group, keyed by external
// execution id.
func (s *TradeIdeaStore) UpsertEvent(_ context.Context, e *domain.TradeIdeaEvent) (string, bool, error) {
	if e == nil || e.ExternalExecutionID == "" {
		return "", false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(e.Scope, e.ExternalExecutionID)
	if existing, ok := s.events[key]; ok {
		eventCopy := *e
		eventCopy.ID = existing.ID
		eventCopy.CreatedAt = existing.CreatedAt
		s.events[key] = &eventCopy
		return existing.ID, false, nil
	}

	eventCopy := *e
	if eventCopy.ID == "" {
		eventCopy.ID = uuid.NewString()
	}
	s.events[key] = &eventCopy
	return eventCopy.ID, true, nil
}

// ListEventsByGroup retrieves linked events for a group, ordered by
// executedAt ASC.
func (s *TradeIdeaStore) ListEventsByGroup(_ context.Context, groupID string) ([]*domain.TradeIdeaEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeIdeaEvent
	for _, e := range s.events {
		if e.TradeIdeaGroupID == groupID {
			eventCopy := *e
			result = append(result, &eventCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExecutedAt < result[j].ExecutedAt
	})
	return result, nil
}
