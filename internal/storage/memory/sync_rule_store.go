package memory

import (
	"context"
	"sort"
	"sync"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// SyncRuleStore is an in-memory implementation of storage.SyncRuleStore.
type SyncRuleStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SyncRule
}

// NewSyncRuleStore creates a new in-memory sync rule store.
func NewSyncRuleStore() *SyncRuleStore {
	return &SyncRuleStore{
		data: make(map[string]*domain.SyncRule),
	}
}

// Compile-time interface check.
var _ storage.SyncRuleStore = (*SyncRuleStore)(nil)

// Insert adds a new rule. Returns ErrDuplicateKey if the id exists.
func (s *SyncRuleStore) Insert(_ context.Context, r *domain.SyncRule) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	ruleCopy := *r
	s.data[r.ID] = &ruleCopy
	return nil
}

// GetByID retrieves a rule by id. Returns ErrNotFound if not exists.
func (s *SyncRuleStore) GetByID(_ context.Context, id string) (*domain.SyncRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	ruleCopy := *r
	return &ruleCopy, nil
}

// ListDue retrieves enabled rules with nextRunAt <= nowMs, ordered by
// nextRunAt ASC, bounded by limit.
func (s *SyncRuleStore) ListDue(_ context.Context, nowMs int64, limit int) ([]*domain.SyncRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SyncRule
	for _, r := range s.data {
		if r.Enabled && r.NextRunAt <= nowMs {
			ruleCopy := *r
			result = append(result, &ruleCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextRunAt < result[j].NextRunAt
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkAttempt records that processing started.
func (s *SyncRuleStore) MarkAttempt(_ context.Context, id string, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	r.LastAttemptAt = atMs
	r.UpdatedAt = atMs
	return nil
}

// MarkSuccess advances the rule after a successful fetch.
func (s *SyncRuleStore) MarkSuccess(_ context.Context, id string, maxTsMs int64, accountRowID string, nextRunAtMs, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	r.LastSuccessAt = atMs
	if maxTsMs > r.LastSeenMaxTsMs {
		r.LastSeenMaxTsMs = maxTsMs
	}
	r.LastAccountRowIDUsed = accountRowID
	r.NextRunAt = nextRunAtMs
	r.LastError = ""
	r.UpdatedAt = atMs
	return nil
}

// MarkError records a failure and the cadence-respecting nextRunAt.
func (s *SyncRuleStore) MarkError(_ context.Context, id, lastError string, nextRunAtMs, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	r.LastError = lastError
	r.NextRunAt = nextRunAtMs
	r.UpdatedAt = atMs
	return nil
}

// SetInfoRouteID caches a resolved broker route id on the rule.
func (s *SyncRuleStore) SetInfoRouteID(_ context.Context, id, routeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	r.InfoRouteID = routeID
	return nil
}
