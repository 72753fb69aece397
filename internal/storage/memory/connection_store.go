package memory

import (
	"context"
	"sort"
	"sync"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// ConnectionStore is an in-memory implementation of storage.ConnectionStore.
type ConnectionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Connection
}

// NewConnectionStore creates a new in-memory connection store.
func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{
		data: make(map[string]*domain.Connection),
	}
}

// Compile-time interface check.
var _ storage.ConnectionStore = (*ConnectionStore)(nil)

// Insert adds a new connection. Returns ErrDuplicateKey if the id exists.
func (s *ConnectionStore) Insert(_ context.Context, c *domain.Connection) error {
	if c == nil || c.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[c.ID]; exists {
		return storage.ErrDuplicateKey
	}
	connCopy := *c
	s.data[c.ID] = &connCopy
	return nil
}

// GetByID retrieves a connection by id. Returns ErrNotFound if not exists.
func (s *ConnectionStore) GetByID(_ context.Context, id string) (*domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	connCopy := *c
	return &connCopy, nil
}

// ListActiveDue retrieves non-disconnected connections with recent broker
// activity and a stale lastSyncAt, ordered by lastSyncAt ASC.
func (s *ConnectionStore) ListActiveDue(_ context.Context, nowMs, activityWindowMs, minIntervalMs int64, limit int) ([]*domain.Connection, error) {
	return s.listDue(nowMs, activityWindowMs, minIntervalMs, limit, true), nil
}

// ListWarmDue retrieves non-disconnected connections without recent broker
// activity and a stale lastSyncAt, ordered by lastSyncAt ASC.
func (s *ConnectionStore) ListWarmDue(_ context.Context, nowMs, activityWindowMs, minIntervalMs int64, limit int) ([]*domain.Connection, error) {
	return s.listDue(nowMs, activityWindowMs, minIntervalMs, limit, false), nil
}

func (s *ConnectionStore) listDue(nowMs, activityWindowMs, minIntervalMs int64, limit int, active bool) []*domain.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Connection
	for _, c := range s.data {
		if c.Status == domain.StatusDisconnected {
			continue
		}
		recentActivity := c.LastBrokerActivity > 0 && c.LastBrokerActivity >= nowMs-activityWindowMs
		if recentActivity != active {
			continue
		}
		if c.LastSyncAt > nowMs-minIntervalMs {
			continue
		}
		connCopy := *c
		result = append(result, &connCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSyncAt < result[j].LastSyncAt
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// ClaimLeases atomically claims leases on ids whose lease is absent or
// expired. Returns exactly the claimed subset.
func (s *ConnectionStore) ClaimLeases(_ context.Context, ids []string, owner string, untilMs, nowMs int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []string
	for _, id := range ids {
		c, exists := s.data[id]
		if !exists {
			continue
		}
		if c.SyncLeaseOwner != "" && c.SyncLeaseUntil > nowMs {
			continue
		}
		c.SyncLeaseOwner = owner
		c.SyncLeaseUntil = untilMs
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// ReleaseLease clears the lease if still held by owner.
func (s *ConnectionStore) ReleaseLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if c.SyncLeaseOwner == owner {
		c.SyncLeaseOwner = ""
		c.SyncLeaseUntil = 0
	}
	return nil
}

// UpdateTokens persists a rotated (sealed) token pair.
func (s *ConnectionStore) UpdateTokens(_ context.Context, id, accessEnc, refreshEnc string, accessExpMs, refreshExpMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	c.AccessTokenEnc = accessEnc
	c.RefreshTokenEnc = refreshEnc
	c.AccessTokenExpiresAt = accessExpMs
	c.RefreshTokenExpires = refreshExpMs
	return nil
}

// MarkSynced records a successful sync cycle.
func (s *ConnectionStore) MarkSynced(_ context.Context, id string, syncedAtMs int64, hasOpenTrade bool, brokerActivityAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	c.LastSyncAt = syncedAtMs
	c.HasOpenTrade = hasOpenTrade
	if brokerActivityAtMs > 0 {
		c.LastBrokerActivity = brokerActivityAtMs
	}
	c.Status = domain.StatusConnected
	c.LastError = ""
	c.UpdatedAt = syncedAtMs
	return nil
}

// MarkError records a failed sync cycle with status=error.
func (s *ConnectionStore) MarkError(_ context.Context, id, lastError string, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	c.Status = domain.StatusError
	c.LastError = lastError
	c.UpdatedAt = atMs
	return nil
}
