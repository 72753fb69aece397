package postgres

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// ConnectionStore implements storage.ConnectionStore using PostgreSQL.
type ConnectionStore struct {
	pool *Pool
}

// NewConnectionStore creates a new ConnectionStore.
func NewConnectionStore(pool *Pool) *ConnectionStore {
	return &ConnectionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ConnectionStore = (*ConnectionStore)(nil)

const connectionColumns = `
	id, organization_id, user_id, environment, server, jwt_host,
	access_token_enc, refresh_token_enc, access_token_expires_at, refresh_token_expires_at,
	selected_account_id, selected_acc_num,
	status, last_error, last_sync_at, last_broker_activity_at, has_open_trade, subscription_tier,
	sync_lease_owner, sync_lease_until,
	created_at, updated_at
`

// Insert adds a new connection. Returns ErrDuplicateKey if the id exists.
func (s *ConnectionStore) Insert(ctx context.Context, c *domain.Connection) error {
	if c == nil || c.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO broker_connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`
	_, err := s.pool.Exec(ctx, query,
		c.ID, c.Scope.OrganizationID, c.Scope.UserID, c.Environment, c.Server, c.JWTHost,
		c.AccessTokenEnc, c.RefreshTokenEnc, c.AccessTokenExpiresAt, c.RefreshTokenExpires,
		c.SelectedAccountID, c.SelectedAccNum,
		c.Status, c.LastError, c.LastSyncAt, c.LastBrokerActivity, c.HasOpenTrade, c.SubscriptionTier,
		c.SyncLeaseOwner, c.SyncLeaseUntil,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// GetByID retrieves a connection by id. Returns ErrNotFound if not exists.
func (s *ConnectionStore) GetByID(ctx context.Context, id string) (*domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM broker_connections WHERE id = $1`

	c, err := scanConnection(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get connection by id: %w", err)
	}
	return c, nil
}

// ListActiveDue retrieves non-disconnected connections with recent broker
// activity and a stale lastSyncAt, ordered by lastSyncAt ASC.
func (s *ConnectionStore) ListActiveDue(ctx context.Context, nowMs, activityWindowMs, minIntervalMs int64, limit int) ([]*domain.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM broker_connections
		WHERE status <> 'disconnected'
		  AND last_broker_activity_at > 0
		  AND last_broker_activity_at >= $1 - $2
		  AND last_sync_at <= $1 - $3
		ORDER BY last_sync_at ASC
		LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, nowMs, activityWindowMs, minIntervalMs, limit)
	if err != nil {
		return nil, fmt.Errorf("list active due connections: %w", err)
	}
	defer rows.Close()

	return scanConnections(rows)
}

// ListWarmDue retrieves non-disconnected connections without recent broker
// activity and a stale lastSyncAt, ordered by lastSyncAt ASC.
func (s *ConnectionStore) ListWarmDue(ctx context.Context, nowMs, activityWindowMs, minIntervalMs int64, limit int) ([]*domain.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM broker_connections
		WHERE status <> 'disconnected'
		  AND (last_broker_activity_at = 0 OR last_broker_activity_at < $1 - $2)
		  AND last_sync_at <= $1 - $3
		ORDER BY last_sync_at ASC
		LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, nowMs, activityWindowMs, minIntervalMs, limit)
	if err != nil {
		return nil, fmt.Errorf("list warm due connections: %w", err)
	}
	defer rows.Close()

	return scanConnections(rows)
}

// ClaimLeases atomically claims leases on ids whose lease is absent or
// expired. A single conditional UPDATE keeps the claim race-free
// across workers.
func (s *ConnectionStore) ClaimLeases(ctx context.Context, ids []string, owner string, untilMs, nowMs int64) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		UPDATE broker_connections
		SET sync_lease_owner = $2, sync_lease_until = $3
		WHERE id = ANY($1)
		  AND (sync_lease_owner = '' OR sync_lease_until <= $4)
		RETURNING id
	`
	rows, err := s.pool.Query(ctx, query, ids, owner, untilMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("claim leases: %w", err)
	}
	defer rows.Close()

	var claimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed id: %w", err)
		}
		claimed = append(claimed, id)
	}
	return claimed, rows.Err()
}

// ReleaseLease clears the lease if still held by owner.
func (s *ConnectionStore) ReleaseLease(ctx context.Context, id, owner string) error {
	query := `
		UPDATE broker_connections
		SET sync_lease_owner = '', sync_lease_until = 0
		WHERE id = $1 AND sync_lease_owner = $2
	`
	if _, err := s.pool.Exec(ctx, query, id, owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// UpdateTokens persists a rotated (sealed) token pair.
func (s *ConnectionStore) UpdateTokens(ctx context.Context, id, accessEnc, refreshEnc string, accessExpMs, refreshExpMs int64) error {
	query := `
		UPDATE broker_connections
		SET access_token_enc = $2, refresh_token_enc = $3,
		    access_token_expires_at = $4, refresh_token_expires_at = $5
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, accessEnc, refreshEnc, accessExpMs, refreshExpMs)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkSynced records a successful sync cycle.
func (s *ConnectionStore) MarkSynced(ctx context.Context, id string, syncedAtMs int64, hasOpenTrade bool, brokerActivityAtMs int64) error {
	query := `
		UPDATE broker_connections
		SET last_sync_at = $2, has_open_trade = $3,
		    last_broker_activity_at = CASE WHEN $4 > 0 THEN $4 ELSE last_broker_activity_at END,
		    status = 'connected', last_error = '', updated_at = $2
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, syncedAtMs, hasOpenTrade, brokerActivityAtMs)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkError records a failed sync cycle with status=error.
func (s *ConnectionStore) MarkError(ctx context.Context, id, lastError string, atMs int64) error {
	query := `
		UPDATE broker_connections
		SET status = 'error', last_error = $2, updated_at = $3
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, lastError, atMs)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanConnection(row rowScanner) (*domain.Connection, error) {
	var c domain.Connection
	err := row.Scan(
		&c.ID, &c.Scope.OrganizationID, &c.Scope.UserID, &c.Environment, &c.Server, &c.JWTHost,
		&c.AccessTokenEnc, &c.RefreshTokenEnc, &c.AccessTokenExpiresAt, &c.RefreshTokenExpires,
		&c.SelectedAccountID, &c.SelectedAccNum,
		&c.Status, &c.LastError, &c.LastSyncAt, &c.LastBrokerActivity, &c.HasOpenTrade, &c.SubscriptionTier,
		&c.SyncLeaseOwner, &c.SyncLeaseUntil,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanConnections(rows pgRows) ([]*domain.Connection, error) {
	var result []*domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
