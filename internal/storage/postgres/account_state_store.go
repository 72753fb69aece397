package postgres

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// AccountStateStore implements storage.AccountStateStore using PostgreSQL.
type AccountStateStore struct {
	pool *Pool
}

// NewAccountStateStore creates a new AccountStateStore.
func NewAccountStateStore(pool *Pool) *AccountStateStore {
	return &AccountStateStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AccountStateStore = (*AccountStateStore)(nil)

// Upsert inserts or updates the snapshot for (connection, account).
func (s *AccountStateStore) Upsert(ctx context.Context, a *domain.AccountState) (string, bool, error) {
	if a == nil || a.ConnectionID == "" || a.AccountID == "" {
		return "", false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trade_account_states (
			id, organization_id, user_id, connection_id, account_id,
			balance, equity, margin, raw, captured_at, created_at, updated_at
		) VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (connection_id, account_id)
		DO UPDATE SET
			balance = EXCLUDED.balance, equity = EXCLUDED.equity, margin = EXCLUDED.margin,
			raw = EXCLUDED.raw, captured_at = EXCLUDED.captured_at, updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0)
	`
	var id string
	var wasNew bool
	err := s.pool.QueryRow(ctx, query,
		a.Scope.OrganizationID, a.Scope.UserID, a.ConnectionID, a.AccountID,
		a.Balance, a.Equity, a.Margin, a.Raw, a.CapturedAt, a.UpdatedAt,
	).Scan(&id, &wasNew)
	if err != nil {
		return "", false, fmt.Errorf("upsert account state: %w", err)
	}
	return id, wasNew, nil
}
