package postgres

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// PositionStore implements storage.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

// Upsert inserts or updates by external position id within
// (org, user, connection).
func (s *PositionStore) Upsert(ctx context.Context, p *domain.Position) (string, bool, error) {
	if p == nil || p.ExternalPositionID == "" {
		return "", false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trade_positions (
			id, organization_id, user_id, connection_id, account_id, external_position_id,
			instrument_id, symbol, side, qty, avg_price, opened_at,
			raw, created_at, updated_at
		) VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (organization_id, user_id, connection_id, external_position_id)
		DO UPDATE SET
			instrument_id = EXCLUDED.instrument_id, symbol = EXCLUDED.symbol,
			side = EXCLUDED.side, qty = EXCLUDED.qty, avg_price = EXCLUDED.avg_price,
			opened_at = EXCLUDED.opened_at, raw = EXCLUDED.raw, updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0)
	`
	var id string
	var wasNew bool
	err := s.pool.QueryRow(ctx, query,
		p.Scope.OrganizationID, p.Scope.UserID, p.ConnectionID, p.AccountID, p.ExternalPositionID,
		p.InstrumentID, p.Symbol, p.Side, p.Qty, p.AvgPrice, p.OpenedAt,
		p.Raw, p.UpdatedAt,
	).Scan(&id, &wasNew)
	if err != nil {
		return "", false, fmt.Errorf("upsert position: %w", err)
	}
	return id, wasNew, nil
}
