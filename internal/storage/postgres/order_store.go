package postgres

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// OrderStore implements storage.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *Pool
}

// NewOrderStore creates a new OrderStore.
func NewOrderStore(pool *Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OrderStore = (*OrderStore)(nil)

// Upsert inserts or updates by external order id within
// (org, user, connection). xmax = 0 distinguishes a fresh insert from
// a conflict update.
func (s *OrderStore) Upsert(ctx context.Context, o *domain.Order) (string, bool, error) {
	if o == nil || o.ExternalOrderID == "" {
		return "", false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trade_orders (
			id, organization_id, user_id, connection_id, account_id, external_order_id,
			instrument_id, symbol, side, order_type, qty, price, status, placed_at,
			raw, created_at, updated_at
		) VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (organization_id, user_id, connection_id, external_order_id)
		DO UPDATE SET
			instrument_id = EXCLUDED.instrument_id, symbol = EXCLUDED.symbol,
			side = EXCLUDED.side, order_type = EXCLUDED.order_type,
			qty = EXCLUDED.qty, price = EXCLUDED.price, status = EXCLUDED.status,
			placed_at = EXCLUDED.placed_at, raw = EXCLUDED.raw, updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0)
	`
	var id string
	var wasNew bool
	err := s.pool.QueryRow(ctx, query,
		o.Scope.OrganizationID, o.Scope.UserID, o.ConnectionID, o.AccountID, o.ExternalOrderID,
		o.InstrumentID, o.Symbol, o.Side, o.OrderType, o.Qty, o.Price, o.Status, o.PlacedAt,
		o.Raw, o.UpdatedAt,
	).Scan(&id, &wasNew)
	if err != nil {
		return "", false, fmt.Errorf("upsert order: %w", err)
	}
	return id, wasNew, nil
}
