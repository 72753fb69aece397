package postgres

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// ExecutionStore implements storage.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ExecutionStore = (*ExecutionStore)(nil)

const executionColumns = `
	id, organization_id, user_id, connection_id, account_id,
	external_execution_id, external_order_id, external_position_id,
	instrument_id, symbol, side, qty, price, fees, executed_at,
	raw, created_at, updated_at
`

// Upsert inserts or updates by external execution id within
// (org, user, connection).
func (s *ExecutionStore) Upsert(ctx context.Context, e *domain.Execution) (string, bool, error) {
	if e == nil || e.ExternalExecutionID == "" {
		return "", false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trade_executions (` + executionColumns + `)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
		ON CONFLICT (organization_id, user_id, connection_id, external_execution_id)
		DO UPDATE SET
			external_order_id = EXCLUDED.external_order_id,
			external_position_id = EXCLUDED.external_position_id,
			instrument_id = EXCLUDED.instrument_id, symbol = EXCLUDED.symbol,
			side = EXCLUDED.side, qty = EXCLUDED.qty, price = EXCLUDED.price,
			fees = EXCLUDED.fees, executed_at = EXCLUDED.executed_at,
			raw = EXCLUDED.raw, updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0)
	`
	var id string
	var wasNew bool
	err := s.pool.QueryRow(ctx, query,
		e.Scope.OrganizationID, e.Scope.UserID, e.ConnectionID, e.AccountID,
		e.ExternalExecutionID, e.ExternalOrderID, e.ExternalPositionID,
		e.InstrumentID, e.Symbol, e.Side, e.Qty, e.Price, e.Fees, e.ExecutedAt,
		e.Raw, e.UpdatedAt,
	).Scan(&id, &wasNew)
	if err != nil {
		return "", false, fmt.Errorf("upsert execution: %w", err)
	}
	return id, wasNew, nil
}

// ListByPosition retrieves all executions referencing an external
// position id, ordered by executedAt ASC then external id ASC.
func (s *ExecutionStore) ListByPosition(ctx context.Context, scope domain.Scope, externalPositionID string) ([]*domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM trade_executions
		WHERE organization_id = $1 AND user_id = $2 AND external_position_id = $3
		ORDER BY executed_at ASC, external_execution_id ASC
	`
	rows, err := s.pool.Query(ctx, query, scope.OrganizationID, scope.UserID, externalPositionID)
	if err != nil {
		return nil, fmt.Errorf("list executions by position: %w", err)
	}
	defer rows.Close()

	var result []*domain.Execution
	for rows.Next() {
		var e domain.Execution
		err := rows.Scan(
			&e.ID, &e.Scope.OrganizationID, &e.Scope.UserID, &e.ConnectionID, &e.AccountID,
			&e.ExternalExecutionID, &e.ExternalOrderID, &e.ExternalPositionID,
			&e.InstrumentID, &e.Symbol, &e.Side, &e.Qty, &e.Price, &e.Fees, &e.ExecutedAt,
			&e.Raw, &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
