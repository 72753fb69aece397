package postgres

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// TradeIdeaStore implements storage.TradeIdeaStore using PostgreSQL.
type TradeIdeaStore struct {
	pool *Pool
}

// NewTradeIdeaStore creates a new TradeIdeaStore.
func NewTradeIdeaStore(pool *Pool) *TradeIdeaStore {
	return &TradeIdeaStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeIdeaStore = (*TradeIdeaStore)(nil)

const ideaGroupColumns = `
	id, organization_id, user_id, connection_id, account_id, position_id,
	instrument_id, symbol, status, direction, opened_at, closed_at,
	net_qty, avg_entry_price, realized_pnl, fees,
	last_execution_at, last_processed_execution_id,
	created_at, updated_at
`

// UpsertGroup inserts or updates the group for
// (org, user, account, position). Rebuilds always land on the same
// row; the group id is stable for the life of the position.
func (s *TradeIdeaStore) UpsertGroup(ctx context.Context, g *domain.TradeIdeaGroup) (string, error) {
	if g == nil || g.PositionID == "" {
		return "", storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trade_idea_groups (` + ideaGroupColumns + `)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (organization_id, user_id, account_id, position_id)
		DO UPDATE SET
			instrument_id = EXCLUDED.instrument_id, symbol = EXCLUDED.symbol,
			status = EXCLUDED.status, direction = EXCLUDED.direction,
			opened_at = EXCLUDED.opened_at, closed_at = EXCLUDED.closed_at,
			net_qty = EXCLUDED.net_qty, avg_entry_price = EXCLUDED.avg_entry_price,
			realized_pnl = EXCLUDED.realized_pnl, fees = EXCLUDED.fees,
			last_execution_at = EXCLUDED.last_execution_at,
			last_processed_execution_id = EXCLUDED.last_processed_execution_id,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`
	var id string
	err := s.pool.QueryRow(ctx, query,
		g.Scope.OrganizationID, g.Scope.UserID, g.ConnectionID, g.AccountID, g.PositionID,
		g.InstrumentID, g.Symbol, g.Status, g.Direction, g.OpenedAt, g.ClosedAt,
		g.NetQty, g.AvgEntryPrice, g.RealizedPnl, g.Fees,
		g.LastExecutionAt, g.LastProcessedExecutionID,
		g.CreatedAt, g.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert trade idea group: %w", err)
	}
	return id, nil
}

// GetGroup retrieves the group for a position. Returns ErrNotFound if
// not exists.
func (s *TradeIdeaStore) GetGroup(ctx context.Context, scope domain.Scope, accountID, positionID string) (*domain.TradeIdeaGroup, error) {
	query := `
		SELECT ` + ideaGroupColumns + `
		FROM trade_idea_groups
		WHERE organization_id = $1 AND user_id = $2 AND account_id = $3 AND position_id = $4
	`
	var g domain.TradeIdeaGroup
	err := s.pool.QueryRow(ctx, query, scope.OrganizationID, scope.UserID, accountID, positionID).Scan(
		&g.ID, &g.Scope.OrganizationID, &g.Scope.UserID, &g.ConnectionID, &g.AccountID, &g.PositionID,
		&g.InstrumentID, &g.Symbol, &g.Status, &g.Direction, &g.OpenedAt, &g.ClosedAt,
		&g.NetQty, &g.AvgEntryPrice, &g.RealizedPnl, &g.Fees,
		&g.LastExecutionAt, &g.LastProcessedExecutionID,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get trade idea group: %w", err)
	}
	return &g, nil
}

// UpsertEvent links an execution into a group, keyed by external
// execution id. A relink (group id changed) counts as an update.
func (s *TradeIdeaStore) UpsertEvent(ctx context.Context, e *domain.TradeIdeaEvent) (string, bool, error) {
	if e == nil || e.ExternalExecutionID == "" || e.TradeIdeaGroupID == "" {
		return "", false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trade_idea_events (
			id, organization_id, user_id, connection_id, trade_idea_group_id,
			external_execution_id, external_order_id, external_position_id,
			executed_at, created_at
		) VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (organization_id, user_id, connection_id, external_execution_id)
		DO UPDATE SET
			trade_idea_group_id = EXCLUDED.trade_idea_group_id,
			external_order_id = EXCLUDED.external_order_id,
			external_position_id = EXCLUDED.external_position_id,
			executed_at = EXCLUDED.executed_at
		RETURNING id, (xmax = 0)
	`
	var id string
	var wasNew bool
	err := s.pool.QueryRow(ctx, query,
		e.Scope.OrganizationID, e.Scope.UserID, e.ConnectionID, e.TradeIdeaGroupID,
		e.ExternalExecutionID, e.ExternalOrderID, e.ExternalPositionID,
		e.ExecutedAt, e.CreatedAt,
	).Scan(&id, &wasNew)
	if err != nil {
		return "", false, fmt.Errorf("upsert trade idea event: %w", err)
	}
	return id, wasNew, nil
}

// ListEventsByGroup retrieves linked events for a group, ordered by
// executedAt ASC.
func (s *TradeIdeaStore) ListEventsByGroup(ctx context.Context, groupID string) ([]*domain.TradeIdeaEvent, error) {
	query := `
		SELECT id, organization_id, user_id, connection_id, trade_idea_group_id,
		       external_execution_id, external_order_id, external_position_id,
		       executed_at, created_at
		FROM trade_idea_events
		WHERE trade_idea_group_id = $1
		ORDER BY executed_at ASC, external_execution_id ASC
	`
	rows, err := s.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("list trade idea events: %w", err)
	}
	defer rows.Close()

	var result []*domain.TradeIdeaEvent
	for rows.Next() {
		var e domain.TradeIdeaEvent
		err := rows.Scan(
			&e.ID, &e.Scope.OrganizationID, &e.Scope.UserID, &e.ConnectionID, &e.TradeIdeaGroupID,
			&e.ExternalExecutionID, &e.ExternalOrderID, &e.ExternalPositionID,
			&e.ExecutedAt, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade idea event: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
