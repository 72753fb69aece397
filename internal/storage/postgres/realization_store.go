package postgres

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// RealizationStore implements storage.RealizationStore using PostgreSQL.
type RealizationStore struct {
	pool *Pool
}

// NewRealizationStore creates a new RealizationStore.
func NewRealizationStore(pool *Pool) *RealizationStore {
	return &RealizationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RealizationStore = (*RealizationStore)(nil)

// Upsert inserts or updates by external execution id.
func (s *RealizationStore) Upsert(ctx context.Context, r *domain.RealizationEvent) (string, bool, error) {
	if r == nil || r.ExternalExecutionID == "" {
		return "", false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trade_realization_events (
			id, organization_id, user_id, connection_id, account_id,
			external_position_id, external_execution_id, realized_pnl, closed_at, created_at
		) VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (organization_id, user_id, connection_id, external_execution_id)
		DO UPDATE SET
			external_position_id = EXCLUDED.external_position_id,
			realized_pnl = EXCLUDED.realized_pnl, closed_at = EXCLUDED.closed_at
		RETURNING id, (xmax = 0)
	`
	var id string
	var wasNew bool
	err := s.pool.QueryRow(ctx, query,
		r.Scope.OrganizationID, r.Scope.UserID, r.ConnectionID, r.AccountID,
		r.ExternalPositionID, r.ExternalExecutionID, r.RealizedPnl, r.ClosedAt, r.CreatedAt,
	).Scan(&id, &wasNew)
	if err != nil {
		return "", false, fmt.Errorf("upsert realization event: %w", err)
	}
	return id, wasNew, nil
}

// ListByPosition retrieves realization events for an external position
// id within an account, ordered by closedAt ASC.
func (s *RealizationStore) ListByPosition(ctx context.Context, scope domain.Scope, accountID, externalPositionID string) ([]*domain.RealizationEvent, error) {
	query := `
		SELECT id, organization_id, user_id, connection_id, account_id,
		       external_position_id, external_execution_id, realized_pnl, closed_at, created_at
		FROM trade_realization_events
		WHERE organization_id = $1 AND user_id = $2 AND account_id = $3 AND external_position_id = $4
		ORDER BY closed_at ASC, external_execution_id ASC
	`
	rows, err := s.pool.Query(ctx, query, scope.OrganizationID, scope.UserID, accountID, externalPositionID)
	if err != nil {
		return nil, fmt.Errorf("list realization events: %w", err)
	}
	defer rows.Close()

	var result []*domain.RealizationEvent
	for rows.Next() {
		var r domain.RealizationEvent
		err := rows.Scan(
			&r.ID, &r.Scope.OrganizationID, &r.Scope.UserID, &r.ConnectionID, &r.AccountID,
			&r.ExternalPositionID, &r.ExternalExecutionID, &r.RealizedPnl, &r.ClosedAt, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan realization event: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}
