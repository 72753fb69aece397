package postgres

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// SyncRuleStore implements storage.SyncRuleStore using PostgreSQL.
type SyncRuleStore struct {
	pool *Pool
}

// NewSyncRuleStore creates a new SyncRuleStore.
func NewSyncRuleStore(pool *Pool) *SyncRuleStore {
	return &SyncRuleStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SyncRuleStore = (*SyncRuleStore)(nil)

const syncRuleColumns = `
	id, source_key, instrument_id, symbol, cadence_seconds, overlap_seconds, enabled,
	last_attempt_at, last_success_at, next_run_at, last_seen_max_ts_ms, last_error,
	last_account_row_id_used, info_route_id, created_at, updated_at
`

// Insert adds a new rule. Returns ErrDuplicateKey if the id exists.
func (s *SyncRuleStore) Insert(ctx context.Context, r *domain.SyncRule) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO sync_rules (` + syncRuleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.SourceKey, r.InstrumentID, r.Symbol, r.CadenceSeconds, r.OverlapSeconds, r.Enabled,
		r.LastAttemptAt, r.LastSuccessAt, r.NextRunAt, r.LastSeenMaxTsMs, r.LastError,
		r.LastAccountRowIDUsed, r.InfoRouteID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert sync rule: %w", err)
	}
	return nil
}

// GetByID retrieves a rule by id. Returns ErrNotFound if not exists.
func (s *SyncRuleStore) GetByID(ctx context.Context, id string) (*domain.SyncRule, error) {
	query := `SELECT ` + syncRuleColumns + ` FROM sync_rules WHERE id = $1`

	r, err := scanSyncRule(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get sync rule by id: %w", err)
	}
	return r, nil
}

// ListDue retrieves enabled rules with nextRunAt <= nowMs, ordered by
// nextRunAt ASC, bounded by limit.
func (s *SyncRuleStore) ListDue(ctx context.Context, nowMs int64, limit int) ([]*domain.SyncRule, error) {
	query := `
		SELECT ` + syncRuleColumns + `
		FROM sync_rules
		WHERE enabled AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("list due rules: %w", err)
	}
	defer rows.Close()

	var result []*domain.SyncRule
	for rows.Next() {
		r, err := scanSyncRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync rule: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// MarkAttempt records that processing started.
func (s *SyncRuleStore) MarkAttempt(ctx context.Context, id string, atMs int64) error {
	query := `UPDATE sync_rules SET last_attempt_at = $2, updated_at = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, atMs)
	if err != nil {
		return fmt.Errorf("mark rule attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkSuccess advances the rule after a successful fetch. The
// high-water mark only ever moves forward.
func (s *SyncRuleStore) MarkSuccess(ctx context.Context, id string, maxTsMs int64, accountRowID string, nextRunAtMs, atMs int64) error {
	query := `
		UPDATE sync_rules
		SET last_success_at = $5,
		    last_seen_max_ts_ms = GREATEST(last_seen_max_ts_ms, $2),
		    last_account_row_id_used = $3,
		    next_run_at = $4, last_error = '', updated_at = $5
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, maxTsMs, accountRowID, nextRunAtMs, atMs)
	if err != nil {
		return fmt.Errorf("mark rule success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkError records a failure and the cadence-respecting nextRunAt.
func (s *SyncRuleStore) MarkError(ctx context.Context, id, lastError string, nextRunAtMs, atMs int64) error {
	query := `
		UPDATE sync_rules
		SET last_error = $2, next_run_at = $3, updated_at = $4
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, lastError, nextRunAtMs, atMs)
	if err != nil {
		return fmt.Errorf("mark rule error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetInfoRouteID caches a resolved broker route id on the rule.
func (s *SyncRuleStore) SetInfoRouteID(ctx context.Context, id, routeID string) error {
	query := `UPDATE sync_rules SET info_route_id = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, routeID)
	if err != nil {
		return fmt.Errorf("set rule route id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanSyncRule(row rowScanner) (*domain.SyncRule, error) {
	var r domain.SyncRule
	err := row.Scan(
		&r.ID, &r.SourceKey, &r.InstrumentID, &r.Symbol, &r.CadenceSeconds, &r.OverlapSeconds, &r.Enabled,
		&r.LastAttemptAt, &r.LastSuccessAt, &r.NextRunAt, &r.LastSeenMaxTsMs, &r.LastError,
		&r.LastAccountRowIDUsed, &r.InfoRouteID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
