package postgres

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// AccountPolicyStore implements storage.AccountPolicyStore using PostgreSQL.
type AccountPolicyStore struct {
	pool *Pool
}

// NewAccountPolicyStore creates a new AccountPolicyStore.
func NewAccountPolicyStore(pool *Pool) *AccountPolicyStore {
	return &AccountPolicyStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AccountPolicyStore = (*AccountPolicyStore)(nil)

const accountPolicyColumns = `
	id, account_row_id, source_key, enabled, weight, notes,
	last_used_at, last_error, created_at, updated_at
`

// Insert adds a new policy. Returns ErrDuplicateKey if the id exists.
func (s *AccountPolicyStore) Insert(ctx context.Context, p *domain.AccountPolicy) error {
	if p == nil || p.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO account_policies (` + accountPolicyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.AccountRowID, p.SourceKey, p.Enabled, p.Weight, p.Notes,
		p.LastUsedAt, p.LastError, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert account policy: %w", err)
	}
	return nil
}

// ListEnabledBySourceKey retrieves enabled policies for a source key.
// Ordered by account_row_id so round-robin cursors stay stable.
func (s *AccountPolicyStore) ListEnabledBySourceKey(ctx context.Context, sourceKey string) ([]*domain.AccountPolicy, error) {
	query := `
		SELECT ` + accountPolicyColumns + `
		FROM account_policies
		WHERE source_key = $1 AND enabled
		ORDER BY account_row_id ASC
	`
	rows, err := s.pool.Query(ctx, query, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("list enabled policies: %w", err)
	}
	defer rows.Close()

	var result []*domain.AccountPolicy
	for rows.Next() {
		var p domain.AccountPolicy
		err := rows.Scan(
			&p.ID, &p.AccountRowID, &p.SourceKey, &p.Enabled, &p.Weight, &p.Notes,
			&p.LastUsedAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan account policy: %w", err)
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

// MarkUsed touches lastUsedAt and clears lastError.
func (s *AccountPolicyStore) MarkUsed(ctx context.Context, id string, atMs int64) error {
	query := `
		UPDATE account_policies
		SET last_used_at = $2, last_error = '', updated_at = $2
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, atMs)
	if err != nil {
		return fmt.Errorf("mark policy used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkError records a failure against the policy.
func (s *AccountPolicyStore) MarkError(ctx context.Context, id, lastError string, atMs int64) error {
	query := `
		UPDATE account_policies
		SET last_error = $2, updated_at = $3
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, lastError, atMs)
	if err != nil {
		return fmt.Errorf("mark policy error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
