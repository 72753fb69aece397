package postgres

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// AccountRowStore implements storage.AccountRowStore using PostgreSQL.
type AccountRowStore struct {
	pool *Pool
}

// NewAccountRowStore creates a new AccountRowStore.
func NewAccountRowStore(pool *Pool) *AccountRowStore {
	return &AccountRowStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AccountRowStore = (*AccountRowStore)(nil)

const accountRowColumns = `
	id, connection_id, organization_id, user_id, account_id, acc_num, name, currency,
	last_config_ok, last_config_error, last_config_checked_at,
	created_at, updated_at
`

// Insert adds a new account row. Returns ErrDuplicateKey if the id exists.
func (s *AccountRowStore) Insert(ctx context.Context, a *domain.AccountRow) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO broker_connection_accounts (` + accountRowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.ConnectionID, a.Scope.OrganizationID, a.Scope.UserID, a.AccountID, a.AccNum, a.Name, a.Currency,
		a.LastConfigOK, a.LastConfigError, a.LastConfigCheckedAt,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert account row: %w", err)
	}
	return nil
}

// GetByID retrieves an account row by id. Returns ErrNotFound if not exists.
func (s *AccountRowStore) GetByID(ctx context.Context, id string) (*domain.AccountRow, error) {
	query := `SELECT ` + accountRowColumns + ` FROM broker_connection_accounts WHERE id = $1`

	a, err := scanAccountRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get account row by id: %w", err)
	}
	return a, nil
}

// ListByConnection retrieves all account rows for a connection.
func (s *AccountRowStore) ListByConnection(ctx context.Context, connectionID string) ([]*domain.AccountRow, error) {
	query := `
		SELECT ` + accountRowColumns + `
		FROM broker_connection_accounts
		WHERE connection_id = $1
		ORDER BY acc_num ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list account rows by connection: %w", err)
	}
	defer rows.Close()

	var result []*domain.AccountRow
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// UpdateConfigProbe caches the result of the last column-schema probe.
func (s *AccountRowStore) UpdateConfigProbe(ctx context.Context, id string, ok bool, probeErr string, atMs int64) error {
	query := `
		UPDATE broker_connection_accounts
		SET last_config_ok = $2, last_config_error = $3, last_config_checked_at = $4, updated_at = $4
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, ok, probeErr, atMs)
	if err != nil {
		return fmt.Errorf("update config probe: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanAccountRow(row rowScanner) (*domain.AccountRow, error) {
	var a domain.AccountRow
	err := row.Scan(
		&a.ID, &a.ConnectionID, &a.Scope.OrganizationID, &a.Scope.UserID, &a.AccountID, &a.AccNum, &a.Name, &a.Currency,
		&a.LastConfigOK, &a.LastConfigError, &a.LastConfigCheckedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
