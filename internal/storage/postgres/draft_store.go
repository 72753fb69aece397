package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// DraftStore implements storage.DraftStore using PostgreSQL.
// Candidate accounts ride along as JSONB; drafts are short-lived and
// never queried by account.
type DraftStore struct {
	pool *Pool
}

// NewDraftStore creates a new DraftStore.
func NewDraftStore(pool *Pool) *DraftStore {
	return &DraftStore{pool: pool}
}

// Compile-time interface check.
var _ storage.DraftStore = (*DraftStore)(nil)

const draftColumns = `
	id, organization_id, user_id, environment, server, jwt_host,
	access_token_enc, refresh_token_enc, access_token_expires_at, refresh_token_expires_at,
	accounts, consumed, expires_at, created_at
`

// Insert adds a new draft. Returns ErrDuplicateKey if the id exists.
func (s *DraftStore) Insert(ctx context.Context, d *domain.ConnectDraft) error {
	if d == nil || d.ID == "" {
		return storage.ErrInvalidInput
	}
	accounts, err := json.Marshal(d.Accounts)
	if err != nil {
		return fmt.Errorf("marshal draft accounts: %w", err)
	}

	query := `
		INSERT INTO connect_drafts (` + draftColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.pool.Exec(ctx, query,
		d.ID, d.Scope.OrganizationID, d.Scope.UserID, d.Environment, d.Server, d.JWTHost,
		d.AccessTokenEnc, d.RefreshTokenEnc, d.AccessTokenExpiresAt, d.RefreshTokenExpires,
		accounts, d.Consumed, d.ExpiresAt, d.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

// GetByID retrieves a draft by id. Returns ErrNotFound if not exists.
func (s *DraftStore) GetByID(ctx context.Context, id string) (*domain.ConnectDraft, error) {
	query := `SELECT ` + draftColumns + ` FROM connect_drafts WHERE id = $1`

	d, err := scanDraft(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get draft by id: %w", err)
	}
	return d, nil
}

// Consume atomically marks a draft consumed and returns it. The
// conditional UPDATE is the only consumption path, so two concurrent
// completions cannot both win.
func (s *DraftStore) Consume(ctx context.Context, id string, nowMs int64) (*domain.ConnectDraft, error) {
	query := `
		UPDATE connect_drafts
		SET consumed = TRUE
		WHERE id = $1 AND NOT consumed AND (expires_at = 0 OR expires_at > $2)
		RETURNING ` + draftColumns

	d, err := scanDraft(s.pool.QueryRow(ctx, query, id, nowMs))
	if err == nil {
		return d, nil
	}
	if !isNotFoundError(err) {
		return nil, fmt.Errorf("consume draft: %w", err)
	}

	// Distinguish missing from consumed/expired.
	if _, getErr := s.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, storage.ErrInvalidInput
}

func scanDraft(row rowScanner) (*domain.ConnectDraft, error) {
	var d domain.ConnectDraft
	var accounts []byte
	err := row.Scan(
		&d.ID, &d.Scope.OrganizationID, &d.Scope.UserID, &d.Environment, &d.Server, &d.JWTHost,
		&d.AccessTokenEnc, &d.RefreshTokenEnc, &d.AccessTokenExpiresAt, &d.RefreshTokenExpires,
		&accounts, &d.Consumed, &d.ExpiresAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(accounts) > 0 {
		if err := json.Unmarshal(accounts, &d.Accounts); err != nil {
			return nil, fmt.Errorf("unmarshal draft accounts: %w", err)
		}
	}
	return &d, nil
}
