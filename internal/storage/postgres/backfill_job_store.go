package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// BackfillJobStore implements storage.BackfillJobStore using PostgreSQL.
// The audit log lives on the row as a JSONB array; AppendLog is a
// single server-side concatenation so concurrent appends never clobber
// each other.
type BackfillJobStore struct {
	pool *Pool
}

// NewBackfillJobStore creates a new BackfillJobStore.
func NewBackfillJobStore(pool *Pool) *BackfillJobStore {
	return &BackfillJobStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BackfillJobStore = (*BackfillJobStore)(nil)

const backfillJobColumns = `
	id, source_key, instrument_id, symbol,
	lookback_days, overlap_seconds, status, last_error,
	info_route_id, cursor_to_ms, bars_inserted, logs, created_at, updated_at
`

// Insert adds a new job. Returns ErrDuplicateKey if the id exists.
func (s *BackfillJobStore) Insert(ctx context.Context, j *domain.BackfillJob) error {
	if j == nil || j.ID == "" {
		return storage.ErrInvalidInput
	}
	logs, err := marshalJobLogs(j.Logs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO backfill_jobs (` + backfillJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.pool.Exec(ctx, query,
		j.ID, j.SourceKey, j.InstrumentID, j.Symbol,
		j.LookbackDays, j.OverlapSeconds, j.Status, j.LastError,
		j.InfoRouteID, j.CursorToMs, j.BarsInserted, logs, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert backfill job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by id. Returns ErrNotFound if not exists.
func (s *BackfillJobStore) GetByID(ctx context.Context, id string) (*domain.BackfillJob, error) {
	query := `SELECT ` + backfillJobColumns + ` FROM backfill_jobs WHERE id = $1`

	var j domain.BackfillJob
	var logs []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&j.ID, &j.SourceKey, &j.InstrumentID, &j.Symbol,
		&j.LookbackDays, &j.OverlapSeconds, &j.Status, &j.LastError,
		&j.InfoRouteID, &j.CursorToMs, &j.BarsInserted, &logs, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get backfill job by id: %w", err)
	}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &j.Logs); err != nil {
			return nil, fmt.Errorf("unmarshal backfill job logs: %w", err)
		}
	}
	return &j, nil
}

// Update persists progress fields. The logs column is untouched here;
// AppendLog owns it.
func (s *BackfillJobStore) Update(ctx context.Context, j *domain.BackfillJob) error {
	if j == nil || j.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE backfill_jobs
		SET status = $2, last_error = $3, info_route_id = $4,
		    cursor_to_ms = $5, bars_inserted = $6, updated_at = $7
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		j.ID, j.Status, j.LastError, j.InfoRouteID, j.CursorToMs, j.BarsInserted, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update backfill job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AppendLog appends one structured log entry to the job.
func (s *BackfillJobStore) AppendLog(ctx context.Context, id string, entry domain.JobLogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal job log entry: %w", err)
	}

	query := `
		UPDATE backfill_jobs
		SET logs = logs || $2::jsonb
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, payload)
	if err != nil {
		return fmt.Errorf("append backfill job log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func marshalJobLogs(logs []domain.JobLogEntry) ([]byte, error) {
	if logs == nil {
		logs = []domain.JobLogEntry{}
	}
	out, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("marshal backfill job logs: %w", err)
	}
	return out, nil
}
