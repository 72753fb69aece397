package storage

import (
	"context"

	"broker-sync-lab/internal/domain"
)

// BackfillJobStore provides persistence for backfill jobs.
// Jobs carry all cross-invocation state, which is what keeps a failed
// chunk resumable: callers just re-invoke with the next window.
type BackfillJobStore interface {
	// Insert adds a new job. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, j *domain.BackfillJob) error

	// GetByID retrieves a job by id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.BackfillJob, error)

	// Update persists progress fields (status, route id, counters,
	// lastError).
	Update(ctx context.Context, j *domain.BackfillJob) error

	// AppendLog appends one structured, timestamped log entry to the job.
	AppendLog(ctx context.Context, id string, entry domain.JobLogEntry) error
}
