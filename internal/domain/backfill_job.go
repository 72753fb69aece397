package domain

// JobStatus is the lifecycle state of a backfill job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// BackfillJob is an admin-triggered deep-history fetch for one
// (sourceKey, instrument). A job carries no in-process state: a failed
// chunk leaves it resumable and callers re-invoke with the next window.
// Corresponds to backfill_jobs table in PostgreSQL.
type BackfillJob struct {
	ID           string
	SourceKey    string
	InstrumentID string
	Symbol       string

	LookbackDays   int
	OverlapSeconds int
	Status         JobStatus
	LastError      string

	// Broker route id cached after first resolution.
	InfoRouteID string

	// Upper bound (Unix ms) of the next chunk to fetch. Chunks walk
	// this cursor down toward the lookback bound; zero means no chunk
	// has run yet. Venue gaps leave the cached minimum in place, so
	// the cursor, not the minimum, is what measures progress.
	CursorToMs int64

	BarsInserted int64
	Logs         []JobLogEntry

	CreatedAt int64
	UpdatedAt int64
}

// JobLogEntry is one structured, timestamped audit line on a job.
type JobLogEntry struct {
	At      int64
	Step    string
	Message string
}
