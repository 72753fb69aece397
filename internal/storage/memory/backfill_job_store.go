package memory

import (
	"context"
	"sync"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// BackfillJobStore is an in-memory implementation of storage.BackfillJobStore.
type BackfillJobStore struct {
	mu   sync.Mutex
	data map[string]*domain.BackfillJob
}

// NewBackfillJobStore creates a new in-memory backfill job store.
func NewBackfillJobStore() *BackfillJobStore {
	return &BackfillJobStore{
		data: make(map[string]*domain.BackfillJob),
	}
}

// Compile-time interface check.
var _ storage.BackfillJobStore = (*BackfillJobStore)(nil)

// Insert adds a new job. Returns ErrDuplicateKey if the id exists.
func (s *BackfillJobStore) Insert(_ context.Context, j *domain.BackfillJob) error {
	if j == nil || j.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[j.ID]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[j.ID] = copyJob(j)
	return nil
}

// GetByID retrieves a job by id. Returns ErrNotFound if not exists.
func (s *BackfillJobStore) GetByID(_ context.Context, id string) (*domain.BackfillJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyJob(j), nil
}

// Update persists progress fields, preserving existing logs.
func (s *BackfillJobStore) Update(_ context.Context, j *domain.BackfillJob) error {
	if j == nil || j.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[j.ID]
	if !exists {
		return storage.ErrNotFound
	}
	updated := copyJob(j)
	updated.CreatedAt = existing.CreatedAt
	updated.Logs = existing.Logs
	s.data[j.ID] = updated
	return nil
}

// AppendLog appends one structured log entry to the job.
func (s *BackfillJobStore) AppendLog(_ context.Context, id string, entry domain.JobLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	j.Logs = append(j.Logs, entry)
	return nil
}

func copyJob(j *domain.BackfillJob) *domain.BackfillJob {
	jobCopy := *j
	jobCopy.Logs = append([]domain.JobLogEntry(nil), j.Logs...)
	return &jobCopy
}
