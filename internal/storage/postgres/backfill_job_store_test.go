package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

func TestBackfillJobStore_InsertAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewBackfillJobStore(pool)

	job := &domain.BackfillJob{
		ID:             "job-1",
		SourceKey:      "tradelocker:demo:host:demo1",
		InstrumentID:   "278",
		Symbol:         "EURUSD",
		LookbackDays:   30,
		OverlapSeconds: 120,
		Status:         domain.JobPending,
		Logs: []domain.JobLogEntry{
			{At: 1700000000000, Step: "start", Message: "lookback 30d"},
		},
		CreatedAt: 1700000000000,
		UpdatedAt: 1700000000000,
	}

	err := store.Insert(ctx, job)
	require.NoError(t, err)

	got, err := store.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.SourceKey, got.SourceKey)
	assert.Equal(t, job.InstrumentID, got.InstrumentID)
	assert.Equal(t, 30, got.LookbackDays)
	assert.Equal(t, domain.JobPending, got.Status)
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "start", got.Logs[0].Step)

	err = store.Insert(ctx, job)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestBackfillJobStore_Update(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewBackfillJobStore(pool)

	job := &domain.BackfillJob{
		ID:           "job-upd",
		SourceKey:    "tradelocker:demo:host:demo1",
		InstrumentID: "278",
		Status:       domain.JobPending,
		CreatedAt:    1700000000000,
		UpdatedAt:    1700000000000,
	}
	require.NoError(t, store.Insert(ctx, job))

	job.Status = domain.JobFailed
	job.LastError = "history fetch: 502"
	job.InfoRouteID = "route-9"
	job.CursorToMs = 1699913600000
	job.BarsInserted = 1440
	job.UpdatedAt = 1700000060000

	err := store.Update(ctx, job)
	require.NoError(t, err)

	got, err := store.GetByID(ctx, "job-upd")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "history fetch: 502", got.LastError)
	assert.Equal(t, "route-9", got.InfoRouteID)
	assert.Equal(t, int64(1699913600000), got.CursorToMs)
	assert.Equal(t, int64(1440), got.BarsInserted)

	err = store.Update(ctx, &domain.BackfillJob{ID: "nonexistent"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBackfillJobStore_AppendLog(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewBackfillJobStore(pool)

	job := &domain.BackfillJob{
		ID:           "job-log",
		SourceKey:    "tradelocker:demo:host:demo1",
		InstrumentID: "278",
		Status:       domain.JobRunning,
		CreatedAt:    1700000000000,
		UpdatedAt:    1700000000000,
	}
	require.NoError(t, store.Insert(ctx, job))

	entries := []domain.JobLogEntry{
		{At: 1700000001000, Step: "resolve_account", Message: "row-1"},
		{At: 1700000002000, Step: "fetch_chunk", Message: "1440 bars"},
		{At: 1700000003000, Step: "done", Message: ""},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendLog(ctx, "job-log", e))
	}

	got, err := store.GetByID(ctx, "job-log")
	require.NoError(t, err)
	require.Len(t, got.Logs, 3)
	assert.Equal(t, "resolve_account", got.Logs[0].Step)
	assert.Equal(t, "fetch_chunk", got.Logs[1].Step)
	assert.Equal(t, "done", got.Logs[2].Step)
	assert.Equal(t, int64(1700000002000), got.Logs[1].At)

	err = store.AppendLog(ctx, "nonexistent", entries[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
