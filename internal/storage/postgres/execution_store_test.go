package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-sync-lab/internal/domain"
)

func testExecution(execID, positionID string, executedAt int64) *domain.Execution {
	return &domain.Execution{
		Scope:               domain.Scope{OrganizationID: "org-1", UserID: "user-1"},
		ConnectionID:        "conn-1",
		AccountID:           "acct-1",
		ExternalExecutionID: execID,
		ExternalOrderID:     "ord-" + execID,
		ExternalPositionID:  positionID,
		InstrumentID:        "278",
		Symbol:              "EURUSD",
		Side:                domain.SideBuy,
		Qty:                 1,
		Price:               1.1,
		Fees:                0.5,
		ExecutedAt:          executedAt,
		Raw:                 map[string]any{"id": execID},
		CreatedAt:           executedAt,
		UpdatedAt:           executedAt,
	}
}

func TestExecutionStore_UpsertWasNew(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionStore(pool)

	exec := testExecution("exec-1", "pos-1", 1700000001000)

	id1, wasNew, err := store.Upsert(ctx, exec)
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.NotEmpty(t, id1)

	// Same external id lands on the same row.
	exec.Price = 1.2
	id2, wasNew, err := store.Upsert(ctx, exec)
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, id1, id2)
}

func TestExecutionStore_ListByPosition(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionStore(pool)
	scope := domain.Scope{OrganizationID: "org-1", UserID: "user-1"}

	// Inserted out of order; two fills share a timestamp and fall back
	// to external id order.
	for _, e := range []*domain.Execution{
		testExecution("exec-c", "pos-list", 1700000003000),
		testExecution("exec-a", "pos-list", 1700000001000),
		testExecution("exec-b", "pos-list", 1700000001000),
		testExecution("exec-other", "pos-other", 1700000000000),
	} {
		_, _, err := store.Upsert(ctx, e)
		require.NoError(t, err)
	}

	execs, err := store.ListByPosition(ctx, scope, "pos-list")
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, "exec-a", execs[0].ExternalExecutionID)
	assert.Equal(t, "exec-b", execs[1].ExternalExecutionID)
	assert.Equal(t, "exec-c", execs[2].ExternalExecutionID)
	assert.Equal(t, "EURUSD", execs[0].Symbol)
	assert.Equal(t, "exec-a", execs[0].Raw["id"])
}

func TestExecutionStore_ListByPositionEmpty(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionStore(pool)

	execs, err := store.ListByPosition(ctx, domain.Scope{OrganizationID: "org-1", UserID: "user-1"}, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, execs)
}
