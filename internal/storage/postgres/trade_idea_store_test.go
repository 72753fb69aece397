package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

func testGroup(positionID string) *domain.TradeIdeaGroup {
	return &domain.TradeIdeaGroup{
		Scope:         domain.Scope{OrganizationID: "org-1", UserID: "user-1"},
		ConnectionID:  "conn-1",
		AccountID:     "acct-1",
		PositionID:    positionID,
		InstrumentID:  "278",
		Symbol:        "EURUSD",
		Status:        domain.GroupOpen,
		Direction:     domain.DirectionLong,
		OpenedAt:      1700000001000,
		NetQty:        2,
		AvgEntryPrice: 1.1,
		CreatedAt:     1700000001000,
		UpdatedAt:     1700000001000,
	}
}

func TestTradeIdeaStore_UpsertGroupStableID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTradeIdeaStore(pool)

	first, err := store.UpsertGroup(ctx, testGroup("pos-1"))
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Rebuild with changed aggregates lands on the same row.
	g := testGroup("pos-1")
	g.Status = domain.GroupClosed
	g.ClosedAt = 1700000005000
	g.NetQty = 0
	g.RealizedPnl = 42.5
	g.UpdatedAt = 1700000005000

	second, err := store.UpsertGroup(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := store.GetGroup(ctx, g.Scope, "acct-1", "pos-1")
	require.NoError(t, err)
	assert.Equal(t, first, got.ID)
	assert.Equal(t, domain.GroupClosed, got.Status)
	assert.Equal(t, int64(1700000005000), got.ClosedAt)
	assert.InDelta(t, 42.5, got.RealizedPnl, 0.0001)
	assert.Equal(t, int64(1700000001000), got.CreatedAt)
}

func TestTradeIdeaStore_GetGroupNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTradeIdeaStore(pool)

	_, err := store.GetGroup(ctx, domain.Scope{OrganizationID: "org-1", UserID: "user-1"}, "acct-1", "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTradeIdeaStore_UpsertEventIdempotent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTradeIdeaStore(pool)

	groupID, err := store.UpsertGroup(ctx, testGroup("pos-ev"))
	require.NoError(t, err)

	event := &domain.TradeIdeaEvent{
		Scope:               domain.Scope{OrganizationID: "org-1", UserID: "user-1"},
		ConnectionID:        "conn-1",
		TradeIdeaGroupID:    groupID,
		ExternalExecutionID: "exec-1",
		ExternalOrderID:     "ord-1",
		ExternalPositionID:  "pos-ev",
		ExecutedAt:          1700000002000,
		CreatedAt:           1700000002000,
	}

	id1, wasNew, err := store.UpsertEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, wasNew)

	id2, wasNew, err := store.UpsertEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, id1, id2)
}

func TestTradeIdeaStore_ListEventsByGroupOrdering(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewTradeIdeaStore(pool)

	groupID, err := store.UpsertGroup(ctx, testGroup("pos-list"))
	require.NoError(t, err)

	// Insert newest first; reads come back oldest first.
	for _, e := range []struct {
		execID     string
		executedAt int64
	}{
		{"exec-c", 1700000003000},
		{"exec-a", 1700000001000},
		{"exec-b", 1700000002000},
	} {
		_, _, err := store.UpsertEvent(ctx, &domain.TradeIdeaEvent{
			Scope:               domain.Scope{OrganizationID: "org-1", UserID: "user-1"},
			ConnectionID:        "conn-1",
			TradeIdeaGroupID:    groupID,
			ExternalExecutionID: e.execID,
			ExternalPositionID:  "pos-list",
			ExecutedAt:          e.executedAt,
			CreatedAt:           e.executedAt,
		})
		require.NoError(t, err)
	}

	events, err := store.ListEventsByGroup(ctx, groupID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "exec-a", events[0].ExternalExecutionID)
	assert.Equal(t, "exec-b", events[1].ExternalExecutionID)
	assert.Equal(t, "exec-c", events[2].ExternalExecutionID)
}
