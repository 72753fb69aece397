package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

func newConnection(id string) *domain.Connection {
	return &domain.Connection{
		ID:          id,
		Scope:       domain.Scope{OrganizationID: "org", UserID: "user"},
		Environment: domain.EnvDemo,
		Server:      "DEMO1",
		Status:      domain.StatusConnected,
	}
}

func TestConnectionStore_InsertAndGet(t *testing.T) {
	store := NewConnectionStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newConnection("conn-1")))
	assert.ErrorIs(t, store.Insert(ctx, newConnection("conn-1")), storage.ErrDuplicateKey)

	got, err := store.GetByID(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "DEMO1", got.Server)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConnectionStore_ClaimLeases_Exclusive(t *testing.T) {
	store := NewConnectionStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newConnection("conn-1")))
	require.NoError(t, store.Insert(ctx, newConnection("conn-2")))

	now := int64(1_000_000)
	claimed, err := store.ClaimLeases(ctx, []string{"conn-1", "conn-2"}, "owner-a", now+60_000, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"conn-1", "conn-2"}, claimed)

	// A second caller gets nothing while leases are live.
	claimed, err = store.ClaimLeases(ctx, []string{"conn-1", "conn-2"}, "owner-b", now+60_000, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// An expired lease is claimable again.
	claimed, err = store.ClaimLeases(ctx, []string{"conn-1"}, "owner-b", now+120_000, now+61_000)
	require.NoError(t, err)
	assert.Equal(t, []string{"conn-1"}, claimed)
}

func TestConnectionStore_ReleaseLease_OwnerOnly(t *testing.T) {
	store := NewConnectionStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, newConnection("conn-1")))

	now := int64(1_000_000)
	_, err := store.ClaimLeases(ctx, []string{"conn-1"}, "owner-a", now+60_000, now)
	require.NoError(t, err)

	// A non-owner release is a no-op.
	require.NoError(t, store.ReleaseLease(ctx, "conn-1", "owner-b"))
	claimed, err := store.ClaimLeases(ctx, []string{"conn-1"}, "owner-b", now+60_000, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, store.ReleaseLease(ctx, "conn-1", "owner-a"))
	claimed, err = store.ClaimLeases(ctx, []string{"conn-1"}, "owner-b", now+60_000, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"conn-1"}, claimed)
}

func TestConnectionStore_DueTiers(t *testing.T) {
	store := NewConnectionStore()
	ctx := context.Background()

	now := int64(10_000_000)

	active := newConnection("active")
	active.LastBrokerActivity = now - 30_000
	active.LastSyncAt = now - 600_000
	require.NoError(t, store.Insert(ctx, active))

	warm := newConnection("warm")
	warm.LastSyncAt = now - 600_000
	require.NoError(t, store.Insert(ctx, warm))

	fresh := newConnection("fresh")
	fresh.LastBrokerActivity = now - 30_000
	fresh.LastSyncAt = now - 10_000
	require.NoError(t, store.Insert(ctx, fresh))

	disconnected := newConnection("gone")
	disconnected.Status = domain.StatusDisconnected
	require.NoError(t, store.Insert(ctx, disconnected))

	activityWindow := int64(300_000)
	minInterval := int64(60_000)

	got, err := store.ListActiveDue(ctx, now, activityWindow, minInterval, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "active", got[0].ID)

	got, err = store.ListWarmDue(ctx, now, activityWindow, minInterval, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "warm", got[0].ID)
}
