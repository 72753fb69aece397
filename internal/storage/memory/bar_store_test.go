package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-sync-lab/internal/domain"
)

func bar(ts int64) *domain.Bar {
	return &domain.Bar{
		SourceKey:    "tradelocker:demo:host:srv",
		InstrumentID: "inst-1",
		Symbol:       "EURUSD",
		TimestampMs:  ts,
		Open:         1, High: 2, Low: 0.5, Close: 1.5, Volume: 10,
	}
}

func TestBarStore_InsertSkipsDuplicates(t *testing.T) {
	store := NewBarStore()
	ctx := context.Background()

	inserted, err := store.InsertBars(ctx, []*domain.Bar{bar(60_000), bar(120_000)})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Re-inserting the same timestamps changes nothing.
	inserted, err = store.InsertBars(ctx, []*domain.Bar{bar(60_000), bar(120_000), bar(180_000)})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	stats, err := store.Stats(ctx, "tradelocker:demo:host:srv", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(60_000), stats.MinTs)
	assert.Equal(t, int64(180_000), stats.MaxTs)
}

func TestBarStore_StatsEmptySeries(t *testing.T) {
	store := NewBarStore()

	stats, err := store.Stats(context.Background(), "tradelocker:demo:host:srv", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Count)
	assert.Equal(t, int64(0), stats.MinTs)
	assert.Equal(t, int64(0), stats.MaxTs)
}

func TestBarStore_GetRange(t *testing.T) {
	store := NewBarStore()
	ctx := context.Background()

	_, err := store.InsertBars(ctx, []*domain.Bar{bar(60_000), bar(120_000), bar(180_000)})
	require.NoError(t, err)

	got, err := store.GetRange(ctx, "tradelocker:demo:host:srv", "inst-1", 60_000, 120_000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(60_000), got[0].TimestampMs)
	assert.Equal(t, int64(120_000), got[1].TimestampMs)
}
