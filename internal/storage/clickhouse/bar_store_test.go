package clickhouse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-sync-lab/internal/domain"
)

const (
	testSourceKey  = "tradelocker:demo:host:demo1"
	testInstrument = "278"
)

func testBar(timestampMs int64, close float64) *domain.Bar {
	return &domain.Bar{
		SourceKey:    testSourceKey,
		InstrumentID: testInstrument,
		Symbol:       "EURUSD",
		TimestampMs:  timestampMs,
		Open:         close - 0.001,
		High:         close + 0.002,
		Low:          close - 0.002,
		Close:        close,
		Volume:       100,
	}
}

func TestBarStore_InsertAndGetRange(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewBarStore(conn)

	inserted, err := store.InsertBars(ctx, []*domain.Bar{
		testBar(1700000040000, 1.101),
		testBar(1700000100000, 1.102),
		testBar(1700000160000, 1.103),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	bars, err := store.GetRange(ctx, testSourceKey, testInstrument, 1700000040000, 1700000100000)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, int64(1700000040000), bars[0].TimestampMs)
	assert.Equal(t, int64(1700000100000), bars[1].TimestampMs)
	assert.InDelta(t, 1.101, bars[0].Close, 0.0001)
	assert.Equal(t, "EURUSD", bars[0].Symbol)
}

func TestBarStore_InsertSkipsExisting(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewBarStore(conn)

	inserted, err := store.InsertBars(ctx, []*domain.Bar{
		testBar(1700000040000, 1.101),
		testBar(1700000100000, 1.102),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Overlapping batch: only the genuinely new bar counts.
	inserted, err = store.InsertBars(ctx, []*domain.Bar{
		testBar(1700000100000, 9.999), // duplicate timestamp, ignored
		testBar(1700000160000, 1.103),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	// The original close survives.
	bars, err := store.GetRange(ctx, testSourceKey, testInstrument, 1700000100000, 1700000100000)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.InDelta(t, 1.102, bars[0].Close, 0.0001)
}

func TestBarStore_InsertDedupesWithinBatch(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewBarStore(conn)

	inserted, err := store.InsertBars(ctx, []*domain.Bar{
		testBar(1700000040000, 1.101),
		testBar(1700000040000, 2.202),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
}

func TestBarStore_SeriesAreIsolated(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewBarStore(conn)

	other := testBar(1700000040000, 2.5)
	other.InstrumentID = "999"
	other.Symbol = "GBPUSD"

	inserted, err := store.InsertBars(ctx, []*domain.Bar{
		testBar(1700000040000, 1.101),
		other,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	bars, err := store.GetRange(ctx, testSourceKey, "999", 0, 1800000000000)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, "GBPUSD", bars[0].Symbol)
}

func TestBarStore_Stats(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewBarStore(conn)

	stats, err := store.Stats(ctx, testSourceKey, testInstrument)
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
	assert.Zero(t, stats.MinTs)
	assert.Zero(t, stats.MaxTs)

	_, err = store.InsertBars(ctx, []*domain.Bar{
		testBar(1700000100000, 1.102),
		testBar(1700000040000, 1.101),
		testBar(1700000160000, 1.103),
	})
	require.NoError(t, err)

	stats, err = store.Stats(ctx, testSourceKey, testInstrument)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(1700000040000), stats.MinTs)
	assert.Equal(t, int64(1700000160000), stats.MaxTs)
}

func TestBarStore_InsertEmpty(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewBarStore(conn)

	inserted, err := store.InsertBars(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}
