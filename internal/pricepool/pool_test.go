package pricepool

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage/memory"
	"broker-sync-lab/internal/tradelocker"
	"broker-sync-lab/internal/vault"
)

type fakeHistoryAPI struct {
	routeID      string
	routeErr     error
	bars         []tradelocker.HistoryBar
	historyErr   error
	routeCalls   int
	historyCalls int
	lastFromMs   int64
	lastToMs     int64
	lastAccNum   string
}

func (f *fakeHistoryAPI) ResolveInfoRouteID(_ context.Context, _, _, _, _, _ string) (string, error) {
	f.routeCalls++
	return f.routeID, f.routeErr
}

func (f *fakeHistoryAPI) History(_ context.Context, _, _, accNum, _, _, resolution string, fromMs, toMs int64) ([]tradelocker.HistoryBar, error) {
	f.historyCalls++
	f.lastAccNum = accNum
	f.lastFromMs = fromMs
	f.lastToMs = toMs
	if resolution != Resolution {
		return nil, &tradelocker.HTTPError{Status: 400, Body: "bad resolution"}
	}
	return f.bars, f.historyErr
}

var _ BrokerAPI = (*fakeHistoryAPI)(nil)

type poolFixture struct {
	pool        *Pool
	api         *fakeHistoryAPI
	rules       *memory.SyncRuleStore
	policies    *memory.AccountPolicyStore
	accountRows *memory.AccountRowStore
	connections *memory.ConnectionStore
	bars        *memory.BarStore
	nowMs       int64
	sourceKey   string
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	codec, err := vault.NewCodec(vault.ModePlain, "")
	require.NoError(t, err)

	f := &poolFixture{
		api:         &fakeHistoryAPI{routeID: "route-1"},
		rules:       memory.NewSyncRuleStore(),
		policies:    memory.NewAccountPolicyStore(),
		accountRows: memory.NewAccountRowStore(),
		connections: memory.NewConnectionStore(),
		bars:        memory.NewBarStore(),
		nowMs:       1_700_000_090_000, // 90s past a minute boundary
		sourceKey:   domain.SourceKey(domain.EnvDemo, "", "DEMO1"),
	}

	pool, err := NewPool(Options{
		API:         f.api,
		Rules:       f.rules,
		Policies:    f.policies,
		AccountRows: f.accountRows,
		Connections: f.connections,
		Bars:        f.bars,
		Codec:       codec,
		Logger:      log.New(os.Stderr, "[test] ", log.LstdFlags),
		Now:         func() time.Time { return time.UnixMilli(f.nowMs) },
		Sleep:       func(time.Duration) {},
	})
	require.NoError(t, err)
	f.pool = pool
	return f
}

// seedAccount wires policy -> account row -> connection for the pool's
// source key.
func (f *poolFixture) seedAccount(t *testing.T, suffix string, lastUsedAt int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.connections.Insert(ctx, &domain.Connection{
		ID:                "conn-" + suffix,
		Scope:             domain.PlatformScope,
		Environment:       domain.EnvDemo,
		Server:            "DEMO1",
		AccessTokenEnc:    "token-" + suffix,
		RefreshTokenEnc:   "refresh-" + suffix,
		SelectedAccountID: "acct-" + suffix,
		Status:            domain.StatusConnected,
	}))
	require.NoError(t, f.accountRows.Insert(ctx, &domain.AccountRow{
		ID:           "row-" + suffix,
		ConnectionID: "conn-" + suffix,
		Scope:        domain.PlatformScope,
		AccountID:    "acct-" + suffix,
		AccNum:       suffix,
	}))
	require.NoError(t, f.policies.Insert(ctx, &domain.AccountPolicy{
		ID:           "pol-" + suffix,
		AccountRowID: "row-" + suffix,
		SourceKey:    f.sourceKey,
		Enabled:      true,
		LastUsedAt:   lastUsedAt,
	}))
}

func (f *poolFixture) seedRule(t *testing.T, id string, lastSeenMaxTs int64) {
	t.Helper()
	require.NoError(t, f.rules.Insert(context.Background(), &domain.SyncRule{
		ID:              id,
		SourceKey:       f.sourceKey,
		InstrumentID:    "278",
		Symbol:          "EURUSD",
		CadenceSeconds:  60,
		OverlapSeconds:  30,
		Enabled:         true,
		LastSeenMaxTsMs: lastSeenMaxTs,
	}))
}

func TestTickFetchWindowAndBarFilter(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)
	f.seedAccount(t, "a", 0)

	// The store holds the high-water mark; the rule's cursor is blank,
	// as for a freshly created rule over an already backfilled series.
	storeMax := int64(1_699_999_800_000)
	f.seedRule(t, "rule-1", 0)
	_, err := f.bars.InsertBars(ctx, []*domain.Bar{{
		SourceKey: f.sourceKey, InstrumentID: "278",
		TimestampMs: storeMax, Open: 5, High: 5, Low: 5, Close: 5,
	}})
	require.NoError(t, err)

	toMs := f.nowMs / 60_000 * 60_000
	f.api.bars = []tradelocker.HistoryBar{
		{T: storeMax, O: 1, H: 1, L: 1, C: 1, V: 1},           // at the mark: dropped
		{T: storeMax + 60_000, O: 1, H: 2, L: 1, C: 2, V: 3},  // new: kept
		{T: storeMax + 120_000, O: 2, H: 2, L: 2, C: 2, V: 1}, // new: kept
		{T: toMs, O: 9, H: 9, L: 9, C: 9, V: 9},               // forming minute: dropped
	}

	result, err := f.pool.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Due)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 2, result.BarsInserted)

	// overlap reaches 30s behind the store's max, not the blank cursor
	assert.Equal(t, storeMax-30_000, f.api.lastFromMs)
	assert.Equal(t, toMs, f.api.lastToMs)

	rule, err := f.rules.GetByID(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, storeMax+120_000, rule.LastSeenMaxTsMs)
	assert.Equal(t, "route-1", rule.InfoRouteID)
	assert.Equal(t, f.nowMs+60_000, rule.NextRunAt)
	assert.Equal(t, "row-a", rule.LastAccountRowIDUsed)
	assert.Empty(t, rule.LastError)

	stats, err := f.bars.Stats(ctx, f.sourceKey, "278")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
}

func TestTickStaleCursorYieldsToStoreMax(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)
	f.seedAccount(t, "a", 0)

	// Cursor an hour behind the store: a backfill filled the series
	// since the rule last ran.
	storeMax := f.nowMs/60_000*60_000 - 120_000
	f.seedRule(t, "rule-1", storeMax-3_600_000)
	_, err := f.bars.InsertBars(ctx, []*domain.Bar{{
		SourceKey: f.sourceKey, InstrumentID: "278",
		TimestampMs: storeMax, Open: 5, High: 5, Low: 5, Close: 5,
	}})
	require.NoError(t, err)

	_, err = f.pool.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, storeMax-30_000, f.api.lastFromMs)

	// bookkeeping catches up with reality
	rule, err := f.rules.GetByID(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, storeMax, rule.LastSeenMaxTsMs)
}

func TestTickEmptySeriesLooksBackOneHour(t *testing.T) {
	f := newPoolFixture(t)
	f.seedAccount(t, "a", 0)
	f.seedRule(t, "rule-1", 0)

	_, err := f.pool.Tick(context.Background())
	require.NoError(t, err)

	toMs := f.nowMs / 60_000 * 60_000
	assert.Equal(t, toMs-60*60_000, f.api.lastFromMs)
	assert.Equal(t, toMs, f.api.lastToMs)
}

func TestTickRoundRobinCyclesAccounts(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)
	f.seedAccount(t, "a", 0)
	f.seedAccount(t, "b", 0)
	f.seedAccount(t, "c", 0)
	f.seedRule(t, "rule-1", 0)

	var used []string
	for i := 0; i < 4; i++ {
		result, err := f.pool.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, result.Succeeded)

		rule, err := f.rules.GetByID(ctx, "rule-1")
		require.NoError(t, err)
		used = append(used, rule.LastAccountRowIDUsed)

		f.nowMs += 61_000 // make the rule due again
	}

	// First pick is LRU (the lowest row id here), then the cursor walks
	// the pool and wraps.
	assert.Equal(t, []string{"row-a", "row-b", "row-c", "row-a"}, used)
}

func TestTickSelectsLeastRecentlyUsedWithoutCursor(t *testing.T) {
	f := newPoolFixture(t)
	f.seedAccount(t, "a", 500)
	f.seedAccount(t, "b", 100) // least recently used
	f.seedAccount(t, "c", 300)
	f.seedRule(t, "rule-1", 0)

	_, err := f.pool.Tick(context.Background())
	require.NoError(t, err)

	rule, err := f.rules.GetByID(context.Background(), "rule-1")
	require.NoError(t, err)
	assert.Equal(t, "row-b", rule.LastAccountRowIDUsed)
}

func TestTickSourceKeyMismatchFailsRule(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)
	f.seedAccount(t, "a", 0)

	// Rule for a different venue than the pool account serves.
	require.NoError(t, f.rules.Insert(ctx, &domain.SyncRule{
		ID:             "rule-1",
		SourceKey:      f.sourceKey,
		InstrumentID:   "278",
		CadenceSeconds: 60,
		Enabled:        true,
	}))
	// a second pool account whose connection serves another venue
	require.NoError(t, f.connections.Insert(ctx, &domain.Connection{
		ID:              "conn-live",
		Scope:           domain.PlatformScope,
		Environment:     domain.EnvLive,
		Server:          "LIVE1",
		AccessTokenEnc:  "token-live",
		RefreshTokenEnc: "refresh-live",
		Status:          domain.StatusConnected,
	}))
	require.NoError(t, f.accountRows.Insert(ctx, &domain.AccountRow{
		ID:           "row-z",
		ConnectionID: "conn-live",
		Scope:        domain.PlatformScope,
		AccountID:    "acct-z",
		AccNum:       "z",
	}))
	require.NoError(t, f.policies.Insert(ctx, &domain.AccountPolicy{
		ID:           "pol-z",
		AccountRowID: "row-z",
		SourceKey:    f.sourceKey, // misconfigured: claims the demo venue
		Enabled:      true,
	}))

	// Force selection of the mismatched account.
	require.NoError(t, f.rules.MarkSuccess(ctx, "rule-1", 0, "row-a", 0, f.nowMs))

	result, err := f.pool.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	rule, err := f.rules.GetByID(ctx, "rule-1")
	require.NoError(t, err)
	assert.Contains(t, rule.LastError, "rule wants")
	// error retry keeps the cadence since it exceeds the 30s floor
	assert.Equal(t, f.nowMs+60_000, rule.NextRunAt)

	pol, err := f.policies.ListEnabledBySourceKey(ctx, f.sourceKey)
	require.NoError(t, err)
	for _, p := range pol {
		if p.ID == "pol-z" {
			assert.Contains(t, p.LastError, "rule wants")
		}
	}
}

func TestTickNoEnabledAccountsFailsRule(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)
	f.seedRule(t, "rule-1", 0)

	result, err := f.pool.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	rule, err := f.rules.GetByID(ctx, "rule-1")
	require.NoError(t, err)
	assert.Contains(t, rule.LastError, "no enabled pool accounts")
}

func TestTickErrorRetryUsesFloor(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)
	f.seedAccount(t, "a", 0)
	require.NoError(t, f.rules.Insert(ctx, &domain.SyncRule{
		ID:             "rule-1",
		SourceKey:      f.sourceKey,
		InstrumentID:   "278",
		CadenceSeconds: 10, // shorter than the retry floor
		Enabled:        true,
	}))
	f.api.historyErr = &tradelocker.HTTPError{Status: 502, Body: "bad gateway"}

	result, err := f.pool.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	rule, err := f.rules.GetByID(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, f.nowMs+30_000, rule.NextRunAt)
}

func TestTickCachedRouteIDSkipsResolution(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t)
	f.seedAccount(t, "a", 0)
	require.NoError(t, f.rules.Insert(ctx, &domain.SyncRule{
		ID:             "rule-1",
		SourceKey:      f.sourceKey,
		InstrumentID:   "278",
		CadenceSeconds: 60,
		Enabled:        true,
		InfoRouteID:    "route-cached",
	}))

	_, err := f.pool.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.api.routeCalls)
	assert.Equal(t, 1, f.api.historyCalls)
}

func TestClampCadence(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 60},
		{-5, 60},
		{5, 10},
		{10, 10},
		{60, 60},
		{3600, 3600},
		{7200, 3600},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClampCadence(tc.in), "cadence %d", tc.in)
	}
}

func TestFetchWindow(t *testing.T) {
	// mid-minute now floors to the boundary
	from, to := FetchWindow(1_700_000_090_000, 1_699_999_800_000, 30)
	assert.Equal(t, int64(1_700_000_040_000), to)
	assert.Equal(t, int64(1_699_999_770_000), from)

	// empty series looks back one hour
	from, to = FetchWindow(1_700_000_090_000, 0, 30)
	assert.Equal(t, int64(1_700_000_040_000), to)
	assert.Equal(t, to-3_600_000, from)
}
