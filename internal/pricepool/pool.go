// Package pricepool polls broker candle history through a pool of
// platform accounts, rotating accounts round-robin so no single
// session carries all the traffic.
package pricepool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/observability"
	"broker-sync-lab/internal/storage"
	"broker-sync-lab/internal/tradelocker"
	"broker-sync-lab/internal/vault"
)

const (
	// DefaultLimit bounds how many rules one tick processes.
	DefaultLimit = 20
	// MaxLimit is the hard ceiling for Limit.
	MaxLimit = 50
	// DefaultInterRuleDelay spaces out gateway calls between rules.
	DefaultInterRuleDelay = 350 * time.Millisecond

	// Resolution is the finest candle resolution the pool ingests.
	Resolution = "1"

	minCadenceSeconds     = 10
	maxCadenceSeconds     = 3600
	defaultCadenceSeconds = 60
	errorRetryFloor       = 30 * time.Second
	emptySeriesLookback   = 60 * time.Minute
	minuteMs              = int64(60_000)
)

// BrokerAPI is the slice of the gateway client the pool needs.
type BrokerAPI interface {
	ResolveInfoRouteID(ctx context.Context, baseURL, accessToken, accNum, accountID, instrumentID string) (string, error)
	History(ctx context.Context, baseURL, accessToken, accNum, routeID, instrumentID, resolution string, fromMs, toMs int64) ([]tradelocker.HistoryBar, error)
}

var _ BrokerAPI = (*tradelocker.Client)(nil)

// Options configures a Pool.
type Options struct {
	API BrokerAPI

	Rules       storage.SyncRuleStore
	Policies    storage.AccountPolicyStore
	AccountRows storage.AccountRowStore
	Connections storage.ConnectionStore
	Bars        storage.BarStore

	Codec *vault.Codec

	// Limit is clamped to [1, MaxLimit]; zero means DefaultLimit.
	Limit int

	// InterRuleDelay is the fixed pause between rules within a tick.
	InterRuleDelay time.Duration

	Logger  *log.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
	Sleep   func(time.Duration)
}

// TickResult reports what one pool tick did.
type TickResult struct {
	Due          int
	Succeeded    int
	Failed       int
	BarsInserted int
}

// Pool runs price data ingestion for due sync rules.
type Pool struct {
	api         BrokerAPI
	rules       storage.SyncRuleStore
	policies    storage.AccountPolicyStore
	accountRows storage.AccountRowStore
	connections storage.ConnectionStore
	bars        storage.BarStore
	codec       *vault.Codec

	limit          int
	interRuleDelay time.Duration

	logger  *log.Logger
	metrics *observability.Metrics
	now     func() time.Time
	sleep   func(time.Duration)
}

// NewPool validates opts and builds a Pool.
func NewPool(opts Options) (*Pool, error) {
	if opts.API == nil {
		return nil, errors.New("pricepool: API is required")
	}
	if opts.Rules == nil || opts.Policies == nil || opts.AccountRows == nil ||
		opts.Connections == nil || opts.Bars == nil {
		return nil, errors.New("pricepool: all stores are required")
	}
	if opts.Codec == nil {
		return nil, errors.New("pricepool: Codec is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Limit > MaxLimit {
		opts.Limit = MaxLimit
	}
	if opts.InterRuleDelay <= 0 {
		opts.InterRuleDelay = DefaultInterRuleDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Pool{
		api:            opts.API,
		rules:          opts.Rules,
		policies:       opts.Policies,
		accountRows:    opts.AccountRows,
		connections:    opts.Connections,
		bars:           opts.Bars,
		codec:          opts.Codec,
		limit:          opts.Limit,
		interRuleDelay: opts.InterRuleDelay,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
		sleep:          opts.Sleep,
	}, nil
}

// Tick processes due rules sequentially. Rule failures never abort the
// tick; each failed rule gets its own retry schedule.
func (p *Pool) Tick(ctx context.Context) (*TickResult, error) {
	nowMs := p.now().UnixMilli()
	due, err := p.rules.ListDue(ctx, nowMs, p.limit)
	if err != nil {
		return nil, fmt.Errorf("list due rules: %w", err)
	}

	result := &TickResult{Due: len(due)}
	for i, rule := range due {
		if i > 0 {
			p.sleep(p.interRuleDelay)
		}
		inserted, err := p.processRule(ctx, rule)
		if err != nil {
			result.Failed++
			p.logger.Printf("pricepool: rule %s (%s %s) failed: %v", rule.ID, rule.SourceKey, rule.Symbol, err)
			p.countRule("error")
			continue
		}
		result.Succeeded++
		result.BarsInserted += inserted
		p.countRule("success")
	}

	if p.metrics != nil {
		status := "success"
		if result.Failed > 0 {
			status = "partial"
		}
		p.metrics.PoolTicksTotal.WithLabelValues(status).Inc()
		p.metrics.BarsInserted.Add(float64(result.BarsInserted))
		p.metrics.LastSuccessfulPoolTick.Set(float64(p.now().Unix()))
	}
	return result, nil
}

// processRule runs one rule end to end. The attempt mark lands before
// any broker call so a crash mid-rule still shows up in the row.
func (p *Pool) processRule(ctx context.Context, rule *domain.SyncRule) (int, error) {
	nowMs := p.now().UnixMilli()
	if err := p.rules.MarkAttempt(ctx, rule.ID, nowMs); err != nil {
		return 0, fmt.Errorf("mark attempt: %w", err)
	}

	policy, err := p.selectAccount(ctx, rule)
	if err != nil {
		return 0, p.failRule(ctx, rule, nil, err)
	}

	inserted, maxTs, err := p.fetchBars(ctx, rule, policy)
	if err != nil {
		return 0, p.failRule(ctx, rule, policy, err)
	}

	nowMs = p.now().UnixMilli()
	nextRunAt := nowMs + int64(ClampCadence(rule.CadenceSeconds))*1000
	if err := p.rules.MarkSuccess(ctx, rule.ID, maxTs, policy.AccountRowID, nextRunAt, nowMs); err != nil {
		return 0, fmt.Errorf("mark success: %w", err)
	}
	if err := p.policies.MarkUsed(ctx, policy.ID, nowMs); err != nil {
		p.logger.Printf("pricepool: mark policy %s used failed: %v", policy.ID, err)
	}
	return inserted, nil
}

// failRule records the failure on the rule (and the policy when one
// was selected) and schedules the retry, then hands the cause back.
func (p *Pool) failRule(ctx context.Context, rule *domain.SyncRule, policy *domain.AccountPolicy, cause error) error {
	nowMs := p.now().UnixMilli()
	retry := time.Duration(rule.CadenceSeconds) * time.Second
	if retry < errorRetryFloor {
		retry = errorRetryFloor
	}
	if err := p.rules.MarkError(ctx, rule.ID, cause.Error(), nowMs+retry.Milliseconds(), nowMs); err != nil {
		p.logger.Printf("pricepool: mark rule %s error failed: %v", rule.ID, err)
	}
	if policy != nil {
		if err := p.policies.MarkError(ctx, policy.ID, cause.Error(), nowMs); err != nil {
			p.logger.Printf("pricepool: mark policy %s error failed: %v", policy.ID, err)
		}
	}
	return cause
}

// selectAccount picks the pool account for this rule: the first policy
// whose account row id sorts after the rule's cursor, wrapping to the
// start; without a cursor, the least recently used policy.
func (p *Pool) selectAccount(ctx context.Context, rule *domain.SyncRule) (*domain.AccountPolicy, error) {
	policies, err := p.policies.ListEnabledBySourceKey(ctx, rule.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("list pool accounts: %w", err)
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("no enabled pool accounts for %s", rule.SourceKey)
	}

	if p.metrics != nil {
		p.metrics.AccountRotations.Inc()
	}

	if rule.LastAccountRowIDUsed != "" {
		for _, pol := range policies {
			if pol.AccountRowID > rule.LastAccountRowIDUsed {
				return pol, nil
			}
		}
		return policies[0], nil
	}

	lru := policies[0]
	for _, pol := range policies[1:] {
		if pol.LastUsedAt < lru.LastUsedAt {
			lru = pol
		}
	}
	return lru, nil
}

// fetchBars resolves the account session, the route id and the fetch
// window, pulls history and inserts the strictly-new bars. Returns the
// inserted count and the new high-water timestamp.
func (p *Pool) fetchBars(ctx context.Context, rule *domain.SyncRule, policy *domain.AccountPolicy) (int, int64, error) {
	row, err := p.accountRows.GetByID(ctx, policy.AccountRowID)
	if err != nil {
		return 0, 0, fmt.Errorf("load account row %s: %w", policy.AccountRowID, err)
	}
	conn, err := p.connections.GetByID(ctx, row.ConnectionID)
	if err != nil {
		return 0, 0, fmt.Errorf("load connection %s: %w", row.ConnectionID, err)
	}
	if conn.SourceKey() != rule.SourceKey {
		return 0, 0, fmt.Errorf("account %s serves %s, rule wants %s", row.ID, conn.SourceKey(), rule.SourceKey)
	}

	accessToken, err := p.codec.Open(conn.AccessTokenEnc)
	if err != nil {
		return 0, 0, fmt.Errorf("open access token: %w", err)
	}
	baseURL := tradelocker.BaseURL(string(conn.Environment), conn.JWTHost)

	routeID := rule.InfoRouteID
	if routeID == "" {
		routeID, err = p.api.ResolveInfoRouteID(ctx, baseURL, accessToken, row.AccNum, row.AccountID, rule.InstrumentID)
		if err != nil {
			return 0, 0, fmt.Errorf("resolve info route: %w", err)
		}
		if err := p.rules.SetInfoRouteID(ctx, rule.ID, routeID); err != nil {
			p.logger.Printf("pricepool: cache route id for rule %s failed: %v", rule.ID, err)
		}
	}

	// The window anchors on the cache's real high-water mark, not the
	// rule's cursor: a rule created or reset over a series a backfill
	// already filled must not re-span data the store holds.
	stats, err := p.bars.Stats(ctx, rule.SourceKey, rule.InstrumentID)
	if err != nil {
		return 0, 0, fmt.Errorf("read series stats: %w", err)
	}
	storeMax := int64(0)
	if stats != nil && stats.Count > 0 {
		storeMax = stats.MaxTs
	}

	fromMs, toMs := FetchWindow(p.now().UnixMilli(), storeMax, rule.OverlapSeconds)
	if fromMs >= toMs {
		return 0, storeMax, nil
	}

	history, err := p.api.History(ctx, baseURL, accessToken, row.AccNum, routeID, rule.InstrumentID, Resolution, fromMs, toMs)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch history: %w", err)
	}

	maxTs := storeMax
	bars := make([]*domain.Bar, 0, len(history))
	for _, h := range history {
		// Only bars past the high-water mark, and never the still
		// forming minute.
		if h.T <= storeMax || h.T >= toMs {
			continue
		}
		bars = append(bars, &domain.Bar{
			SourceKey:    rule.SourceKey,
			InstrumentID: rule.InstrumentID,
			Symbol:       rule.Symbol,
			TimestampMs:  h.T,
			Open:         h.O,
			High:         h.H,
			Low:          h.L,
			Close:        h.C,
			Volume:       h.V,
		})
		if h.T > maxTs {
			maxTs = h.T
		}
	}

	inserted, err := p.bars.InsertBars(ctx, bars)
	if err != nil {
		return 0, 0, fmt.Errorf("insert bars: %w", err)
	}
	return inserted, maxTs, nil
}

func (p *Pool) countRule(status string) {
	if p.metrics != nil {
		p.metrics.RulesProcessed.WithLabelValues(status).Inc()
	}
}

// FetchWindow computes the [from, to) fetch range for a rule. The
// upper bound is the current minute boundary; the lower bound reaches
// back overlap seconds behind the high-water mark, or one hour on an
// empty series.
func FetchWindow(nowMs, highWaterMs int64, overlapSeconds int) (fromMs, toMs int64) {
	toMs = nowMs / minuteMs * minuteMs
	if highWaterMs > 0 {
		fromMs = highWaterMs - int64(overlapSeconds)*1000
	} else {
		fromMs = toMs - emptySeriesLookback.Milliseconds()
	}
	return fromMs, toMs
}

// ClampCadence normalizes a rule cadence to [10, 3600] seconds, with
// 60 for unset values.
func ClampCadence(seconds int) int {
	if seconds <= 0 {
		seconds = defaultCadenceSeconds
	}
	if seconds < minCadenceSeconds {
		return minCadenceSeconds
	}
	if seconds > maxCadenceSeconds {
		return maxCadenceSeconds
	}
	return seconds
}
