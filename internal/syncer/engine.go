// Package syncer runs one full broker sync cycle per connection:
// session validation, raw table fetches, normalization, idempotent
// upserts and trade idea group rebuilds.
package syncer

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

// BrokerAPI is the slice of the gateway client the engine needs.
// *tradelocker.Client satisfies it; tests substitute fakes.
type BrokerAPI interface {
	AllAccounts(ctx context.Context, baseURL, accessToken string) ([]tradelocker.Account, error)
	RefreshTokens(ctx context.Context, baseURL, refreshToken string) (*tradelocker.TokenPair, error)
	Config(ctx context.Context, baseURL, accessToken, accNum string) (*tradelocker.ColumnSchema, error)
	Orders(ctx context.Context, baseURL, accessToken, accNum, accountID string) ([]tradelocker.RawRow, error)
	OrdersHistory(ctx context.Context, baseURL, accessToken, accNum, accountID string) ([]tradelocker.RawRow, error)
	Positions(ctx context.Context, baseURL, accessToken, accNum, accountID string) ([]tradelocker.RawRow, error)
	Executions(ctx context.Context, baseURL, accessToken, accNum, accountID string) ([]tradelocker.RawRow, error)
	AccountState(ctx context.Context, baseURL, accessToken, accNum, accountID string) (tradelocker.RawRow, error)
	InstrumentDetail(ctx context.Context, baseURL, accessToken, accNum, accountID, instrumentID string) (*tradelocker.InstrumentDetail, error)
}

var _ BrokerAPI = (*tradelocker.Client)(nil)

// Options configures an Engine. API, Codec and every store are required.
type Options struct {
	API BrokerAPI

	Connections   storage.ConnectionStore
	Orders        storage.OrderStore
	OrdersHistory storage.OrderHistoryStore
	Positions     storage.PositionStore
	Executions    storage.ExecutionStore
	AccountStates storage.AccountStateStore
	Realizations  storage.RealizationStore
	Ideas         storage.TradeIdeaStore

	Codec   *vault.Codec
	Logger  *log.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Engine executes sync cycles. It never records failures on the
// connection row; the scheduler owns that bookkeeping.
type Engine struct {
	api           BrokerAPI
	connections   storage.ConnectionStore
	orders        storage.OrderStore
	ordersHistory storage.OrderHistoryStore
	positions     storage.PositionStore
	executions    storage.ExecutionStore
	accountStates storage.AccountStateStore
	realizations  storage.RealizationStore
	rebuilder     *Rebuilder
	codec         *vault.Codec
	logger        *log.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewEngine validates opts and builds an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.API == nil {
		return nil, errors.New("syncer: API is required")
	}
	if opts.Connections == nil || opts.Orders == nil || opts.OrdersHistory == nil ||
		opts.Positions == nil || opts.Executions == nil || opts.AccountStates == nil ||
		opts.Realizations == nil || opts.Ideas == nil {
		return nil, errors.New("syncer: all stores are required")
	}
	if opts.Codec == nil {
		return nil, errors.New("syncer: Codec is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		api:           opts.API,
		connections:   opts.Connections,
		orders:        opts.Orders,
		ordersHistory: opts.OrdersHistory,
		positions:     opts.Positions,
		executions:    opts.Executions,
		accountStates: opts.AccountStates,
		realizations:  opts.Realizations,
		rebuilder:     NewRebuilder(opts.Executions, opts.Realizations, opts.Ideas),
		codec:         opts.Codec,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Now,
	}, nil
}

// SyncConnection runs one full cycle for a claimed connection. Any
// error is returned to the caller untouched; the connection row is
// only written here on success (MarkSynced) or a token rotation.
func (e *Engine) SyncConnection(ctx context.Context, conn *domain.Connection) error {
	started := e.now()
	nowMs := started.UnixMilli()

	accessToken, err := e.codec.Open(conn.AccessTokenEnc)
	if err != nil {
		return fmt.Errorf("open access token for %s: %w", conn.ID, err)
	}
	refreshToken, err := e.codec.Open(conn.RefreshTokenEnc)
	if err != nil {
		return fmt.Errorf("open refresh token for %s: %w", conn.ID, err)
	}

	baseURL := tradelocker.BaseURL(string(conn.Environment), conn.JWTHost)

	// Session probe. One refresh on 401; a second 401 is the caller's
	// problem.
	accounts, err := e.api.AllAccounts(ctx, baseURL, accessToken)
	if tradelocker.IsAuthError(err) {
		accessToken, err = e.refreshSession(ctx, conn, baseURL, refreshToken)
		if err != nil {
			return err
		}
		accounts, err = e.api.AllAccounts(ctx, baseURL, accessToken)
	}
	if err != nil {
		return fmt.Errorf("validate session for %s: %w", conn.ID, err)
	}

	if conn.SelectedAccountID == "" {
		return fmt.Errorf("connection %s has no selected account", conn.ID)
	}
	accNum := conn.SelectedAccNum
	if accNum == "" {
		for _, a := range accounts {
			if a.ID == conn.SelectedAccountID {
				accNum = a.AccNum
				break
			}
		}
	}
	if accNum == "" {
		return fmt.Errorf("connection %s: account %s not visible to session", conn.ID, conn.SelectedAccountID)
	}

	// Column layouts shift server-side; never reuse a schema across
	// cycles.
	schema, err := e.api.Config(ctx, baseURL, accessToken, accNum)
	if err != nil {
		return fmt.Errorf("fetch column schema for %s: %w", conn.ID, err)
	}

	symbols := newSymbolCache(e.api, baseURL, accessToken, accNum, conn.SelectedAccountID)

	openPositions := make(map[string]bool)
	touched := make(map[string]bool)
	newExecutions := 0

	rawOrders, err := e.api.Orders(ctx, baseURL, accessToken, accNum, conn.SelectedAccountID)
	if err != nil {
		return fmt.Errorf("fetch orders for %s: %w", conn.ID, err)
	}
	for _, raw := range rawOrders {
		o := normalizeOrder(raw, schema.Orders, conn, nowMs)
		if o == nil {
			continue
		}
		o.Symbol = symbols.Resolve(ctx, o.InstrumentID)
		if _, _, err := e.orders.Upsert(ctx, o); err != nil {
			return fmt.Errorf("upsert order %s: %w", o.ExternalOrderID, err)
		}
		e.countRow("orders")
	}

	rawHistory, err := e.api.OrdersHistory(ctx, baseURL, accessToken, accNum, conn.SelectedAccountID)
	if err != nil {
		return fmt.Errorf("fetch orders history for %s: %w", conn.ID, err)
	}
	for _, raw := range rawHistory {
		h := normalizeOrderHistory(raw, schema.OrdersHistory, conn, nowMs)
		if h == nil {
			continue
		}
		h.Symbol = symbols.Resolve(ctx, h.InstrumentID)
		if _, _, err := e.ordersHistory.Upsert(ctx, h); err != nil {
			return fmt.Errorf("upsert order history %s: %w", h.ExternalOrderID, err)
		}
		e.countRow("orders_history")
	}

	rawPositions, err := e.api.Positions(ctx, baseURL, accessToken, accNum, conn.SelectedAccountID)
	if err != nil {
		return fmt.Errorf("fetch positions for %s: %w", conn.ID, err)
	}
	for _, raw := range rawPositions {
		p := normalizePosition(raw, schema.Positions, conn, nowMs)
		if p == nil {
			continue
		}
		p.Symbol = symbols.Resolve(ctx, p.InstrumentID)
		if _, _, err := e.positions.Upsert(ctx, p); err != nil {
			return fmt.Errorf("upsert position %s: %w", p.ExternalPositionID, err)
		}
		openPositions[p.ExternalPositionID] = true
		touched[p.ExternalPositionID] = true
		e.countRow("positions")
	}

	rawExecutions, err := e.api.Executions(ctx, baseURL, accessToken, accNum, conn.SelectedAccountID)
	if err != nil {
		return fmt.Errorf("fetch executions for %s: %w", conn.ID, err)
	}
	for _, raw := range rawExecutions {
		x := normalizeExecution(raw, schema.FilledOrders, conn, nowMs)
		if x == nil {
			continue
		}
		x.Symbol = symbols.Resolve(ctx, x.InstrumentID)
		_, wasNew, err := e.executions.Upsert(ctx, x)
		if err != nil {
			return fmt.Errorf("upsert execution %s: %w", x.ExternalExecutionID, err)
		}
		if wasNew {
			newExecutions++
		}
		if x.ExternalPositionID != "" {
			touched[x.ExternalPositionID] = true
		}
		if r := realizationFromExecution(x, nowMs); r != nil {
			if _, _, err := e.realizations.Upsert(ctx, r); err != nil {
				return fmt.Errorf("upsert realization %s: %w", r.ExternalExecutionID, err)
			}
		}
		e.countRow("executions")
	}

	rawState, err := e.api.AccountState(ctx, baseURL, accessToken, accNum, conn.SelectedAccountID)
	if err != nil {
		return fmt.Errorf("fetch account state for %s: %w", conn.ID, err)
	}
	if s := normalizeAccountState(rawState, schema.AccountDetails, conn, nowMs); s != nil {
		if _, _, err := e.accountStates.Upsert(ctx, s); err != nil {
			return fmt.Errorf("upsert account state for %s: %w", conn.ID, err)
		}
	}

	for positionID := range touched {
		_, err := e.rebuilder.RebuildForPosition(ctx, conn.Scope, conn.ID, conn.SelectedAccountID, positionID, openPositions[positionID], nowMs)
		if errors.Is(err, storage.ErrNotFound) {
			// Broker reported the position before any fill; picked up
			// on a later cycle.
			e.logger.Printf("sync %s: position %s has no executions yet, skipping rebuild", conn.ID, positionID)
			continue
		}
		if err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.GroupsRebuilt.Inc()
		}
	}

	activityAt := int64(0)
	if newExecutions > 0 || len(openPositions) > 0 {
		activityAt = nowMs
	}
	if err := e.connections.MarkSynced(ctx, conn.ID, nowMs, len(openPositions) > 0, activityAt); err != nil {
		return fmt.Errorf("mark synced %s: %w", conn.ID, err)
	}

	if e.metrics != nil {
		e.metrics.SyncCycleDuration.Observe(e.now().Sub(started).Seconds())
		e.metrics.SymbolFallbacks.Add(float64(symbols.misses))
		e.metrics.LastSuccessfulSync.Set(float64(e.now().Unix()))
	}
	e.logger.Printf("sync %s: %d orders %d history %d positions %d executions (%d new), %d groups touched",
		conn.ID, len(rawOrders), len(rawHistory), len(rawPositions), len(rawExecutions), newExecutions, len(touched))
	return nil
}

// refreshSession rotates the token pair and persists the sealed result
// before anything else happens, so a crash right after still leaves
// usable tokens on the row.
func (e *Engine) refreshSession(ctx context.Context, conn *domain.Connection, baseURL, refreshToken string) (string, error) {
	pair, err := e.api.RefreshTokens(ctx, baseURL, refreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh tokens for %s: %w", conn.ID, err)
	}

	accessEnc, err := e.codec.Seal(pair.AccessToken)
	if err != nil {
		return "", fmt.Errorf("seal access token for %s: %w", conn.ID, err)
	}
	newRefresh := pair.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	refreshEnc, err := e.codec.Seal(newRefresh)
	if err != nil {
		return "", fmt.Errorf("seal refresh token for %s: %w", conn.ID, err)
	}

	if err := e.connections.UpdateTokens(ctx, conn.ID, accessEnc, refreshEnc, pair.AccessExpiresAt, pair.RefreshExpiresAt); err != nil {
		return "", fmt.Errorf("persist rotated tokens for %s: %w", conn.ID, err)
	}
	conn.AccessTokenEnc = accessEnc
	conn.RefreshTokenEnc = refreshEnc

	if e.metrics != nil {
		e.metrics.TokenRefreshes.Inc()
	}
	e.logger.Printf("sync %s: refreshed expired session", conn.ID)
	return pair.AccessToken, nil
}

func (e *Engine) countRow(table string) {
	if e.metrics != nil {
		e.metrics.RowsUpserted.WithLabelValues(table).Inc()
	}
}
