package storage

import (
	"context"

	"broker-sync-lab/internal/domain"
)

// ConnectionStore provides access to broker_connections storage.
// Lease fields live on the connection row itself; ClaimLeases is the
// only mutual-exclusion primitive in the system.
type ConnectionStore interface {
	// Insert adds a new connection. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, c *domain.Connection) error

	// GetByID retrieves a connection by id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Connection, error)

	// ListActiveDue retrieves non-disconnected connections with broker
	// activity within activityWindowMs and lastSyncAt older than
	// minIntervalMs, ordered by lastSyncAt ASC, bounded by limit.
	ListActiveDue(ctx context.Context, nowMs, activityWindowMs, minIntervalMs int64, limit int) ([]*domain.Connection, error)

	// ListWarmDue is ListActiveDue's complement: connections without
	// recent broker activity.
	ListWarmDue(ctx context.Context, nowMs, activityWindowMs, minIntervalMs int64, limit int) ([]*domain.Connection, error)

	// ClaimLeases atomically claims a sync lease on each id whose lease
	// is absent or expired at nowMs, setting owner and untilMs. Returns
	// exactly the claimed subset; never blocks.
	ClaimLeases(ctx context.Context, ids []string, owner string, untilMs, nowMs int64) ([]string, error)

	// ReleaseLease clears the lease if still held by owner.
	ReleaseLease(ctx context.Context, id, owner string) error

	// UpdateTokens persists a rotated (sealed) token pair.
	UpdateTokens(ctx context.Context, id, accessEnc, refreshEnc string, accessExpMs, refreshExpMs int64) error

	// MarkSynced records a successful sync cycle.
	MarkSynced(ctx context.Context, id string, syncedAtMs int64, hasOpenTrade bool, brokerActivityAtMs int64) error

	// MarkError records a failed sync cycle with status=error.
	MarkError(ctx context.Context, id, lastError string, atMs int64) error
}

// DraftStore provides access to connect_drafts storage.
type DraftStore interface {
	// Insert adds a new draft. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, d *domain.ConnectDraft) error

	// GetByID retrieves a draft by id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.ConnectDraft, error)

	// Consume atomically marks a draft consumed and returns it. Returns
	// ErrInvalidInput if already consumed or expired at nowMs.
	Consume(ctx context.Context, id string, nowMs int64) (*domain.ConnectDraft, error)
}

// AccountRowStore provides access to broker_connection_accounts storage.
type AccountRowStore interface {
	// Insert adds a new account row. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, a *domain.AccountRow) error

	// GetByID retrieves an account row by id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.AccountRow, error)

	// ListByConnection retrieves all account rows for a connection.
	ListByConnection(ctx context.Context, connectionID string) ([]*domain.AccountRow, error)

	// UpdateConfigProbe caches the result of the last column-schema probe.
	UpdateConfigProbe(ctx context.Context, id string, ok bool, probeErr string, atMs int64) error
}

// AccountPolicyStore provides access to account_policies storage.
type AccountPolicyStore interface {
	// Insert adds a new policy. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, p *domain.AccountPolicy) error

	// ListEnabledBySourceKey retrieves enabled policies for a source key,
	// ordered by account_row_id ASC so round-robin indexing is stable.
	ListEnabledBySourceKey(ctx context.Context, sourceKey string) ([]*domain.AccountPolicy, error)

	// MarkUsed touches lastUsedAt and clears lastError.
	MarkUsed(ctx context.Context, id string, atMs int64) error

	// MarkError records a failure against the policy.
	MarkError(ctx context.Context, id, lastError string, atMs int64) error
}

// SyncRuleStore provides access to sync_rules storage.
type SyncRuleStore interface {
	// Insert adds a new rule. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, r *domain.SyncRule) error

	// GetByID retrieves a rule by id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.SyncRule, error)

	// ListDue retrieves enabled rules with nextRunAt <= nowMs, ordered by
	// nextRunAt ASC, bounded by limit.
	ListDue(ctx context.Context, nowMs int64, limit int) ([]*domain.SyncRule, error)

	// MarkAttempt records that processing started, before any fetch, so a
	// mid-cycle crash still advances state on the next tick.
	MarkAttempt(ctx context.Context, id string, atMs int64) error

	// MarkSuccess advances the rule after a successful fetch.
	MarkSuccess(ctx context.Context, id string, maxTsMs int64, accountRowID string, nextRunAtMs, atMs int64) error

	// MarkError records a failure and the cadence-respecting nextRunAt.
	MarkError(ctx context.Context, id, lastError string, nextRunAtMs, atMs int64) error

	// SetInfoRouteID caches a resolved broker route id on the rule.
	SetInfoRouteID(ctx context.Context, id, routeID string) error
}

// OrderStore provides access to trade_orders storage.
type OrderStore interface {
	// Upsert inserts or updates by external order id within
	// (org, user, connection). Reports whether the row was new.
	Upsert(ctx context.Context, o *domain.Order) (id string, wasNew bool, err error)
}

// OrderHistoryStore provides access to trade_orders_history storage.
type OrderHistoryStore interface {
	// Upsert inserts or updates by external order id within
	// (org, user, connection). Reports whether the row was new.
	Upsert(ctx context.Context, o *domain.OrderHistory) (id string, wasNew bool, err error)
}

// PositionStore provides access to trade_positions storage.
type PositionStore interface {
	// Upsert inserts or updates by external position id within
	// (org, user, connection). Reports whether the row was new.
	Upsert(ctx context.Context, p *domain.Position) (id string, wasNew bool, err error)
}

// ExecutionStore provides access to trade_executions storage.
type ExecutionStore interface {
	// Upsert inserts or updates by external execution id within
	// (org, user, connection). Reports whether the row was new.
	Upsert(ctx context.Context, e *domain.Execution) (id string, wasNew bool, err error)

	// ListByPosition retrieves all executions referencing an external
	// position id, ordered by executedAt ASC then external id ASC.
	ListByPosition(ctx context.Context, scope domain.Scope, externalPositionID string) ([]*domain.Execution, error)
}

// AccountStateStore provides access to trade_account_states storage.
type AccountStateStore interface {
	// Upsert inserts or updates the snapshot for (connection, account).
	Upsert(ctx context.Context, s *domain.AccountState) (id string, wasNew bool, err error)
}

// RealizationStore provides access to trade_realization_events storage.
type RealizationStore interface {
	// Upsert inserts or updates by external execution id. Reports whether
	// the row was new.
	Upsert(ctx context.Context, r *domain.RealizationEvent) (id string, wasNew bool, err error)

	// ListByPosition retrieves realization events for an external position
	// id within an account, ordered by closedAt ASC.
	ListByPosition(ctx context.Context, scope domain.Scope, accountID, externalPositionID string) ([]*domain.RealizationEvent, error)
}

// TradeIdeaStore provides access to trade_idea_groups and
// trade_idea_events storage.
type TradeIdeaStore interface {
	// UpsertGroup inserts or updates the group for
	// (org, user, account, position).
	UpsertGroup(ctx context.Context, g *domain.TradeIdeaGroup) (id string, err error)

	// GetGroup retrieves the group for a position. Returns ErrNotFound
	// if not exists.
	GetGroup(ctx context.Context, scope domain.Scope, accountID, positionID string) (*domain.TradeIdeaGroup, error)

	// UpsertEvent links an execution into a group, keyed by external
	// execution id. Relinks to a new group when the group id changed.
	UpsertEvent(ctx context.Context, e *domain.TradeIdeaEvent) (id string, wasNew bool, err error)

	// ListEventsByGroup retrieves linked events for a group, ordered by
	// executedAt ASC.
	ListEventsByGroup(ctx context.Context, groupID string) ([]*domain.TradeIdeaEvent, error)
}

// BarStore provides access to the shared candle cache.
type BarStore interface {
	// InsertBars appends bars, silently skipping rows whose
	// (sourceKey, instrumentID, timestampMs) already exists, and
	// returns how many rows were actually inserted.
	InsertBars(ctx context.Context, bars []*domain.Bar) (int, error)

	// Stats returns count/min/max timestamp for one series. Count 0
	// means the series is empty.
	Stats(ctx context.Context, sourceKey, instrumentID string) (*domain.BarStats, error)

	// GetRange retrieves bars within [fromMs, toMs] inclusive, ordered by
	// timestamp ASC.
	GetRange(ctx context.Context, sourceKey, instrumentID string, fromMs, toMs int64) ([]*domain.Bar, error)
}
