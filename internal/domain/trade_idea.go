package domain

// Direction is the bias of a trade idea group.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// GroupStatus marks whether the underlying broker position is still open.
type GroupStatus string

const (
	GroupOpen   GroupStatus = "open"
	GroupClosed GroupStatus = "closed"
)

// TradeIdeaGroup is the derived aggregate for one logical position.
// It is rebuilt in place whenever the position is touched by a sync
// cycle, never recreated.
// Corresponds to trade_idea_groups table in PostgreSQL.
type TradeIdeaGroup struct {
	ID           string
	Scope        Scope
	ConnectionID string
	AccountID    string
	PositionID   string
	InstrumentID string
	Symbol       string

	Status    GroupStatus
	Direction Direction
	OpenedAt  int64
	ClosedAt  int64 // 0 while open

	NetQty        float64
	AvgEntryPrice float64
	RealizedPnl   float64
	Fees          float64

	LastExecutionAt          int64
	LastProcessedExecutionID string

	CreatedAt int64
	UpdatedAt int64
}

// TradeIdeaEvent links one execution into a group, keyed by the
// external execution id so relinking is idempotent.
// Corresponds to trade_idea_events table in PostgreSQL.
type TradeIdeaEvent struct {
	ID                  string
	Scope               Scope
	ConnectionID        string
	TradeIdeaGroupID    string
	ExternalExecutionID string
	ExternalOrderID     string
	ExternalPositionID  string
	ExecutedAt          int64
	CreatedAt           int64
}

// RealizationEvent records realized PnL from a partial or full close,
// keyed by the execution that produced it. Summed during group rebuild
// so PnL accumulates while the position stays open.
// Corresponds to trade_realization_events table in PostgreSQL.
type RealizationEvent struct {
	ID                  string
	Scope               Scope
	ConnectionID        string
	AccountID           string
	ExternalPositionID  string
	ExternalExecutionID string
	RealizedPnl         float64
	ClosedAt            int64
	CreatedAt           int64
}
