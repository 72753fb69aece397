package domain

// Side is an execution/order side. Only the enumerated values are ever
// assigned; anything else from the broker stays empty.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Order is a normalized working order row.
// Corresponds to trade_orders table in PostgreSQL.
type Order struct {
	ID              string
	Scope           Scope
	ConnectionID    string
	AccountID       string
	ExternalOrderID string
	InstrumentID    string
	Symbol          string
	Side            Side
	OrderType       string
	Qty             float64
	Price           float64
	Status          string
	PlacedAt        int64
	Raw             map[string]any
	CreatedAt       int64
	UpdatedAt       int64
}

// OrderHistory is a normalized historical order row.
// Corresponds to trade_orders_history table in PostgreSQL.
type OrderHistory struct {
	ID              string
	Scope           Scope
	ConnectionID    string
	AccountID       string
	ExternalOrderID string
	InstrumentID    string
	Symbol          string
	Side            Side
	OrderType       string
	Qty             float64
	Price           float64
	Status          string
	PlacedAt        int64
	FilledAt        int64
	Raw             map[string]any
	CreatedAt       int64
	UpdatedAt       int64
}

// Position is a normalized open position row.
// Corresponds to trade_positions table in PostgreSQL.
type Position struct {
	ID                 string
	Scope              Scope
	ConnectionID       string
	AccountID          string
	ExternalPositionID string
	InstrumentID       string
	Symbol             string
	Side               Side
	Qty                float64
	AvgPrice           float64
	OpenedAt           int64
	Raw                map[string]any
	CreatedAt          int64
	UpdatedAt          int64
}

// Execution is a normalized fill row.
// Corresponds to trade_executions table in PostgreSQL.
type Execution struct {
	ID                  string
	Scope               Scope
	ConnectionID        string
	AccountID           string
	ExternalExecutionID string
	ExternalOrderID     string
	ExternalPositionID  string
	InstrumentID        string
	Symbol              string
	Side                Side
	Qty                 float64
	Price               float64
	Fees                float64
	ExecutedAt          int64
	Raw                 map[string]any
	CreatedAt           int64
	UpdatedAt           int64
}

// SignedQty is the execution quantity with sell fills negated.
func (e *Execution) SignedQty() float64 {
	if e.Qty == 0 {
		return 0
	}
	qty := e.Qty
	if qty < 0 {
		qty = -qty
	}
	if e.Side == SideSell {
		return -qty
	}
	return qty
}

// AccountState is the latest account-details snapshot.
// Corresponds to trade_account_states table in PostgreSQL.
type AccountState struct {
	ID           string
	Scope        Scope
	ConnectionID string
	AccountID    string
	Balance      float64
	Equity       float64
	Margin       float64
	Raw          map[string]any
	CapturedAt   int64
	CreatedAt    int64
	UpdatedAt    int64
}
