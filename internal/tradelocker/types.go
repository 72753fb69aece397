package tradelocker

// TokenPair is an access/refresh token pair with expirations (Unix ms,
// 0 when the broker omitted them).
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  int64
	RefreshExpiresAt int64
}

// Account is one broker account visible to a session.
type Account struct {
	ID       string
	AccNum   string
	Name     string
	Currency string
}

// ColumnSchema holds the ordered column-id lists the broker reports for
// each logical table. Brokers may reorder columns between sessions, so
// a schema is only valid for the cycle that fetched it.
type ColumnSchema struct {
	Orders         []string
	OrdersHistory  []string
	Positions      []string
	FilledOrders   []string
	AccountDetails []string
}

// HistoryBar is one OHLCV bar from the history endpoint.
type HistoryBar struct {
	T int64 // bar open time, Unix ms
	O float64
	H float64
	L float64
	C float64
	V float64
}

// InstrumentDetail is the subset of instrument metadata the sync engine
// needs for symbol resolution.
type InstrumentDetail struct {
	TradableInstrumentID string
	Symbol               string
	Name                 string
	InfoRouteID          string
}
