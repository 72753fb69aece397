package domain

// AccountPolicy controls whether a pool account participates in price
// data ingestion and records how round-robin selection has used it.
// Corresponds to account_policies table in PostgreSQL.
type AccountPolicy struct {
	ID           string
	AccountRowID string
	SourceKey    string
	Enabled      bool
	Weight       int
	Notes        string
	LastUsedAt   int64 // Unix ms, 0 if never used
	LastError    string
	CreatedAt    int64
	UpdatedAt    int64
}

// SyncRule schedules candle ingestion for one (sourceKey, instrument).
// Corresponds to sync_rules table in PostgreSQL.
type SyncRule struct {
	ID             string
	SourceKey      string
	InstrumentID   string
	Symbol         string
	CadenceSeconds int
	OverlapSeconds int
	Enabled        bool

	LastAttemptAt   int64
	LastSuccessAt   int64
	NextRunAt       int64
	LastSeenMaxTsMs int64
	LastError       string

	// Round-robin cursor over the account pool.
	LastAccountRowIDUsed string

	// Broker route id cached after first resolution.
	InfoRouteID string

	CreatedAt int64
	UpdatedAt int64
}
