package domain

// Bar is one finest-resolution OHLCV candle in the shared price cache.
// Unique per (source_key, instrument_id, timestamp_ms).
// Corresponds to bars_1m table in ClickHouse.
type Bar struct {
	SourceKey    string
	InstrumentID string
	Symbol       string
	TimestampMs  int64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
}

// BarStats summarizes what the cache already holds for one series.
type BarStats struct {
	Count int64
	MinTs int64 // Unix ms, 0 when Count == 0
	MaxTs int64 // Unix ms, 0 when Count == 0
}
