package clickhouse

import (
	"context"
	"fmt"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// BarStore implements storage.BarStore using ClickHouse.
// MergeTree does not enforce uniqueness at insert time, so InsertBars
// filters against existing timestamps before batching; the
// ReplacingMergeTree engine collapses anything that still slips
// through a concurrent writer.
type BarStore struct {
	conn *Conn
}

// NewBarStore creates a new BarStore.
func NewBarStore(conn *Conn) *BarStore {
	return &BarStore{conn: conn}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

// InsertBars appends bars, silently skipping rows whose
// (source_key, instrument_id, timestamp_ms) already exists, and
// returns how many rows were actually inserted.
func (s *BarStore) InsertBars(ctx context.Context, bars []*domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	type seriesKey struct {
		sourceKey    string
		instrumentID string
	}
	type barKey struct {
		seriesKey
		timestampMs int64
	}

	// Dedupe intra-batch, first occurrence wins.
	seen := make(map[barKey]struct{}, len(bars))
	bySeries := make(map[seriesKey][]*domain.Bar)
	for _, b := range bars {
		k := barKey{seriesKey{b.SourceKey, b.InstrumentID}, b.TimestampMs}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		bySeries[k.seriesKey] = append(bySeries[k.seriesKey], b)
	}

	var fresh []*domain.Bar
	for series, group := range bySeries {
		minTs, maxTs := group[0].TimestampMs, group[0].TimestampMs
		for _, b := range group[1:] {
			if b.TimestampMs < minTs {
				minTs = b.TimestampMs
			}
			if b.TimestampMs > maxTs {
				maxTs = b.TimestampMs
			}
		}

		existing, err := s.existingTimestamps(ctx, series.sourceKey, series.instrumentID, minTs, maxTs)
		if err != nil {
			return 0, fmt.Errorf("check existing bars: %w", err)
		}
		for _, b := range group {
			if _, ok := existing[b.TimestampMs]; ok {
				continue
			}
			fresh = append(fresh, b)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO bars_1m (
			source_key, instrument_id, symbol, timestamp_ms,
			open, high, low, close, volume
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}

	for _, b := range fresh {
		err = batch.Append(
			b.SourceKey, b.InstrumentID, b.Symbol, uint64(b.TimestampMs),
			b.Open, b.High, b.Low, b.Close, b.Volume,
		)
		if err != nil {
			return 0, fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}
	return len(fresh), nil
}

// Stats returns count/min/max timestamp for one series. Count 0 means
// the series is empty.
func (s *BarStore) Stats(ctx context.Context, sourceKey, instrumentID string) (*domain.BarStats, error) {
	query := `
		SELECT count(*), min(timestamp_ms), max(timestamp_ms)
		FROM bars_1m
		WHERE source_key = ? AND instrument_id = ?
	`

	var count, minTs, maxTs uint64
	err := s.conn.QueryRow(ctx, query, sourceKey, instrumentID).Scan(&count, &minTs, &maxTs)
	if err != nil {
		return nil, fmt.Errorf("query bar stats: %w", err)
	}
	if count == 0 {
		return &domain.BarStats{}, nil
	}
	return &domain.BarStats{
		Count: int64(count),
		MinTs: int64(minTs),
		MaxTs: int64(maxTs),
	}, nil
}

// GetRange retrieves bars within [fromMs, toMs] inclusive, ordered by
// timestamp ASC.
func (s *BarStore) GetRange(ctx context.Context, sourceKey, instrumentID string, fromMs, toMs int64) ([]*domain.Bar, error) {
	query := `
		SELECT source_key, instrument_id, symbol, timestamp_ms,
		       open, high, low, close, volume
		FROM bars_1m
		WHERE source_key = ? AND instrument_id = ?
		  AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, sourceKey, instrumentID, uint64(fromMs), uint64(toMs))
	if err != nil {
		return nil, fmt.Errorf("query bar range: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// existingTimestamps returns the timestamps already stored for a
// series within [minTs, maxTs].
func (s *BarStore) existingTimestamps(ctx context.Context, sourceKey, instrumentID string, minTs, maxTs int64) (map[int64]struct{}, error) {
	query := `
		SELECT timestamp_ms
		FROM bars_1m
		WHERE source_key = ? AND instrument_id = ?
		  AND timestamp_ms >= ? AND timestamp_ms <= ?
	`

	rows, err := s.conn.Query(ctx, query, sourceKey, instrumentID, uint64(minTs), uint64(maxTs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[int64]struct{})
	for rows.Next() {
		var ts uint64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		existing[int64(ts)] = struct{}{}
	}
	return existing, rows.Err()
}

// chRows abstracts driver.Rows for scanning.
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanBars(rows chRows) ([]*domain.Bar, error) {
	var bars []*domain.Bar

	for rows.Next() {
		var b domain.Bar
		var timestampMs uint64

		err := rows.Scan(
			&b.SourceKey, &b.InstrumentID, &b.Symbol, &timestampMs,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
		)
		if err != nil {
			return nil, fmt.Errorf("scan bar row: %w", err)
		}

		b.TimestampMs = int64(timestampMs)
		bars = append(bars, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bar rows: %w", err)
	}

	return bars, nil
}
