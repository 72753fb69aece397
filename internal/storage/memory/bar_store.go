package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
)

// BarStore is an in-memory implementation of storage.BarStore.
type BarStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Bar // keyed by (source_key, instrument_id, timestamp_ms)
}

// NewBarStore creates a new in-memory bar store.
func NewBarStore() *BarStore {
	return &BarStore{
		data: make(map[string]*domain.Bar),
	}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

// barKey generates a unique key for one candle.
func barKey(sourceKey, instrumentID string, timestampMs int64) string {
	return fmt.Sprintf("%s|%s|%d", sourceKey, instrumentID, timestampMs)
}

// InsertBars appends bars, silently skipping existing timestamps, and
// returns how many rows were actually inserted.
func (s *BarStore) InsertBars(_ context.Context, bars []*domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, b := range bars {
		if b == nil || b.SourceKey == "" || b.InstrumentID == "" {
			return inserted, storage.ErrInvalidInput
		}
		key := barKey(b.SourceKey, b.InstrumentID, b.TimestampMs)
		if _, exists := s.data[key]; exists {
			continue
		}
		barCopy := *b
		s.data[key] = &barCopy
		inserted++
	}
	return inserted, nil
}

// Stats returns count/min/max timestamp for one series.
func (s *BarStore) Stats(_ context.Context, sourceKey, instrumentID string) (*domain.BarStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.BarStats{}
	for _, b := range s.data {
		if b.SourceKey != sourceKey || b.InstrumentID != instrumentID {
			continue
		}
		if stats.Count == 0 {
			stats.MinTs = b.TimestampMs
			stats.MaxTs = b.TimestampMs
		} else {
			if b.TimestampMs < stats.MinTs {
				stats.MinTs = b.TimestampMs
			}
			if b.TimestampMs > stats.MaxTs {
				stats.MaxTs = b.TimestampMs
			}
		}
		stats.Count++
	}
	return stats, nil
}

// GetRange retrieves bars within [fromMs, toMs] inclusive, ordered by
// timestamp ASC.
func (s *BarStore) GetRange(_ context.Context, sourceKey, instrumentID string, fromMs, toMs int64) ([]*domain.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Bar
	for _, b := range s.data {
		if b.SourceKey == sourceKey && b.InstrumentID == instrumentID &&
			b.TimestampMs >= fromMs && b.TimestampMs <= toMs {
			barCopy := *b
			result = append(result, &barCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})
	return result, nil
}
