// Package syncer runs one full synchronization cycle for one broker
// connection: fetch, decode, normalize, upsert, rebuild derived trade
// idea groups.
package syncer

import (
	"strconv"
	"strings"
	"time"

	"broker-sync-lab/internal/domain"
)

// DecodeRow zips an ordered column-id list against a positional row.
// Length mismatches degrade gracefully: missing trailing fields become
// absent, surplus values are dropped. Never fails.
func DecodeRow(columns []string, row []any) map[string]any {
	obj := make(map[string]any, len(columns))
	for i, col := range columns {
		if i >= len(row) {
			break
		}
		obj[col] = row[i]
	}
	return obj
}

// rowObject turns one raw broker row into a keyed object. Positional
// rows decode against the schema; already keyed rows pass through.
func rowObject(raw any, columns []string) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case []any:
		return DecodeRow(columns, v)
	default:
		return nil
	}
}

// Field-name aliases accumulated across broker gateway versions.
var (
	orderIDAliases     = []string{"id", "orderId", "order_id"}
	executionIDAliases = []string{"id", "executionId", "execution_id", "fillId"}
	positionIDAliases  = []string{"positionId", "position_id", "posId", "id"}
	execPositionAliases = []string{"positionId", "position_id", "posId"}
	instrumentAliases  = []string{"tradableInstrumentId", "instrumentId", "instrument_id", "symbolId"}
	qtyAliases         = []string{"qty", "filledQty", "quantity", "amount"}
	priceAliases       = []string{"price", "avgPrice", "fillPrice", "executionPrice", "openPrice"}
	feesAliases        = []string{"fees", "fee", "commission"}
	orderTimeAliases   = []string{"createdDate", "createdDateTime", "placedAt", "date", "timestamp"}
	execTimeAliases    = []string{"executedAt", "executionDate", "filledDate", "date", "timestamp"}
	sideAliases        = []string{"side", "buySell", "action"}
	statusAliases      = []string{"status", "state"}
	orderTypeAliases   = []string{"type", "orderType"}
	pnlAliases         = []string{"realizedPnl", "realizedPnL", "pnl", "profit"}
)

// stringField returns the first present, non-empty alias as a string.
func stringField(obj map[string]any, aliases []string) string {
	for _, key := range aliases {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		case float64:
			// Broker ids arrive as numbers often enough to matter.
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

// numberField returns the first present alias coerced to a float64.
// Numeric-like strings are coerced; anything else reads as absent.
func numberField(obj map[string]any, aliases []string) (float64, bool) {
	for _, key := range aliases {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		if n, ok := parseNumberLike(v); ok {
			return n, true
		}
	}
	return 0, false
}

// parseNumberLike coerces numbers and numeric strings.
func parseNumberLike(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// timeField returns the first present alias as Unix ms. Accepts ms,
// seconds and RFC 3339 strings.
func timeField(obj map[string]any, aliases []string) int64 {
	for _, key := range aliases {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		if ts := coerceTimestampMs(v); ts != 0 {
			return ts
		}
	}
	return 0
}

func coerceTimestampMs(v any) int64 {
	if n, ok := parseNumberLike(v); ok && n > 0 {
		ms := int64(n)
		if ms < 1_000_000_000_000 {
			return ms * 1000
		}
		return ms
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(s)); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// sideField classifies a side only from the enumerated {buy, sell};
// anything else stays unclassified.
func sideField(obj map[string]any, aliases []string) domain.Side {
	raw := strings.ToLower(stringField(obj, aliases))
	switch raw {
	case "buy":
		return domain.SideBuy
	case "sell":
		return domain.SideSell
	default:
		return ""
	}
}
