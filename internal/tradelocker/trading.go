package tradelocker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// RawRow is one undecoded broker row: either a positional []any zipped
// against a column schema, or an already keyed map[string]any. Both
// shapes occur in the wild.
type RawRow = any

// Config fetches the dynamic column schema for an account. Fetched
// fresh every sync cycle since brokers may reorder columns between
// sessions.
func (c *Client) Config(ctx context.Context, baseURL, accessToken, accNum string) (*ColumnSchema, error) {
	body, err := c.do(ctx, http.MethodGet, baseURL+"/trade/config", accessToken, accNum, nil)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	payload := unwrap(body)
	schema := &ColumnSchema{
		Orders:         columnIDs(payload.Get("ordersConfig")),
		OrdersHistory:  columnIDs(payload.Get("ordersHistoryConfig")),
		Positions:      columnIDs(payload.Get("positionsConfig")),
		FilledOrders:   columnIDs(payload.Get("filledOrdersConfig")),
		AccountDetails: columnIDs(payload.Get("accountDetailsConfig")),
	}
	if len(schema.Orders) == 0 && len(schema.Positions) == 0 {
		return nil, fmt.Errorf("config: no column panels in response: %s", bodyPreview(body))
	}
	return schema, nil
}

// columnIDs extracts the ordered column-id list from one config panel.
func columnIDs(panel gjson.Result) []string {
	var ids []string
	panel.Get("columns").ForEach(func(_, col gjson.Result) bool {
		if id := col.Get("id").String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// Orders fetches working orders for an account.
func (c *Client) Orders(ctx context.Context, baseURL, accessToken, accNum, accountID string) ([]RawRow, error) {
	return c.tableRows(ctx, baseURL, accessToken, accNum, accountID, "orders")
}

// OrdersHistory fetches historical orders for an account.
func (c *Client) OrdersHistory(ctx context.Context, baseURL, accessToken, accNum, accountID string) ([]RawRow, error) {
	return c.tableRows(ctx, baseURL, accessToken, accNum, accountID, "ordersHistory")
}

// Positions fetches open positions for an account.
func (c *Client) Positions(ctx context.Context, baseURL, accessToken, accNum, accountID string) ([]RawRow, error) {
	return c.tableRows(ctx, baseURL, accessToken, accNum, accountID, "positions")
}

// Executions fetches fills for an account.
func (c *Client) Executions(ctx context.Context, baseURL, accessToken, accNum, accountID string) ([]RawRow, error) {
	return c.tableRows(ctx, baseURL, accessToken, accNum, accountID, "executions")
}

// AccountState fetches the account-details snapshot. The broker
// reports it as a single positional row against the accountDetails
// column schema.
func (c *Client) AccountState(ctx context.Context, baseURL, accessToken, accNum, accountID string) (RawRow, error) {
	body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/trade/accounts/%s/state", baseURL, accountID), accessToken, accNum, nil)
	if err != nil {
		return nil, fmt.Errorf("account state: %w", err)
	}

	payload := unwrap(body)
	if details := payload.Get("accountDetailsData"); details.Exists() {
		return details.Value(), nil
	}
	return payload.Value(), nil
}

// tableRows fetches one trading table and returns its undecoded rows,
// tolerating both the {table: [...]} wrapper and a raw array.
func (c *Client) tableRows(ctx context.Context, baseURL, accessToken, accNum, accountID, table string) ([]RawRow, error) {
	body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/trade/accounts/%s/%s", baseURL, accountID, table), accessToken, accNum, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", table, err)
	}

	payload := unwrap(body)
	list := payload.Get(table)
	if !list.Exists() {
		list = payload
	}
	if !list.IsArray() {
		return nil, nil
	}

	var rows []RawRow
	list.ForEach(func(_, row gjson.Result) bool {
		rows = append(rows, row.Value())
		return true
	})
	return rows, nil
}

// parseTimestampMs reads a broker timestamp that may be Unix ms, Unix
// seconds or an RFC 3339 string.
func parseTimestampMs(v gjson.Result) int64 {
	if v.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			return t.UnixMilli()
		}
	}
	n := v.Int()
	if n == 0 {
		return 0
	}
	// Values before ~2001 in ms are almost certainly seconds.
	if n < 1_000_000_000_000 {
		return n * 1000
	}
	return n
}
