package tradelocker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// InstrumentDetail resolves instrument metadata for one opaque
// instrument id. Gateway versions disagree on the path, so a small set
// of known shapes is tried in order; the first success wins.
func (c *Client) InstrumentDetail(ctx context.Context, baseURL, accessToken, accNum, accountID, instrumentID string) (*InstrumentDetail, error) {
	paths := []string{
		fmt.Sprintf("%s/trade/instruments/%s", baseURL, instrumentID),
		fmt.Sprintf("%s/trade/accounts/%s/instruments/%s", baseURL, accountID, instrumentID),
	}

	var lastErr error
	for _, path := range paths {
		body, err := c.do(ctx, http.MethodGet, path, accessToken, accNum, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if detail := parseInstrumentDetail(unwrap(body), instrumentID); detail != nil {
			return detail, nil
		}
		lastErr = fmt.Errorf("instrument detail: unrecognized response shape: %s", bodyPreview(body))
	}
	return nil, fmt.Errorf("instrument detail %s: %w", instrumentID, lastErr)
}

// ResolveInfoRouteID finds the INFO route id for an instrument by
// scanning the account instrument list.
func (c *Client) ResolveInfoRouteID(ctx context.Context, baseURL, accessToken, accNum, accountID, instrumentID string) (string, error) {
	body, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/trade/accounts/%s/instruments", baseURL, accountID), accessToken, accNum, nil)
	if err != nil {
		return "", fmt.Errorf("resolve info route: %w", err)
	}

	payload := unwrap(body)
	list := payload.Get("instruments")
	if !list.Exists() {
		list = payload
	}

	var routeID string
	list.ForEach(func(_, item gjson.Result) bool {
		if item.Get("tradableInstrumentId").String() != instrumentID {
			return true
		}
		item.Get("routes").ForEach(func(_, route gjson.Result) bool {
			if route.Get("type").String() == "INFO" {
				routeID = route.Get("id").String()
				return false
			}
			return true
		})
		return routeID == ""
	})

	if routeID == "" {
		return "", fmt.Errorf("resolve info route: instrument %s has no INFO route", instrumentID)
	}
	return routeID, nil
}

// History fetches OHLCV bars for an instrument over [fromMs, toMs].
// Resolution strings vary per gateway; callers try aliases in order.
func (c *Client) History(ctx context.Context, baseURL, accessToken, accNum, routeID, instrumentID, resolution string, fromMs, toMs int64) ([]HistoryBar, error) {
	q := url.Values{}
	q.Set("tradableInstrumentId", instrumentID)
	q.Set("routeId", routeID)
	q.Set("resolution", resolution)
	q.Set("from", strconv.FormatInt(fromMs, 10))
	q.Set("to", strconv.FormatInt(toMs, 10))

	body, err := c.do(ctx, http.MethodGet,
		baseURL+"/trade/history?"+q.Encode(), accessToken, accNum, nil)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	payload := unwrap(body)
	list := payload.Get("barDetails")
	if !list.Exists() {
		list = payload
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("history: unrecognized response shape: %s", bodyPreview(body))
	}

	var bars []HistoryBar
	list.ForEach(func(_, item gjson.Result) bool {
		bars = append(bars, HistoryBar{
			T: parseTimestampMs(item.Get("t")),
			O: item.Get("o").Float(),
			H: item.Get("h").Float(),
			L: item.Get("l").Float(),
			C: item.Get("c").Float(),
			V: item.Get("v").Float(),
		})
		return true
	})
	return bars, nil
}

// parseInstrumentDetail extracts the fields we need from any of the
// known instrument detail shapes. Returns nil if no symbol-ish field
// is present.
func parseInstrumentDetail(payload gjson.Result, instrumentID string) *InstrumentDetail {
	symbol := ""
	for _, path := range []string{"symbol", "name", "instrument.symbol", "instrument.name"} {
		if v := payload.Get(path); v.Exists() && v.String() != "" {
			symbol = v.String()
			break
		}
	}
	if symbol == "" {
		return nil
	}

	detail := &InstrumentDetail{
		TradableInstrumentID: instrumentID,
		Symbol:               symbol,
		Name:                 payload.Get("name").String(),
	}
	payload.Get("routes").ForEach(func(_, route gjson.Result) bool {
		if route.Get("type").String() == "INFO" {
			detail.InfoRouteID = route.Get("id").String()
			return false
		}
		return true
	})
	return detail
}
