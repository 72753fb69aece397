package syncer

import "context"

// SyntheticSymbolPrefix labels instruments whose lookup failed. The
// row still flows downstream; consumers see the opaque id instead of
// blocking the cycle.
const SyntheticSymbolPrefix = "TL:"

// symbolCache memoizes instrument -> symbol lookups for one sync
// cycle. Never persisted; a cold cache is always safe.
type symbolCache struct {
	api       BrokerAPI
	baseURL   string
	token     string
	accNum    string
	accountID string

	resolved map[string]string
	misses   int
}

func newSymbolCache(api BrokerAPI, baseURL, token, accNum, accountID string) *symbolCache {
	return &symbolCache{
		api:       api,
		baseURL:   baseURL,
		token:     token,
		accNum:    accNum,
		accountID: accountID,
		resolved:  make(map[string]string),
	}
}

// Resolve maps an opaque instrument id to a human symbol, falling back
// to a synthetic label when the lookup fails.
func (c *symbolCache) Resolve(ctx context.Context, instrumentID string) string {
	if instrumentID == "" {
		return ""
	}
	if symbol, ok := c.resolved[instrumentID]; ok {
		return symbol
	}

	symbol := SyntheticSymbolPrefix + instrumentID
	detail, err := c.api.InstrumentDetail(ctx, c.baseURL, c.token, c.accNum, c.accountID, instrumentID)
	if err == nil && detail != nil && detail.Symbol != "" {
		symbol = detail.Symbol
	} else {
		c.misses++
	}

	c.resolved[instrumentID] = symbol
	return symbol
}
