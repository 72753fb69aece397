package domain

import "time"

// Subscription tiers. Each maps to a minimum polling interval; the
// scheduler owns the mapping so deployments can override it.
const (
	TierFree     = "free"
	TierStandard = "standard"
	TierPro      = "pro"
)

// DefaultTierIntervals are the stock tier polling intervals.
var DefaultTierIntervals = map[string]time.Duration{
	TierFree:     10 * time.Minute,
	TierStandard: 3 * time.Minute,
	TierPro:      1 * time.Minute,
}
