// Package cost defines domain types for usage and budget accounting.
package cost

// Usage holds token counts and the derived monetary cost of one or more
// agent invocations.
type Usage struct {
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		TokensIn:  u.TokensIn + other.TokensIn,
		TokensOut: u.TokensOut + other.TokensOut,
		CostUSD:   u.CostUSD + other.CostUSD,
	}
}

// IsZero reports whether the usage carries no tokens and no cost.
func (u Usage) IsZero() bool {
	return u.TokensIn == 0 && u.TokensOut == 0 && u.CostUSD == 0
}

// Budget is the configured usage ceiling for one owner.
type Budget struct {
	OwnerID          string  `json:"owner_id"`
	DailyLimitUSD    float64 `json:"daily_limit_usd"`
	MonthlyLimitUSD  float64 `json:"monthly_limit_usd"`
	SoftThresholdPct float64 `json:"soft_threshold_pct"` // e.g. 80 means alert at 80%
}

// OwnerUsage holds an owner's rolling spend, keyed by the day and month the
// totals belong to so stale windows can be rolled over.
type OwnerUsage struct {
	OwnerID    string  `json:"owner_id"`
	Day        string  `json:"day"`   // YYYY-MM-DD
	Month      string  `json:"month"` // YYYY-MM
	DailyUSD   float64 `json:"daily_usd"`
	MonthlyUSD float64 `json:"monthly_usd"`
}

// LedgerResult is the outcome of one atomic check-and-increment.
type LedgerResult struct {
	Accepted     bool    `json:"accepted"`
	RemainingUSD float64 `json:"remaining_usd"`
	SoftAlert    bool    `json:"soft_alert"`
}
