package verify

// Budget tracks the resource caps verification must respect (spec §4.8.5
// "Verification aborts if any of: elapsed time >= max_time, cumulative
// user_impact >= max_impact_pct, consumed error budget >= max_error_budget_pct").
type Budget struct {
	MaxTimeSeconds         float64
	MaxUserImpactPct       float64
	MaxErrorBudgetPct      float64
	ElapsedSeconds         float64
	UserImpactPct          float64
	ErrorBudgetConsumedPct float64
}

// DefaultBudget mirrors VerificationBudget's constructor defaults
// (10 minutes, 5%, 2%).
var DefaultBudget = Budget{
	MaxTimeSeconds:    600,
	MaxUserImpactPct:  5.0,
	MaxErrorBudgetPct: 2.0,
}

// Exceeded reports whether any budget constraint has been crossed.
func (b Budget) Exceeded() bool {
	return b.ElapsedSeconds >= b.MaxTimeSeconds ||
		b.UserImpactPct >= b.MaxUserImpactPct ||
		b.ErrorBudgetConsumedPct >= b.MaxErrorBudgetPct
}
