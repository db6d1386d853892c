package domain

import "time"

// CostOperation labels what a cost log entry paid for.
type CostOperation string

const (
	OperationCompletion CostOperation = "completion"
	OperationEmbedding  CostOperation = "embedding"
	OperationRerank     CostOperation = "rerank"
	OperationExtraction CostOperation = "extraction"
	OperationReflection CostOperation = "reflection"
	OperationCacheHit   CostOperation = "cache_hit"
)

// CostLog is one accounting row. A row is written for every provider call,
// including zero-cost cache hits.
type CostLog struct {
	ID           int64
	TenantID     string
	ProjectID    string
	Model        string
	Operation    CostOperation
	InputTokens  int64
	OutputTokens int64
	TotalCostUSD float64
	Timestamp    time.Time
}

// TokenUsage accumulates token counts across calls.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add merges another usage into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns combined input and output tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// TenantBudget tracks spending limits and rolling usage counters for one
// tenant. Counters reset lazily on UTC day and month boundaries.
type TenantBudget struct {
	TenantID            string
	BudgetUSDMonthly    float64
	BudgetTokensMonthly int64
	DailyUsageUSD       float64
	MonthlyUsageUSD     float64
	DailyTokensUsed     int64
	MonthlyTokensUsed   int64
	LastResetAt         time.Time
}

// DailyLimitUSD derives the daily cap from the monthly budget. A zero
// monthly budget means unlimited.
func (b *TenantBudget) DailyLimitUSD() float64 {
	if b.BudgetUSDMonthly <= 0 {
		return 0
	}
	return b.BudgetUSDMonthly / 30
}

// ResetIfStale zeroes the daily counters when the UTC day has rolled over
// since LastResetAt, and the monthly counters when the month has. Returns
// true when anything was reset.
func (b *TenantBudget) ResetIfStale(now time.Time) bool {
	now = now.UTC()
	last := b.LastResetAt.UTC()
	reset := false

	if now.Year() != last.Year() || now.Month() != last.Month() {
		b.MonthlyUsageUSD = 0
		b.MonthlyTokensUsed = 0
		b.DailyUsageUSD = 0
		b.DailyTokensUsed = 0
		b.LastResetAt = now
		return true
	}
	if now.YearDay() != last.YearDay() {
		b.DailyUsageUSD = 0
		b.DailyTokensUsed = 0
		b.LastResetAt = now
		reset = true
	}
	return reset
}

// TenantUsage is the governance aggregate derived from cost logs and live
// budget counters.
type TenantUsage struct {
	TenantID        string             `json:"tenant_id"`
	TotalCostUSD    float64            `json:"total_cost_usd"`
	TotalCalls      int64              `json:"total_calls"`
	TotalTokens     int64              `json:"total_tokens"`
	CostByOperation map[string]float64 `json:"cost_by_operation"`
	CostByModel     map[string]float64 `json:"cost_by_model"`
	CacheSavingsUSD float64            `json:"cache_savings_usd"`
}
