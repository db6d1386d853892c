// Package governance serves tenant-facing usage and budget documents. All
// figures derive from cost logs and live budget counters; nothing here is
// precomputed or cached.
package governance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/cost"
)

const (
	defaultWindowDays = 30
	maxWindowDays     = 365
)

// Service reads cost logs and budgets into governance documents.
type Service struct {
	costs   repository.CostRepository
	pricing *cost.Service
	logger  *zap.Logger
}

// NewService wires the governance service.
func NewService(costs repository.CostRepository, pricing *cost.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{costs: costs, pricing: pricing, logger: logger}
}

// UsageReport is the usage document for one tenant over a trailing window.
type UsageReport struct {
	TenantID        string                `json:"tenant_id"`
	WindowDays      int                   `json:"window_days"`
	TotalCostUSD    float64               `json:"total_cost_usd"`
	TotalCalls      int64                 `json:"total_calls"`
	TotalTokens     int64                 `json:"total_tokens"`
	CostByOperation map[string]float64    `json:"cost_by_operation"`
	CostByModel     map[string]float64    `json:"cost_by_model"`
	CacheSavingsUSD float64               `json:"cache_savings_usd"`
	Daily           []repository.DayUsage `json:"daily"`
	Budget          *BudgetReport         `json:"budget"`
}

// BudgetReport is the budget document with derived headroom. Remaining
// fields are nil when the corresponding limit is unlimited.
type BudgetReport struct {
	TenantID               string    `json:"tenant_id"`
	BudgetUSDMonthly       float64   `json:"budget_usd_monthly"`
	BudgetTokensMonthly    int64     `json:"budget_tokens_monthly"`
	DailyUsageUSD          float64   `json:"daily_usage_usd"`
	MonthlyUsageUSD        float64   `json:"monthly_usage_usd"`
	DailyTokensUsed        int64     `json:"daily_tokens_used"`
	MonthlyTokensUsed      int64     `json:"monthly_tokens_used"`
	RemainingUSDMonthly    *float64  `json:"remaining_usd_monthly,omitempty"`
	RemainingTokensMonthly *int64    `json:"remaining_tokens_monthly,omitempty"`
	CacheSavingsUSD        float64   `json:"cache_savings_usd"`
	LastResetAt            time.Time `json:"last_reset_at"`
}

// TenantUsage aggregates the tenant's cost logs over the trailing window
// (default 30 days) and attaches the live budget document.
func (s *Service) TenantUsage(ctx context.Context, tenantID string, windowDays int) (*UsageReport, error) {
	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}
	if windowDays > maxWindowDays {
		windowDays = maxWindowDays
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)

	usage, err := s.costs.UsageSummary(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	daily, err := s.costs.DailyUsage(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	budget, err := s.Budget(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	return &UsageReport{
		TenantID:        tenantID,
		WindowDays:      windowDays,
		TotalCostUSD:    usage.TotalCostUSD,
		TotalCalls:      usage.TotalCalls,
		TotalTokens:     usage.TotalTokens,
		CostByOperation: usage.CostByOperation,
		CostByModel:     usage.CostByModel,
		CacheSavingsUSD: usage.CacheSavingsUSD,
		Daily:           daily,
		Budget:          budget,
	}, nil
}

// Budget returns the tenant's budget with derived monthly headroom and the
// cache savings estimate over the default window.
func (s *Service) Budget(ctx context.Context, tenantID string) (*BudgetReport, error) {
	b, err := s.pricing.GetBudget(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	since := time.Now().UTC().AddDate(0, 0, -defaultWindowDays)
	usage, err := s.costs.UsageSummary(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}

	report := &BudgetReport{
		TenantID:            b.TenantID,
		BudgetUSDMonthly:    b.BudgetUSDMonthly,
		BudgetTokensMonthly: b.BudgetTokensMonthly,
		DailyUsageUSD:       b.DailyUsageUSD,
		MonthlyUsageUSD:     b.MonthlyUsageUSD,
		DailyTokensUsed:     b.DailyTokensUsed,
		MonthlyTokensUsed:   b.MonthlyTokensUsed,
		CacheSavingsUSD:     usage.CacheSavingsUSD,
		LastResetAt:         b.LastResetAt,
	}
	if b.BudgetUSDMonthly > 0 {
		remaining := b.BudgetUSDMonthly - b.MonthlyUsageUSD
		if remaining < 0 {
			remaining = 0
		}
		report.RemainingUSDMonthly = &remaining
	}
	if b.BudgetTokensMonthly > 0 {
		remaining := b.BudgetTokensMonthly - b.MonthlyTokensUsed
		if remaining < 0 {
			remaining = 0
		}
		report.RemainingTokensMonthly = &remaining
	}
	return report, nil
}

// SetBudget replaces the tenant's limits. Zero means unlimited; accumulated
// usage counters survive a limit change.
func (s *Service) SetBudget(ctx context.Context, tenantID string, budgetUSD float64, budgetTokens int64) (*BudgetReport, error) {
	if budgetUSD < 0 || budgetTokens < 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"budget limits must not be negative").Build()
	}
	err := s.costs.UpsertBudget(ctx, &domain.TenantBudget{
		TenantID:            tenantID,
		BudgetUSDMonthly:    budgetUSD,
		BudgetTokensMonthly: budgetTokens,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("tenant budget updated",
		zap.String("tenant_id", tenantID),
		zap.Float64("budget_usd_monthly", budgetUSD),
		zap.Int64("budget_tokens_monthly", budgetTokens))
	return s.Budget(ctx, tenantID)
}
