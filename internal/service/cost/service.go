// Package cost prices provider calls and enforces tenant budgets. The
// precheck runs against an estimate of the upcoming call so a tenant whose
// headroom cannot cover it is refused before any provider traffic.
package cost

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rae-backend/internal/config"
	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
)

// Service wraps the cost repository with budget policy and pricing.
type Service struct {
	costs  repository.CostRepository
	cfg    config.Budget
	logger *zap.Logger
}

// NewService wires the cost service.
func NewService(costs repository.CostRepository, cfg config.Budget, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{costs: costs, cfg: cfg, logger: logger}
}

// Estimate is the projected spend of a call that has not happened yet.
type Estimate struct {
	USD    float64
	Tokens int64
}

// EstimateCompletion projects the cost of a completion from the prompt
// length and the output ceiling. Deliberately pessimistic: refusing a call
// that would have squeaked under the limit beats letting one through that
// busts it.
func EstimateCompletion(model string, promptTokens, maxOutputTokens int64) Estimate {
	return Estimate{
		USD:    CostUSD(model, promptTokens, maxOutputTokens),
		Tokens: promptTokens + maxOutputTokens,
	}
}

// CheckBudget refuses when the tenant's counters plus the estimate would
// cross a limit. Zero-valued limits mean unlimited. The daily USD cap is the
// monthly budget spread over 30 days.
func (s *Service) CheckBudget(ctx context.Context, tenantID string, est Estimate) error {
	b, err := s.costs.GetBudget(ctx, tenantID)
	if err != nil {
		return err
	}
	s.applyDefaults(b)

	if limit := b.BudgetUSDMonthly; limit > 0 && b.MonthlyUsageUSD+est.USD > limit {
		return apperrors.BudgetExceeded(apperrors.CodeMonthlyBudgetExceeded,
			"monthly budget exceeded").
			WithDetails(fmt.Sprintf("monthly usage %.6f USD + estimated %.6f USD exceeds limit %.6f USD",
				b.MonthlyUsageUSD, est.USD, limit)).
			Build()
	}
	if limit := b.DailyLimitUSD(); limit > 0 && b.DailyUsageUSD+est.USD > limit {
		return apperrors.BudgetExceeded(apperrors.CodeDailyBudgetExceeded,
			"daily budget exceeded").
			WithDetails(fmt.Sprintf("daily usage %.6f USD + estimated %.6f USD exceeds limit %.6f USD",
				b.DailyUsageUSD, est.USD, limit)).
			Build()
	}
	if limit := b.BudgetTokensMonthly; limit > 0 && b.MonthlyTokensUsed+est.Tokens > limit {
		return apperrors.BudgetExceeded(apperrors.CodeMonthlyBudgetExceeded,
			"monthly token budget exceeded").
			WithDetails(fmt.Sprintf("monthly tokens %d + estimated %d exceeds limit %d",
				b.MonthlyTokensUsed, est.Tokens, limit)).
			Build()
	}
	return nil
}

// AddUsage prices the log when the caller left cost at zero, then writes the
// row and bumps the tenant's budget counters in one transaction.
func (s *Service) AddUsage(ctx context.Context, log *domain.CostLog) error {
	if log.TotalCostUSD == 0 && log.Operation != domain.OperationCacheHit {
		log.TotalCostUSD = CostUSD(log.Model, log.InputTokens, log.OutputTokens)
	}
	return s.costs.RecordWithUsage(ctx, log)
}

// RecordFree appends a zero-cost accounting row (cache hits, local
// embeddings) without touching budget counters. Failures are logged and
// swallowed: accounting noise must not fail a served request.
func (s *Service) RecordFree(ctx context.Context, tenantID, projectID, model string, op domain.CostOperation) {
	err := s.costs.Record(ctx, &domain.CostLog{
		TenantID:  tenantID,
		ProjectID: projectID,
		Model:     model,
		Operation: op,
	})
	if err != nil {
		s.logger.Warn("cost log append failed",
			zap.String("tenant_id", tenantID),
			zap.String("operation", string(op)),
			zap.Error(err))
	}
}

// GetBudget returns the tenant's budget with config defaults applied for
// tenants that never had one configured.
func (s *Service) GetBudget(ctx context.Context, tenantID string) (*domain.TenantBudget, error) {
	b, err := s.costs.GetBudget(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.applyDefaults(b)
	return b, nil
}

// applyDefaults fills unset limits from service config. A stored zero stays
// zero only when the deployment default is also unlimited.
func (s *Service) applyDefaults(b *domain.TenantBudget) {
	if b.BudgetUSDMonthly == 0 && s.cfg.DefaultMonthlyUSD > 0 {
		b.BudgetUSDMonthly = s.cfg.DefaultMonthlyUSD
	}
	if b.BudgetTokensMonthly == 0 && s.cfg.DefaultMonthlyTokens > 0 {
		b.BudgetTokensMonthly = s.cfg.DefaultMonthlyTokens
	}
}
