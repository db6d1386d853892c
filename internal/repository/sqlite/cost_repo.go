package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"rae-backend/internal/domain"
	"rae-backend/internal/repository"
)

// CostRepository implements repository.CostRepository on SQLite. Budget
// counter mutations are serialized per tenant so concurrent task executions
// never lose an update; unrelated tenants proceed in parallel.
type CostRepository struct {
	store *Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCostRepository builds the repository over an open store.
func NewCostRepository(store *Store) *CostRepository {
	return &CostRepository{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

var _ repository.CostRepository = (*CostRepository)(nil)

func (r *CostRepository) tenantLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[tenantID] = l
	}
	return l
}

func (r *CostRepository) Record(ctx context.Context, log *domain.CostLog) error {
	ts := log.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.store.q(ctx).ExecContext(ctx, `
		INSERT INTO cost_logs (tenant_id, project_id, model, operation, input_tokens, output_tokens, total_cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.TenantID, log.ProjectID, log.Model, string(log.Operation),
		log.InputTokens, log.OutputTokens, log.TotalCostUSD, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert cost log: %w", err)
	}
	return nil
}

func (r *CostRepository) RecordWithUsage(ctx context.Context, log *domain.CostLog) error {
	lock := r.tenantLock(log.TenantID)
	lock.Lock()
	defer lock.Unlock()

	return r.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := r.Record(ctx, log); err != nil {
			return err
		}
		b, err := r.getBudgetLocked(ctx, log.TenantID)
		if err != nil {
			return err
		}
		b.ResetIfStale(time.Now())
		b.DailyUsageUSD += log.TotalCostUSD
		b.MonthlyUsageUSD += log.TotalCostUSD
		tokens := log.InputTokens + log.OutputTokens
		b.DailyTokensUsed += tokens
		b.MonthlyTokensUsed += tokens
		return r.writeBudget(ctx, b)
	})
}

func (r *CostRepository) GetBudget(ctx context.Context, tenantID string) (*domain.TenantBudget, error) {
	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	b, err := r.getBudgetLocked(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if b.ResetIfStale(time.Now()) {
		if err := r.writeBudget(ctx, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// getBudgetLocked loads the budget row, synthesizing an unlimited zero
// budget when the tenant has none configured yet.
func (r *CostRepository) getBudgetLocked(ctx context.Context, tenantID string) (*domain.TenantBudget, error) {
	var b domain.TenantBudget
	err := r.store.q(ctx).QueryRowContext(ctx, `
		SELECT tenant_id, budget_usd_monthly, budget_tokens_monthly,
		       daily_usage_usd, monthly_usage_usd, daily_tokens_used, monthly_tokens_used,
		       last_reset_at
		FROM tenant_budgets WHERE tenant_id = ?`,
		tenantID,
	).Scan(
		&b.TenantID, &b.BudgetUSDMonthly, &b.BudgetTokensMonthly,
		&b.DailyUsageUSD, &b.MonthlyUsageUSD, &b.DailyTokensUsed, &b.MonthlyTokensUsed,
		&b.LastResetAt,
	)
	if err == sql.ErrNoRows {
		return &domain.TenantBudget{TenantID: tenantID, LastResetAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return &b, nil
}

func (r *CostRepository) writeBudget(ctx context.Context, b *domain.TenantBudget) error {
	_, err := r.store.q(ctx).ExecContext(ctx, `
		INSERT INTO tenant_budgets (tenant_id, budget_usd_monthly, budget_tokens_monthly,
			daily_usage_usd, monthly_usage_usd, daily_tokens_used, monthly_tokens_used, last_reset_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			budget_usd_monthly = excluded.budget_usd_monthly,
			budget_tokens_monthly = excluded.budget_tokens_monthly,
			daily_usage_usd = excluded.daily_usage_usd,
			monthly_usage_usd = excluded.monthly_usage_usd,
			daily_tokens_used = excluded.daily_tokens_used,
			monthly_tokens_used = excluded.monthly_tokens_used,
			last_reset_at = excluded.last_reset_at`,
		b.TenantID, b.BudgetUSDMonthly, b.BudgetTokensMonthly,
		b.DailyUsageUSD, b.MonthlyUsageUSD, b.DailyTokensUsed, b.MonthlyTokensUsed,
		b.LastResetAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write budget: %w", err)
	}
	return nil
}

func (r *CostRepository) UpsertBudget(ctx context.Context, b *domain.TenantBudget) error {
	lock := r.tenantLock(b.TenantID)
	lock.Lock()
	defer lock.Unlock()

	return r.store.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := r.getBudgetLocked(ctx, b.TenantID)
		if err != nil {
			return err
		}
		// Limits replace; accumulated usage survives a limit change.
		existing.BudgetUSDMonthly = b.BudgetUSDMonthly
		existing.BudgetTokensMonthly = b.BudgetTokensMonthly
		return r.writeBudget(ctx, existing)
	})
}

// DailyUsage groups on the ISO date prefix of created_at; every write path
// stores UTC, so the prefix is the UTC day.
func (r *CostRepository) DailyUsage(ctx context.Context, tenantID string, since time.Time) ([]repository.DayUsage, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day, COUNT(*), SUM(input_tokens + output_tokens), SUM(total_cost_usd)
		FROM cost_logs
		WHERE tenant_id = ? AND created_at >= ?
		GROUP BY day
		ORDER BY day`,
		tenantID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	defer rows.Close()

	var days []repository.DayUsage
	for rows.Next() {
		var (
			d      repository.DayUsage
			tokens sql.NullInt64
			cost   sql.NullFloat64
		)
		if err := rows.Scan(&d.Day, &d.Calls, &tokens, &cost); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		d.Tokens = tokens.Int64
		d.CostUSD = cost.Float64
		days = append(days, d)
	}
	return days, rows.Err()
}

func (r *CostRepository) UsageSummary(ctx context.Context, tenantID string, since time.Time) (*domain.TenantUsage, error) {
	usage := &domain.TenantUsage{
		TenantID:        tenantID,
		CostByOperation: map[string]float64{},
		CostByModel:     map[string]float64{},
	}

	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT model, operation, COUNT(*), SUM(input_tokens + output_tokens), SUM(total_cost_usd)
		FROM cost_logs
		WHERE tenant_id = ? AND created_at >= ?
		GROUP BY model, operation`,
		tenantID, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	var (
		cacheHits      int64
		completionUSD  float64
		completionRows int64
	)
	for rows.Next() {
		var (
			model, op string
			calls     int64
			tokens    sql.NullInt64
			cost      sql.NullFloat64
		)
		if err := rows.Scan(&model, &op, &calls, &tokens, &cost); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		usage.TotalCalls += calls
		usage.TotalTokens += tokens.Int64
		usage.TotalCostUSD += cost.Float64
		usage.CostByOperation[op] += cost.Float64
		usage.CostByModel[model] += cost.Float64

		switch domain.CostOperation(op) {
		case domain.OperationCacheHit:
			cacheHits += calls
		case domain.OperationCompletion:
			completionUSD += cost.Float64
			completionRows += calls
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Savings estimate: every cache hit avoided one average-priced
	// completion over the same window.
	if cacheHits > 0 && completionRows > 0 {
		usage.CacheSavingsUSD = float64(cacheHits) * (completionUSD / float64(completionRows))
	}
	return usage, nil
}
