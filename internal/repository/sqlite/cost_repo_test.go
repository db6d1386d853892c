package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rae-backend/internal/domain"
)

func TestCostRepository_RecordWithUsage(t *testing.T) {
	store := newTestStore(t)
	repo := NewCostRepository(store)
	ctx := context.Background()

	log := &domain.CostLog{
		TenantID:     "t1",
		ProjectID:    "p1",
		Model:        "claude-sonnet-4-20250514",
		Operation:    domain.OperationCompletion,
		InputTokens:  1000,
		OutputTokens: 500,
		TotalCostUSD: 0.0105,
	}
	require.NoError(t, repo.RecordWithUsage(ctx, log))
	require.NoError(t, repo.RecordWithUsage(ctx, log))

	b, err := repo.GetBudget(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 0.021, b.DailyUsageUSD, 1e-9)
	assert.InDelta(t, 0.021, b.MonthlyUsageUSD, 1e-9)
	assert.Equal(t, int64(3000), b.DailyTokensUsed)
	assert.Equal(t, int64(3000), b.MonthlyTokensUsed)
}

func TestCostRepository_ConcurrentUsage(t *testing.T) {
	store := newTestStore(t)
	repo := NewCostRepository(store)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.RecordWithUsage(ctx, &domain.CostLog{
				TenantID:     "t1",
				ProjectID:    "p1",
				Model:        "claude-sonnet-4-20250514",
				Operation:    domain.OperationCompletion,
				InputTokens:  100,
				OutputTokens: 100,
				TotalCostUSD: 0.001,
			})
		}()
	}
	wg.Wait()

	b, err := repo.GetBudget(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*200), b.DailyTokensUsed)
	assert.InDelta(t, float64(workers)*0.001, b.DailyUsageUSD, 1e-9)
}

func TestCostRepository_Budget(t *testing.T) {
	store := newTestStore(t)
	repo := NewCostRepository(store)
	ctx := context.Background()

	t.Run("Should synthesize an unlimited budget when none is configured", func(t *testing.T) {
		b, err := repo.GetBudget(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, 0.0, b.BudgetUSDMonthly)
		assert.Equal(t, 0.0, b.DailyLimitUSD())
	})

	t.Run("Should keep accumulated usage when limits change", func(t *testing.T) {
		require.NoError(t, repo.RecordWithUsage(ctx, &domain.CostLog{
			TenantID: "t1", ProjectID: "p1", Model: "m", Operation: domain.OperationCompletion,
			InputTokens: 10, OutputTokens: 5, TotalCostUSD: 0.5,
		}))
		require.NoError(t, repo.UpsertBudget(ctx, &domain.TenantBudget{
			TenantID: "t1", BudgetUSDMonthly: 30, BudgetTokensMonthly: 1000000,
		}))

		b, err := repo.GetBudget(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 30.0, b.BudgetUSDMonthly)
		assert.InDelta(t, 0.5, b.DailyUsageUSD, 1e-9)
		assert.InDelta(t, 1.0, b.DailyLimitUSD(), 1e-9)
	})

	t.Run("Should reset stale daily counters on read", func(t *testing.T) {
		yesterday := time.Now().UTC().Add(-26 * time.Hour)
		_, err := store.DB().Exec(
			`UPDATE tenant_budgets SET last_reset_at = ? WHERE tenant_id = 't1'`, yesterday)
		require.NoError(t, err)

		b, err := repo.GetBudget(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 0.0, b.DailyUsageUSD)
	})
}

func TestCostRepository_UsageSummary(t *testing.T) {
	store := newTestStore(t)
	repo := NewCostRepository(store)
	ctx := context.Background()

	add := func(op domain.CostOperation, model string, cost float64, tokens int64) {
		require.NoError(t, repo.Record(ctx, &domain.CostLog{
			TenantID: "t1", ProjectID: "p1", Model: model, Operation: op,
			InputTokens: tokens, OutputTokens: 0, TotalCostUSD: cost,
		}))
	}
	add(domain.OperationCompletion, "claude-sonnet-4-20250514", 0.02, 1000)
	add(domain.OperationCompletion, "claude-sonnet-4-20250514", 0.04, 2000)
	add(domain.OperationExtraction, "claude-sonnet-4-20250514", 0.01, 500)
	add(domain.OperationCacheHit, "claude-sonnet-4-20250514", 0, 0)
	add(domain.OperationCacheHit, "claude-sonnet-4-20250514", 0, 0)

	usage, err := repo.UsageSummary(ctx, "t1", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage.TotalCalls)
	assert.Equal(t, int64(3500), usage.TotalTokens)
	assert.InDelta(t, 0.07, usage.TotalCostUSD, 1e-9)
	assert.InDelta(t, 0.06, usage.CostByOperation["completion"], 1e-9)
	assert.InDelta(t, 0.01, usage.CostByOperation["extraction"], 1e-9)

	// Two hits, each worth the 0.03 average completion.
	assert.InDelta(t, 0.06, usage.CacheSavingsUSD, 1e-9)

	other, err := repo.UsageSummary(ctx, "t2", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.TotalCalls)
}

func TestCostRepository_DailyUsage(t *testing.T) {
	store := newTestStore(t)
	repo := NewCostRepository(store)
	ctx := context.Background()

	now := time.Now().UTC()
	yesterday := now.Add(-24 * time.Hour)
	add := func(ts time.Time, cost float64, tokens int64) {
		require.NoError(t, repo.Record(ctx, &domain.CostLog{
			TenantID: "t1", ProjectID: "p1",
			Model: "claude-sonnet-4-20250514", Operation: domain.OperationCompletion,
			InputTokens: tokens, TotalCostUSD: cost, Timestamp: ts,
		}))
	}
	add(yesterday, 0.01, 100)
	add(yesterday, 0.02, 200)
	add(now, 0.04, 400)

	days, err := repo.DailyUsage(ctx, "t1", yesterday.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, days, 2)

	assert.Equal(t, yesterday.Format("2006-01-02"), days[0].Day)
	assert.Equal(t, int64(2), days[0].Calls)
	assert.Equal(t, int64(300), days[0].Tokens)
	assert.InDelta(t, 0.03, days[0].CostUSD, 1e-9)

	assert.Equal(t, now.Format("2006-01-02"), days[1].Day)
	assert.Equal(t, int64(1), days[1].Calls)
	assert.InDelta(t, 0.04, days[1].CostUSD, 1e-9)
}

func TestQueryLogRepository(t *testing.T) {
	store := newTestStore(t)
	repo := NewQueryLogRepository(store)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		require.NoError(t, repo.Append(ctx, &domain.QueryRecord{
			TenantID:  "t1",
			ProjectID: "p1",
			Query:     "query",
			Embedding: []float32{float32(i), 1, 2},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	t.Run("Should return newest records first", func(t *testing.T) {
		got, err := repo.Recent(ctx, "t1", "p1", 5)
		require.NoError(t, err)
		require.Len(t, got, 5)
		assert.Equal(t, float32(24), got[0].Embedding[0])
		assert.Equal(t, float32(20), got[4].Embedding[0])
	})

	t.Run("Should prune to the newest N", func(t *testing.T) {
		require.NoError(t, repo.Prune(ctx, "t1", "p1", 20))
		got, err := repo.Recent(ctx, "t1", "p1", 100)
		require.NoError(t, err)
		require.Len(t, got, 20)
		assert.Equal(t, float32(24), got[0].Embedding[0])
		assert.Equal(t, float32(5), got[len(got)-1].Embedding[0])
	})

	t.Run("Should scope by tenant and project", func(t *testing.T) {
		got, err := repo.Recent(ctx, "t1", "p2", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
