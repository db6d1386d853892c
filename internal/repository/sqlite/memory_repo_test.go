package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
)

func TestMemoryRepository_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	repo := NewMemoryRepository(store)
	ctx := context.Background()

	t.Run("Should round-trip every field", func(t *testing.T) {
		m, err := domain.NewMemory("t1", "p1", domain.LayerSemantic,
			"postgres connection pooling notes", "chat", []string{"db", "ops"}, 0.8)
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, m))

		got, err := repo.Get(ctx, "t1", m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, domain.LayerSemantic, got.Layer)
		assert.Equal(t, "postgres connection pooling notes", got.Content)
		assert.Equal(t, []string{"db", "ops"}, got.Tags)
		assert.InDelta(t, 0.8, got.Importance, 1e-9)
		assert.Equal(t, domain.StatusRaw, got.ConsolidationStatus)
		assert.Nil(t, got.UserImportanceOverride)
		assert.Nil(t, got.ArchivedAt)
		assert.WithinDuration(t, m.CreatedAt, got.CreatedAt, time.Second)
	})

	t.Run("Should not return another tenant's memory", func(t *testing.T) {
		m := mustMemory(t, "t1", "p1", "tenant one secret")
		require.NoError(t, repo.Create(ctx, m))

		_, err := repo.Get(ctx, "t2", m.ID)
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestMemoryRepository_Delete(t *testing.T) {
	store := newTestStore(t)
	repo := NewMemoryRepository(store)
	ctx := context.Background()

	m := mustMemory(t, "t1", "p1", "ephemeral")
	require.NoError(t, repo.Create(ctx, m))

	deleted, err := repo.Delete(ctx, "t1", m.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	// Second delete of the same ID is a no-op, not an error.
	deleted, err = repo.Delete(ctx, "t1", m.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryRepository_RecordAccess(t *testing.T) {
	store := newTestStore(t)
	repo := NewMemoryRepository(store)
	ctx := context.Background()

	a := mustMemory(t, "t1", "p1", "first")
	b := mustMemory(t, "t1", "p1", "second")
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	require.NoError(t, repo.RecordAccess(ctx, "t1", []string{a.ID, b.ID}))
	require.NoError(t, repo.RecordAccess(ctx, "t1", []string{a.ID}))

	gotA, err := repo.Get(ctx, "t1", a.ID)
	require.NoError(t, err)
	gotB, err := repo.Get(ctx, "t1", b.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(2), gotA.UsageCount)
	assert.Equal(t, int64(1), gotB.UsageCount)
	assert.False(t, gotA.LastAccessedAt.Before(gotA.CreatedAt))
}

func TestMemoryRepository_UpdateImportance(t *testing.T) {
	store := newTestStore(t)
	repo := NewMemoryRepository(store)
	ctx := context.Background()

	m := mustMemory(t, "t1", "p1", "important thing")
	require.NoError(t, repo.Create(ctx, m))

	t.Run("Should clamp out-of-range values and audit the change", func(t *testing.T) {
		require.NoError(t, repo.UpdateImportance(ctx, "t1", m.ID, 1.7, "decay sweep"))

		got, err := repo.Get(ctx, "t1", m.ID)
		require.NoError(t, err)
		assert.Equal(t, 1.0, got.Importance)

		var count int
		err = store.DB().QueryRow(
			`SELECT COUNT(*) FROM importance_audit WHERE tenant_id = 't1' AND memory_id = ?`, m.ID,
		).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("Should fail for an unknown memory", func(t *testing.T) {
		err := repo.UpdateImportance(ctx, "t1", "missing", 0.5, "noop")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestMemoryRepository_UserOverride(t *testing.T) {
	store := newTestStore(t)
	repo := NewMemoryRepository(store)
	ctx := context.Background()

	m := mustMemory(t, "t1", "p1", "pinned")
	require.NoError(t, repo.Create(ctx, m))

	v := 0.95
	require.NoError(t, repo.SetUserOverride(ctx, "t1", m.ID, &v))
	got, err := repo.Get(ctx, "t1", m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UserImportanceOverride)
	assert.InDelta(t, 0.95, *got.UserImportanceOverride, 1e-9)

	require.NoError(t, repo.SetUserOverride(ctx, "t1", m.ID, nil))
	got, err = repo.Get(ctx, "t1", m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UserImportanceOverride)

	var audits int
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM importance_audit WHERE tenant_id = 't1' AND memory_id = ?`, m.ID,
	).Scan(&audits))
	assert.Equal(t, 2, audits)
}

func TestMemoryRepository_List(t *testing.T) {
	store := newTestStore(t)
	repo := NewMemoryRepository(store)
	ctx := context.Background()

	mk := func(layer domain.Layer, content string, tags []string, importance float64) *domain.Memory {
		m, err := domain.NewMemory("t1", "p1", layer, content, "test", tags, importance)
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, m))
		return m
	}
	mk(domain.LayerEpisodic, "episode one", []string{"alpha"}, 0.3)
	mk(domain.LayerEpisodic, "episode two", []string{"alpha", "beta"}, 0.6)
	sem := mk(domain.LayerSemantic, "distilled fact", []string{"beta"}, 0.9)
	archived := mk(domain.LayerEpisodic, "stale episode", nil, 0.1)
	require.NoError(t, repo.SetConsolidationStatus(ctx, "t1", []string{archived.ID}, domain.StatusArchived))

	t.Run("Should filter by layer", func(t *testing.T) {
		got, err := repo.List(ctx, repository.MemoryQuery{
			TenantID: "t1", ProjectID: "p1", Layer: domain.LayerSemantic,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, sem.ID, got[0].ID)
	})

	t.Run("Should require every requested tag", func(t *testing.T) {
		got, err := repo.List(ctx, repository.MemoryQuery{
			TenantID: "t1", ProjectID: "p1",
			Filters: domain.Filters{Tags: []string{"alpha", "beta"}},
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "episode two", got[0].Content)
	})

	t.Run("Should exclude archived memories by default", func(t *testing.T) {
		got, err := repo.List(ctx, repository.MemoryQuery{TenantID: "t1", ProjectID: "p1"})
		require.NoError(t, err)
		assert.Len(t, got, 3)

		got, err = repo.List(ctx, repository.MemoryQuery{
			TenantID: "t1", ProjectID: "p1", IncludeArchived: true,
		})
		require.NoError(t, err)
		assert.Len(t, got, 4)
	})

	t.Run("Should filter by minimum importance", func(t *testing.T) {
		min := 0.5
		got, err := repo.List(ctx, repository.MemoryQuery{
			TenantID: "t1", ProjectID: "p1",
			Filters: domain.Filters{MinImportance: &min},
		})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestMemoryRepository_SearchFulltext(t *testing.T) {
	store := newTestStore(t)
	repo := NewMemoryRepository(store)
	ctx := context.Background()

	seed := func(tenant, content string) *domain.Memory {
		m := mustMemory(t, tenant, "p1", content)
		require.NoError(t, repo.Create(ctx, m))
		return m
	}
	want := seed("t1", "the deployment pipeline uses blue green rollouts")
	seed("t1", "grocery list for the weekend")
	seed("t2", "blue green deployment for someone else")

	t.Run("Should match on keywords within the tenant", func(t *testing.T) {
		hits, err := repo.SearchFulltext(ctx, "t1", "p1", "deployment rollouts", domain.Filters{}, 10)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, want.ID, hits[0].Memory.ID)
		assert.Greater(t, hits[0].Score, 0.0)
		for _, h := range hits {
			assert.Equal(t, "t1", h.Memory.TenantID)
		}
	})

	t.Run("Should not match deleted rows", func(t *testing.T) {
		_, err := repo.Delete(ctx, "t1", want.ID)
		require.NoError(t, err)

		hits, err := repo.SearchFulltext(ctx, "t1", "p1", "rollouts", domain.Filters{}, 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("Should treat operator characters as literals", func(t *testing.T) {
		_, err := repo.SearchFulltext(ctx, "t1", "p1", `"unbalanced OR (weird`, domain.Filters{}, 10)
		assert.NoError(t, err)
	})
}

func TestMemoryRepository_ConsolidationLifecycle(t *testing.T) {
	store := newTestStore(t)
	repo := NewMemoryRepository(store)
	ctx := context.Background()

	old := mustMemory(t, "t1", "p1", "old raw episode")
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	old.LastAccessedAt = old.CreatedAt
	require.NoError(t, repo.Create(ctx, old))

	fresh := mustMemory(t, "t1", "p1", "fresh raw episode")
	require.NoError(t, repo.Create(ctx, fresh))

	t.Run("Should find unconsolidated episodes oldest first", func(t *testing.T) {
		since := time.Now().UTC().Add(-72 * time.Hour)
		got, err := repo.FindUnconsolidatedEpisodes(ctx, "t1", "p1", since, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, old.ID, got[0].ID)

		n, err := repo.CountUnconsolidated(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("Should stamp archived_at on archive", func(t *testing.T) {
		require.NoError(t, repo.SetConsolidationStatus(ctx, "t1", []string{old.ID}, domain.StatusArchived))
		got, err := repo.Get(ctx, "t1", old.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusArchived, got.ConsolidationStatus)
		require.NotNil(t, got.ArchivedAt)

		listed, err := repo.ListArchivedBefore(ctx, time.Now().UTC().Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, old.ID, listed[0].ID)
	})

	t.Run("Should mark consolidated without archived_at", func(t *testing.T) {
		require.NoError(t, repo.SetConsolidationStatus(ctx, "t1", []string{fresh.ID}, domain.StatusConsolidated))
		got, err := repo.Get(ctx, "t1", fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusConsolidated, got.ConsolidationStatus)
		assert.Nil(t, got.ArchivedAt)
	})
}

func TestMemoryRepository_DecayCandidates(t *testing.T) {
	store := newTestStore(t)
	repo := NewMemoryRepository(store)
	ctx := context.Background()

	idle := mustMemory(t, "t1", "p1", "idle memory")
	idle.LastAccessedAt = time.Now().UTC().Add(-10 * 24 * time.Hour)
	idle.CreatedAt = idle.LastAccessedAt
	require.NoError(t, repo.Create(ctx, idle))

	pinned := mustMemory(t, "t1", "p1", "pinned memory")
	pinned.LastAccessedAt = time.Now().UTC().Add(-10 * 24 * time.Hour)
	pinned.CreatedAt = pinned.LastAccessedAt
	require.NoError(t, repo.Create(ctx, pinned))
	v := 0.9
	require.NoError(t, repo.SetUserOverride(ctx, "t1", pinned.ID, &v))

	active := mustMemory(t, "t2", "p1", "recently used")
	require.NoError(t, repo.Create(ctx, active))

	got, err := repo.ListDecayCandidates(ctx, time.Now().UTC().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, idle.ID, got[0].ID)
}

func TestMemoryRepository_ListProjects(t *testing.T) {
	store := newTestStore(t)
	repo := NewMemoryRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, mustMemory(t, "t1", "p1", "a")))
	require.NoError(t, repo.Create(ctx, mustMemory(t, "t1", "p1", "b")))
	require.NoError(t, repo.Create(ctx, mustMemory(t, "t1", "p2", "c")))
	require.NoError(t, repo.Create(ctx, mustMemory(t, "t2", "p1", "d")))

	refs, err := repo.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []repository.ProjectRef{
		{TenantID: "t1", ProjectID: "p1"},
		{TenantID: "t1", ProjectID: "p2"},
		{TenantID: "t2", ProjectID: "p1"},
	}, refs)
}
