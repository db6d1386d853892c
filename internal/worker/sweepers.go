// Package worker assembles the background sweepers that keep stored state
// healthy: importance decay, archived-memory retention, context-cache expiry
// and scheduled reflection. Each sweeper runs on a lifecycle.IntervalRunner,
// so a slow sweep skips ticks instead of stacking behind itself.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/cache"
	"rae-backend/internal/lifecycle"
	"rae-backend/internal/observability"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/importance"
	"rae-backend/internal/service/reflection"
	"rae-backend/internal/vector"
)

const (
	decayBatchSize = 500
	purgeBatchSize = 200

	// sweepTimeout bounds a single sweep so a wedged dependency cannot
	// hold the runner's in-flight slot forever.
	sweepTimeout = 5 * time.Minute

	defaultPurgeAfterDays = 30
)

type decaySweep struct {
	importance *importance.Service
	elapsed    time.Duration
	metrics    *observability.Collector
	logger     *zap.Logger
}

func (d *decaySweep) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	status := "ok"
	if _, err := d.importance.ApplyDecay(ctx, time.Now().UTC(), d.elapsed, decayBatchSize); err != nil {
		status = "error"
		d.logger.Warn("decay sweep failed", zap.Error(err))
	}
	d.metrics.SweepRuns.WithLabelValues("decay-sweeper", status).Inc()
}

// NewDecaySweeper returns the runner that periodically applies the importance
// decay schedule. The sweep interval doubles as the elapsed time the decay
// formula covers, so back-to-back sweeps never double-count a day.
func NewDecaySweeper(imp *importance.Service, interval time.Duration, metrics *observability.Collector, logger *zap.Logger) *lifecycle.IntervalRunner {
	d := &decaySweep{importance: imp, elapsed: interval, metrics: metrics, logger: logger}
	return lifecycle.NewIntervalRunner("decay-sweeper", interval, d.run, logger)
}

type archiveSweep struct {
	memories  repository.MemoryRepository
	index     vector.Index
	retainFor time.Duration
	metrics   *observability.Collector
	logger    *zap.Logger
}

func (a *archiveSweep) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-a.retainFor)
	stale, err := a.memories.ListArchivedBefore(ctx, cutoff, purgeBatchSize)
	if err != nil {
		a.logger.Warn("archive sweep failed", zap.Error(err))
		a.metrics.SweepRuns.WithLabelValues("archive-deleter", "error").Inc()
		return
	}

	purged := 0
	for _, m := range stale {
		// Vector first: a failed vector delete leaves the row in place,
		// so the next sweep retries the pair instead of orphaning it.
		if err := a.index.Delete(ctx, m.TenantID, m.ProjectID, m.ID); err != nil {
			a.logger.Warn("archive sweep kept memory, vector delete failed",
				zap.String("memory_id", m.ID), zap.Error(err))
			continue
		}
		if _, err := a.memories.Delete(ctx, m.TenantID, m.ID); err != nil {
			a.logger.Warn("archive sweep purge failed",
				zap.String("memory_id", m.ID), zap.Error(err))
			continue
		}
		purged++
	}
	if purged > 0 {
		a.logger.Info("archived memories purged",
			zap.Int("purged", purged),
			zap.Time("cutoff", cutoff))
	}
	a.metrics.SweepRuns.WithLabelValues("archive-deleter", "ok").Inc()
}

// NewArchiveDeleter returns the runner that permanently deletes memories
// archived longer than purgeAfterDays ago, together with their vectors.
func NewArchiveDeleter(
	memories repository.MemoryRepository,
	index vector.Index,
	purgeAfterDays float64,
	interval time.Duration,
	metrics *observability.Collector,
	logger *zap.Logger,
) *lifecycle.IntervalRunner {
	if purgeAfterDays <= 0 {
		purgeAfterDays = defaultPurgeAfterDays
	}
	a := &archiveSweep{
		memories:  memories,
		index:     index,
		retainFor: time.Duration(purgeAfterDays * 24 * float64(time.Hour)),
		metrics:   metrics,
		logger:    logger,
	}
	return lifecycle.NewIntervalRunner("archive-deleter", interval, a.run, logger)
}

type cacheSweep struct {
	cache   cache.ContextCache
	metrics *observability.Collector
	logger  *zap.Logger
}

func (c *cacheSweep) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	if removed := c.cache.Sweep(ctx); removed > 0 {
		c.logger.Debug("expired cache entries swept", zap.Int("removed", removed))
	}
	c.metrics.SweepRuns.WithLabelValues("cache-sweeper", "ok").Inc()
}

// NewCacheSweeper returns the runner that proactively removes expired context
// cache entries between reads.
func NewCacheSweeper(contextCache cache.ContextCache, interval time.Duration, metrics *observability.Collector, logger *zap.Logger) *lifecycle.IntervalRunner {
	c := &cacheSweep{cache: contextCache, metrics: metrics, logger: logger}
	return lifecycle.NewIntervalRunner("cache-sweeper", interval, c.run, logger)
}

type reflectionSweep struct {
	memories   repository.MemoryRepository
	reflection *reflection.Service
	metrics    *observability.Collector
	logger     *zap.Logger
}

func (r *reflectionSweep) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	refs, err := r.memories.ListProjects(ctx)
	if err != nil {
		r.logger.Warn("reflection sweep failed", zap.Error(err))
		r.metrics.SweepRuns.WithLabelValues("reflection-sweeper", "error").Inc()
		return
	}

	created := 0
	for _, ref := range refs {
		res, err := r.reflection.Run(ctx, ref.TenantID, ref.ProjectID)
		if err != nil {
			r.logger.Warn("reflection run failed",
				zap.String("tenant_id", ref.TenantID),
				zap.String("project_id", ref.ProjectID),
				zap.Error(err))
			continue
		}
		created += res.ReflectionsCreated + res.MetaInsights
	}
	if created > 0 {
		r.metrics.ReflectionsCreated.Add(float64(created))
		r.logger.Info("reflection sweep finished",
			zap.Int("projects", len(refs)),
			zap.Int("created", created))
	}
	r.metrics.SweepRuns.WithLabelValues("reflection-sweeper", "ok").Inc()
}

// NewReflectionSweeper returns the runner that walks every tenant/project
// holding raw episodes and runs the reflection pipeline for each. Scopes
// below the episode gate are skipped inside the pipeline itself.
func NewReflectionSweeper(
	memories repository.MemoryRepository,
	refl *reflection.Service,
	interval time.Duration,
	metrics *observability.Collector,
	logger *zap.Logger,
) *lifecycle.IntervalRunner {
	r := &reflectionSweep{memories: memories, reflection: refl, metrics: metrics, logger: logger}
	return lifecycle.NewIntervalRunner("reflection-sweeper", interval, r.run, logger)
}
