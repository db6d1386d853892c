package importance

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/domain"
)

// DecayReport summarizes one decay sweep.
type DecayReport struct {
	Scanned  int
	Decayed  int
	Archived int
}

// ApplyDecay multiplies stale memories' importance by their tier rate for
// the elapsed interval, then archives memories that fall below the archive
// threshold past the archive age. Memories accessed within the last seven
// days and memories with a user override are never candidates.
func (s *Service) ApplyDecay(ctx context.Context, now time.Time, elapsed time.Duration, batch int) (DecayReport, error) {
	var report DecayReport

	days := elapsed.Hours() / 24
	if days <= 0 {
		days = 1
	}

	cutoff := now.Add(-7 * 24 * time.Hour)
	candidates, err := s.memories.ListDecayCandidates(ctx, cutoff, batch)
	if err != nil {
		return report, fmt.Errorf("list decay candidates: %w", err)
	}
	report.Scanned = len(candidates)

	for _, m := range candidates {
		rate := DecayRate(m.DaysSinceAccess(now), s.cfg)
		if rate >= 1 {
			continue
		}
		decayed := m.Importance * math.Pow(rate, days)
		if err := s.memories.UpdateImportance(ctx, m.TenantID, m.ID, decayed, "decay"); err != nil {
			return report, fmt.Errorf("apply decay: %w", err)
		}
		report.Decayed++

		if decayed < s.cfg.ArchiveThreshold && m.AgeDays(now) > s.cfg.ArchiveAgeDays {
			if err := s.memories.SetConsolidationStatus(ctx, m.TenantID, []string{m.ID}, domain.StatusArchived); err != nil {
				return report, fmt.Errorf("archive decayed memory: %w", err)
			}
			report.Archived++
		}
	}

	if report.Decayed > 0 {
		s.logger.Info("importance decay applied",
			zap.Int("scanned", report.Scanned),
			zap.Int("decayed", report.Decayed),
			zap.Int("archived", report.Archived))
	}
	return report, nil
}
