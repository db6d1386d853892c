// Package importance computes memory importance from weighted factors and
// applies the staleness-tiered decay schedule.
package importance

import (
	"math"
	"time"

	"rae-backend/internal/config"
)

// RecencyFactor returns exp(-age_days / half_life). The half-life shortens
// as the memory goes unaccessed: the base half-life applies while the last
// access is under thirty days old, the stale half-life between thirty and
// sixty days, and the very-stale half-life beyond sixty days.
func RecencyFactor(createdAt, lastAccessedAt, now time.Time, cfg config.Importance) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	halfLife := cfg.HalfLifeDays
	switch staleDays := now.Sub(lastAccessedAt).Hours() / 24; {
	case staleDays > 60:
		halfLife = cfg.VeryStaleHalfLifeDays
	case staleDays > 30:
		halfLife = cfg.StaleHalfLifeDays
	}
	if halfLife <= 0 {
		halfLife = 30
	}
	return math.Exp(-ageDays / halfLife)
}

// FrequencyFactor maps usage count into [0, 1) with diminishing returns:
// 1 - exp(-usage / saturation).
func FrequencyFactor(usageCount int64, saturation float64) float64 {
	if usageCount <= 0 {
		return 0
	}
	if saturation <= 0 {
		saturation = 10
	}
	return 1 - math.Exp(-float64(usageCount)/saturation)
}

// DecayRate returns the per-day importance multiplier for a memory whose
// last access is staleDays old. Memories accessed within the last seven
// days do not decay (rate 1).
func DecayRate(staleDays float64, cfg config.Importance) float64 {
	switch {
	case staleDays <= 7:
		return 1
	case staleDays <= 30:
		return cfg.DecayRate
	case staleDays <= 60:
		return cfg.StaleDecayRate
	default:
		return cfg.VeryStaleDecayRate
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
