package strategy

import (
	"time"

	"github.com/minegrid/curtaild/core/model"
)

// Custom applies a conjunctive filter pipeline over the candidate pool and
// then accumulates exactly like PerformancePriority. Zero-valued rules are
// disabled.
type Custom struct {
	Rules model.CustomRules
	// Now is injectable for the serviced-recently predicate; time.Now is
	// used when left unset.
	Now func() time.Time
}

func (s Custom) Select(units []model.Unit, targetKW float64) (Selection, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	pool := make([]model.Unit, 0, len(units))
	for _, u := range activeOnly(units) {
		if !s.admit(u, now) {
			continue
		}
		pool = append(pool, u)
	}
	if len(pool) == 0 {
		return Selection{}, nil
	}
	if targetKW > totalPowerKW(pool) {
		return selectAll(pool), nil
	}
	var sel Selection
	accumulate(&sel, byScore(pool), targetKW, make(map[string]bool, len(pool)))
	return sel, nil
}

func (s Custom) admit(u model.Unit, now time.Time) bool {
	r := s.Rules
	if r.MinUptimeRatio > 0 && u.UptimeRatio < r.MinUptimeRatio {
		return false
	}
	if r.ExcludeServicedDays > 0 && !u.LastServicedAt.IsZero() {
		cutoff := now.AddDate(0, 0, -r.ExcludeServicedDays)
		if u.LastServicedAt.After(cutoff) {
			return false
		}
	}
	if r.MaxPerformanceScore > 0 && u.PerformanceScore > r.MaxPerformanceScore {
		return false
	}
	if len(r.AllowedTiers) > 0 {
		allowed := false
		for _, t := range r.AllowedTiers {
			if u.Tier == t {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}
