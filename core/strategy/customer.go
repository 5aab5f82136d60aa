package strategy

import (
	"sort"

	"github.com/minegrid/curtaild/core/model"
)

// CustomerPriority curtails lower customer tiers first. With VIPProtection
// enabled, VIP units are only touched once the target cannot be met from
// non-VIP units alone.
type CustomerPriority struct {
	VIPProtection bool
}

func (s CustomerPriority) Select(units []model.Unit, targetKW float64) (Selection, error) {
	pool := activeOnly(units)
	if len(pool) == 0 {
		return Selection{}, nil
	}
	if targetKW > totalPowerKW(pool) {
		return selectAll(pool), nil
	}

	sorted := append([]model.Unit(nil), pool...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Tier.Rank() != sorted[j].Tier.Rank() {
			return sorted[i].Tier.Rank() < sorted[j].Tier.Rank()
		}
		return sorted[i].PerformanceScore < sorted[j].PerformanceScore
	})

	var sel Selection
	taken := make(map[string]bool, len(sorted))
	remaining := targetKW
	if s.VIPProtection {
		nonVIP := make([]model.Unit, 0, len(sorted))
		for _, u := range sorted {
			if u.Tier != model.TierVIP {
				nonVIP = append(nonVIP, u)
			}
		}
		remaining = accumulate(&sel, nonVIP, remaining, taken)
	}
	// Second round over the full sorted list covers whatever the protected
	// round could not, skipping already-selected IDs.
	accumulate(&sel, sorted, remaining, taken)
	return sel, nil
}
