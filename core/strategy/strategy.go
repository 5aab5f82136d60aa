// Package strategy implements the interchangeable unit-selection algorithms
// used to decide which units are shut down to meet a power-reduction target.
package strategy

import (
	"sort"

	"github.com/minegrid/curtaild/core/model"
)

// Selection is the ordered outcome of a strategy run. Warning is set for
// degraded-but-valid results, such as a target exceeding total site power.
type Selection struct {
	UnitIDs []string
	PowerKW float64
	Warning string
}

// Selector chooses the units to curtail. Implementations must be
// deterministic for identical inputs.
type Selector interface {
	Select(units []model.Unit, targetKW float64) (Selection, error)
}

// New resolves the selector for a stored strategy configuration. The
// variant is chosen once at execution time and carried by value afterwards.
func New(cfg model.Strategy) (Selector, error) {
	switch cfg.Type {
	case model.StrategyPerformancePriority:
		return PerformancePriority{}, nil
	case model.StrategyCustomerPriority:
		return CustomerPriority{VIPProtection: cfg.VIPProtection}, nil
	case model.StrategyFairDistribution:
		return FairDistribution{}, nil
	case model.StrategyCustom:
		return Custom{Rules: cfg.Custom}, nil
	default:
		return nil, model.Validationf("strategy_type", "unknown type %q", cfg.Type)
	}
}

// activeOnly keeps units eligible for curtailment. Units already in
// maintenance or offline are never selected.
func activeOnly(units []model.Unit) []model.Unit {
	res := make([]model.Unit, 0, len(units))
	for _, u := range units {
		if u.Status == model.UnitActive {
			res = append(res, u)
		}
	}
	return res
}

func totalPowerKW(units []model.Unit) float64 {
	var sum float64
	for _, u := range units {
		sum += u.EffectivePowerKW()
	}
	return sum
}

// byScore sorts ascending by performance score, ties keeping original order
// so that zero-score (offline/no data) units come first.
func byScore(units []model.Unit) []model.Unit {
	sorted := append([]model.Unit(nil), units...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PerformanceScore < sorted[j].PerformanceScore
	})
	return sorted
}

// accumulate appends units from sorted into sel until the remaining target
// is met, skipping IDs already present. It returns the remaining target.
func accumulate(sel *Selection, sorted []model.Unit, remaining float64, taken map[string]bool) float64 {
	for _, u := range sorted {
		if remaining <= 0 {
			break
		}
		if taken[u.ID] {
			continue
		}
		taken[u.ID] = true
		sel.UnitIDs = append(sel.UnitIDs, u.ID)
		p := u.EffectivePowerKW()
		sel.PowerKW += p
		remaining -= p
	}
	return remaining
}

// selectAll is the degraded path when the target exceeds total site power.
func selectAll(units []model.Unit) Selection {
	sel := Selection{
		UnitIDs: make([]string, 0, len(units)),
		Warning: "target exceeds total site power, selecting all units",
	}
	for _, u := range units {
		sel.UnitIDs = append(sel.UnitIDs, u.ID)
		sel.PowerKW += u.EffectivePowerKW()
	}
	return sel
}
