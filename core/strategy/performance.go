package strategy

import "github.com/minegrid/curtaild/core/model"

// PerformancePriority curtails the worst performers first: units are sorted
// ascending by performance score and accumulated until the target is met.
type PerformancePriority struct{}

func (PerformancePriority) Select(units []model.Unit, targetKW float64) (Selection, error) {
	pool := activeOnly(units)
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
