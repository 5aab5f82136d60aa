package strategy

import (
	"sort"

	"github.com/minegrid/curtaild/core/model"
)

// FairDistribution spreads the reduction across customers proportionally to
// each customer's share of total site power. Customers are visited in
// ascending customer ID so runs are reproducible.
type FairDistribution struct{}

func (FairDistribution) Select(units []model.Unit, targetKW float64) (Selection, error) {
	pool := activeOnly(units)
	if len(pool) == 0 {
		return Selection{}, nil
	}
	siteTotal := totalPowerKW(pool)
	if targetKW > siteTotal {
		return selectAll(pool), nil
	}

	byCustomer := make(map[string][]model.Unit)
	for _, u := range pool {
		byCustomer[u.CustomerID] = append(byCustomer[u.CustomerID], u)
	}
	customers := make([]string, 0, len(byCustomer))
	for id := range byCustomer {
		customers = append(customers, id)
	}
	sort.Strings(customers)

	var sel Selection
	remaining := targetKW
	for _, cid := range customers {
		if remaining <= 0 {
			break
		}
		group := byCustomer[cid]
		share := targetKW * (totalPowerKW(group) / siteTotal)
		if share > remaining {
			share = remaining
		}
		for _, u := range byScore(group) {
			if share <= 0 || remaining <= 0 {
				break
			}
			sel.UnitIDs = append(sel.UnitIDs, u.ID)
			p := u.EffectivePowerKW()
			sel.PowerKW += p
			share -= p
			remaining -= p
		}
	}
	return sel, nil
}
