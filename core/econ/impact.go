// Package econ estimates the economic impact of a curtailment decision.
package econ

import "github.com/minegrid/curtaild/core/model"

// DefaultYieldBTCPerTHHour is the network-difficulty-derived yield constant
// used when the forecasting collaborator does not supply one.
const DefaultYieldBTCPerTHHour = 5.2e-9

// Input describes a candidate selection over a time window.
type Input struct {
	Units             []model.Unit
	DurationHours     float64
	BTCPriceUSD       float64
	ElectricityRate   float64 // $/kWh
	YieldBTCPerTHHour float64 // BTC mined per TH/s per hour
}

// Impact is the estimated outcome of curtailing the selected units.
// NetSavings can be negative: curtailing may cost more revenue than it
// saves in electricity, and that is surfaced rather than suppressed.
type Impact struct {
	PowerSavedKWh  float64
	CostSavedUSD   float64
	RevenueLostUSD float64
	NetSavingsUSD  float64
}

// Estimate computes the impact for the given selection. It is a pure
// function of its input.
func Estimate(in Input) Impact {
	yield := in.YieldBTCPerTHHour
	if yield == 0 {
		yield = DefaultYieldBTCPerTHHour
	}
	var powerKW, hashTH float64
	for _, u := range in.Units {
		powerKW += u.EffectivePowerKW()
		hashTH += u.EffectiveHashrateTH()
	}
	imp := Impact{
		PowerSavedKWh:  powerKW * in.DurationHours,
		RevenueLostUSD: hashTH * yield * in.DurationHours * in.BTCPriceUSD,
	}
	imp.CostSavedUSD = imp.PowerSavedKWh * in.ElectricityRate
	imp.NetSavingsUSD = imp.CostSavedUSD - imp.RevenueLostUSD
	return imp
}
