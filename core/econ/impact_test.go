package econ

import (
	"math"
	"testing"

	"github.com/minegrid/curtaild/core/model"
)

func TestEstimate(t *testing.T) {
	units := []model.Unit{
		{PowerKW: 3.0, HashrateTH: 100},
		{PowerKW: 3.0, HashrateTH: 100},
	}
	imp := Estimate(Input{
		Units:             units,
		DurationHours:     4,
		BTCPriceUSD:       60000,
		ElectricityRate:   0.08,
		YieldBTCPerTHHour: 1e-8,
	})
	if imp.PowerSavedKWh != 24 {
		t.Fatalf("expected 24 kWh got %v", imp.PowerSavedKWh)
	}
	if math.Abs(imp.CostSavedUSD-1.92) > 1e-9 {
		t.Fatalf("expected 1.92 cost saved got %v", imp.CostSavedUSD)
	}
	wantRevenue := 200 * 1e-8 * 4 * 60000.0
	if math.Abs(imp.RevenueLostUSD-wantRevenue) > 1e-9 {
		t.Fatalf("expected %v revenue lost got %v", wantRevenue, imp.RevenueLostUSD)
	}
	if math.Abs(imp.NetSavingsUSD-(imp.CostSavedUSD-imp.RevenueLostUSD)) > 1e-12 {
		t.Fatalf("net savings mismatch: %+v", imp)
	}
}

func TestEstimate_NegativeNetSavingsSurfaced(t *testing.T) {
	units := []model.Unit{{PowerKW: 1, HashrateTH: 500}}
	imp := Estimate(Input{
		Units:             units,
		DurationHours:     1,
		BTCPriceUSD:       100000,
		ElectricityRate:   0.01,
		YieldBTCPerTHHour: 1e-7,
	})
	if imp.NetSavingsUSD >= 0 {
		t.Fatalf("expected negative net savings got %v", imp.NetSavingsUSD)
	}
}

func TestEstimate_DefaultYield(t *testing.T) {
	units := []model.Unit{{PowerKW: 3, HashrateTH: 120}}
	imp := Estimate(Input{Units: units, DurationHours: 1, BTCPriceUSD: 50000, ElectricityRate: 0.1})
	want := 120 * DefaultYieldBTCPerTHHour * 50000
	if math.Abs(imp.RevenueLostUSD-want) > 1e-9 {
		t.Fatalf("expected default yield to apply: got %v want %v", imp.RevenueLostUSD, want)
	}
}

func TestEstimate_RatedFallback(t *testing.T) {
	units := []model.Unit{{RatedPowerKW: 3.2, RatedHashrateTH: 110}}
	imp := Estimate(Input{Units: units, DurationHours: 2, BTCPriceUSD: 1, ElectricityRate: 1})
	if math.Abs(imp.PowerSavedKWh-6.4) > 1e-9 {
		t.Fatalf("expected rated power fallback, got %v kWh", imp.PowerSavedKWh)
	}
}
