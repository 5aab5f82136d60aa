package model

import "time"

// UnitStatus is the lifecycle state of a managed unit.
type UnitStatus string

const (
	UnitActive      UnitStatus = "active"
	UnitMaintenance UnitStatus = "maintenance"
	UnitOffline     UnitStatus = "offline"
)

// CustomerTier classifies the owning customer of a unit.
type CustomerTier string

const (
	TierStandard   CustomerTier = "Standard"
	TierEnterprise CustomerTier = "Enterprise"
	TierVIP        CustomerTier = "VIP"
)

// Rank orders tiers for selection purposes: lower ranks are curtailed first.
func (t CustomerTier) Rank() int {
	switch t {
	case TierEnterprise:
		return 2
	case TierVIP:
		return 3
	default:
		return 1
	}
}

// Unit represents a power-drawing device in the managed fleet. The inventory
// service owns these records; this subsystem only flips Status during
// curtailment and recovery.
type Unit struct {
	ID              string
	CustomerID      string
	SiteID          string
	RatedHashrateTH float64 // nameplate hashrate in TH/s
	HashrateTH      float64 // last observed hashrate in TH/s
	RatedPowerKW    float64
	PowerKW         float64 // last observed draw, 0 when unknown
	// PerformanceScore is 0 when the unit is offline or has no data, which
	// by construction sorts it first under performance-ordered strategies.
	PerformanceScore float64
	UptimeRatio      float64
	Tier             CustomerTier
	Status           UnitStatus
	LastServicedAt   time.Time
}

// EffectivePowerKW returns the observed draw, falling back to the rated
// draw when no measurement is available.
func (u Unit) EffectivePowerKW() float64 {
	if u.PowerKW > 0 {
		return u.PowerKW
	}
	return u.RatedPowerKW
}

// EffectiveHashrateTH returns the observed hashrate, falling back to the
// nameplate value.
func (u Unit) EffectiveHashrateTH() float64 {
	if u.HashrateTH > 0 {
		return u.HashrateTH
	}
	return u.RatedHashrateTH
}
