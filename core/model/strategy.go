package model

// StrategyType identifies the selection algorithm used by a plan.
type StrategyType string

const (
	StrategyPerformancePriority StrategyType = "performance_priority"
	StrategyCustomerPriority    StrategyType = "customer_priority"
	StrategyFairDistribution    StrategyType = "fair_distribution"
	StrategyCustom              StrategyType = "custom"
)

// CustomRules configures the filter pipeline of the custom strategy. Zero
// values disable the corresponding predicate.
type CustomRules struct {
	MinUptimeRatio      float64        `json:"min_uptime_ratio"`
	ExcludeServicedDays int            `json:"exclude_serviced_days"`
	MaxPerformanceScore float64        `json:"max_performance_score"`
	AllowedTiers        []CustomerTier `json:"allowed_tiers"`
}

// Strategy is the stored selection configuration referenced by a plan. It is
// immutable for the duration of a single plan execution.
type Strategy struct {
	ID                 string
	SiteID             string
	Type               StrategyType
	VIPProtection      bool
	MinUptimeThreshold float64
	Active             bool
	Custom             CustomRules
}
