package config

import "fmt"

// PricingConfig selects where hourly prices and mining economics come from.
type PricingConfig struct {
	// Provider selects the source: "static" or "http".
	Provider string `json:"provider"`

	// HTTP provider settings.
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	TimeoutMS int    `json:"timeout_ms"`

	// Static provider settings.
	StaticPrices      []float64 `json:"static_prices"`
	BTCPriceUSD       float64   `json:"btc_price_usd"`
	YieldBTCPerTHHour float64   `json:"yield_btc_per_th_hour"`

	// ElectricityRate is the flat $/kWh used for impact estimates.
	ElectricityRate float64 `json:"electricity_rate"`

	// Stale-while-revalidate windows for the price cache.
	CacheFreshSeconds int `json:"cache_fresh_seconds"`
	CacheStaleSeconds int `json:"cache_stale_seconds"`
}

// SetDefaults applies sane defaults.
func (c *PricingConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "static"
	}
	if c.Provider == "static" && len(c.StaticPrices) == 0 {
		c.StaticPrices = make([]float64, 24)
		for i := range c.StaticPrices {
			c.StaticPrices[i] = 0.05
		}
	}
	if c.CacheFreshSeconds <= 0 {
		c.CacheFreshSeconds = 300
	}
	if c.CacheStaleSeconds <= 0 {
		c.CacheStaleSeconds = 3600
	}
}

// Validate checks mandatory fields per provider.
func (c PricingConfig) Validate() error {
	switch c.Provider {
	case "static":
		if len(c.StaticPrices) != 24 {
			return fmt.Errorf("static_prices needs 24 values, got %d", len(c.StaticPrices))
		}
	case "http":
		if c.BaseURL == "" {
			return fmt.Errorf("base_url is required for the http provider")
		}
	default:
		return fmt.Errorf("unknown pricing provider %s", c.Provider)
	}
	if c.ElectricityRate < 0 {
		return fmt.Errorf("electricity_rate must not be negative")
	}
	return nil
}
