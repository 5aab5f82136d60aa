// Package pricing defines the collaborator interfaces feeding the schedule
// optimizer and the impact estimator.
package pricing

import (
	"context"
	"time"

	"github.com/minegrid/curtaild/core/model"
)

// PriceProvider returns the 24 hourly electricity prices ($/kWh) for a day.
type PriceProvider interface {
	HourlyPrices(ctx context.Context, date time.Time) ([]float64, error)
}

// Economics carries the forecasting collaborator's numeric inputs.
type Economics struct {
	BTCPriceUSD       float64
	YieldBTCPerTHHour float64
}

// EconomicsProvider returns the current forecast-derived economics.
type EconomicsProvider interface {
	Economics(ctx context.Context) (Economics, error)
}

// Static serves a fixed configuration-supplied price curve and economics.
type Static struct {
	Prices []float64
	Econ   Economics
}

func (s Static) HourlyPrices(_ context.Context, _ time.Time) ([]float64, error) {
	if len(s.Prices) != 24 {
		return nil, model.Validationf("prices", "expected 24 values, got %d", len(s.Prices))
	}
	return append([]float64(nil), s.Prices...), nil
}

func (s Static) Economics(context.Context) (Economics, error) {
	return s.Econ, nil
}
