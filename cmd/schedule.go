package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/minegrid/curtaild/config"
	"github.com/minegrid/curtaild/core/econ"
	"github.com/minegrid/curtaild/core/model"
	"github.com/minegrid/curtaild/core/pricing"
	"github.com/minegrid/curtaild/core/schedule"
	infrapricing "github.com/minegrid/curtaild/infra/pricing"
)

var (
	schedUnits  int
	schedPower  float64
	schedDate   string
	schedTarget float64
	schedMin    float64
)

// scheduleCmd computes and prints a day schedule without touching any
// broker or store, useful to sanity-check a price curve.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Compute a cost-minimal day schedule for a homogeneous fleet",
	RunE:  runSchedule,
}

func init() {
	scheduleCmd.Flags().IntVar(&schedUnits, "units", 10, "number of units")
	scheduleCmd.Flags().Float64Var(&schedPower, "power", 3.0, "power per unit in kW")
	scheduleCmd.Flags().StringVar(&schedDate, "date", "", "day to schedule (YYYY-MM-DD, default today)")
	scheduleCmd.Flags().Float64Var(&schedTarget, "target-uptime", 0, "override the configured target uptime")
	scheduleCmd.Flags().Float64Var(&schedMin, "min-uptime", 0, "override the configured minimum uptime")
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	day := time.Now().UTC()
	if schedDate != "" {
		day, err = time.Parse("2006-01-02", schedDate)
		if err != nil {
			return fmt.Errorf("invalid date: %w", err)
		}
	}
	target := cfg.Planner.TargetUptime
	if schedTarget > 0 {
		target = schedTarget
	}
	minUptime := cfg.Planner.MinUptime
	if schedMin > 0 {
		minUptime = schedMin
	}

	var provider pricing.PriceProvider
	if cfg.Pricing.Provider == "http" {
		provider = infrapricing.NewClient(infrapricing.Config{
			BaseURL:   cfg.Pricing.BaseURL,
			APIKey:    cfg.Pricing.APIKey,
			TimeoutMS: cfg.Pricing.TimeoutMS,
		})
	} else {
		provider = pricing.Static{Prices: cfg.Pricing.StaticPrices}
	}

	ctx := context.Background()
	prices, err := provider.HourlyPrices(ctx, day)
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}
	res, err := schedule.Optimizer{}.Optimize(ctx, schedule.Request{
		Units:          schedUnits,
		PowerPerUnitKW: schedPower,
		HourlyPrices:   prices,
		TargetUptime:   target,
		MinUptime:      minUptime,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "schedule for %s (%s, uptime %.2f, cost $%.2f)\n",
		day.Format("2006-01-02"), res.Status, res.AchievedUptime, res.TotalCost)
	for _, h := range res.Hours {
		peak := " "
		if h.IsPeakHour {
			peak = "*"
		}
		fmt.Fprintf(out, "%02d:00 %s $%.4f/kWh online=%2d offline=%2d %.1f kW\n",
			h.Hour, peak, h.Price, h.Online, h.Offline, h.PowerKW)
	}

	offline := 0.0
	for _, h := range res.Hours {
		offline += float64(h.Offline)
	}
	if offline > 0 {
		imp := econ.Estimate(econ.Input{
			Units:           []model.Unit{{PowerKW: schedPower * offline, HashrateTH: 0}},
			DurationHours:   1,
			ElectricityRate: cfg.Pricing.ElectricityRate,
			BTCPriceUSD:     cfg.Pricing.BTCPriceUSD,
		})
		fmt.Fprintf(out, "curtailed %.0f unit-hours, est. electricity saved $%.2f\n",
			offline, imp.CostSavedUSD)
	}
	return nil
}
