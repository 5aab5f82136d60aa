package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/minegrid/curtaild/core/lock"
	"github.com/minegrid/curtaild/core/model"
	"github.com/minegrid/curtaild/core/plan"
	"github.com/minegrid/curtaild/core/pricing"
	"github.com/minegrid/curtaild/infra/command"
	"github.com/minegrid/curtaild/infra/logger"
	"github.com/minegrid/curtaild/infra/store"
)

var (
	demoUnits  int
	demoPower  float64
	demoTarget float64
	demoHold   time.Duration
)

// planCmd runs a create/execute/recover cycle against in-memory stores and
// the mock command channel, without touching a broker.
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Run a demo curtailment plan end to end in memory",
	RunE:  runPlanDemo,
}

func init() {
	planCmd.Flags().IntVar(&demoUnits, "units", 10, "number of demo units")
	planCmd.Flags().Float64Var(&demoPower, "power", 3.0, "power per unit in kW")
	planCmd.Flags().Float64Var(&demoTarget, "target", 9.0, "target reduction in kW")
	planCmd.Flags().DurationVar(&demoHold, "hold", 0, "curtailment window; 0 self-recovers immediately")
	rootCmd.AddCommand(planCmd)
}

func runPlanDemo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logg := logger.New("plan-demo")

	stores := store.NewMemory()
	units := stores.Units.(*store.MemoryUnits)
	for i := 0; i < demoUnits; i++ {
		units.Add(model.Unit{
			ID:               fmt.Sprintf("u-%02d", i+1),
			CustomerID:       fmt.Sprintf("c-%d", i%3+1),
			SiteID:           "demo-site",
			RatedPowerKW:     demoPower,
			RatedHashrateTH:  100,
			PerformanceScore: float64(i + 1),
			UptimeRatio:      0.95,
			Tier:             model.TierStandard,
			Status:           model.UnitActive,
		})
	}

	channel := command.NewMockChannel()
	svc, err := plan.NewService(stores, channel, lock.NewMemoryLocker(), plan.Config{},
		plan.WithLogger(logg),
		plan.WithPricing(pricing.Static{Prices: make([]float64, 24)}),
	)
	if err != nil {
		return err
	}

	var end *time.Time
	start := time.Now()
	if demoHold > 0 {
		e := start.Add(demoHold)
		end = &e
	}
	p, err := svc.Create(ctx, plan.CreateRequest{
		SiteID: "demo-site",
		Strategy: model.Strategy{
			ID:     "demo-strategy",
			SiteID: "demo-site",
			Type:   model.StrategyPerformancePriority,
			Active: true,
		},
		TargetReductionKW: demoTarget,
		Mode:              model.ModeAuto,
		ScheduledStart:    start,
		ScheduledEnd:      end,
		CreatedBy:         "demo",
	})
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}

	if err := svc.Execute(ctx, p.ID); err != nil {
		return fmt.Errorf("execute plan: %w", err)
	}
	if demoHold > 0 {
		if err := svc.Recover(ctx, p.ID); err != nil {
			return fmt.Errorf("recover plan: %w", err)
		}
	}

	p, err = svc.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	rows, err := stores.Executions.ListByPlan(ctx, p.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "plan %s: status=%s reduction=%.1f kW\n", p.ID, p.Status, p.CalculatedReductionKW)
	for _, r := range rows {
		msg := ""
		if r.ErrorMessage != "" {
			msg = " (" + r.ErrorMessage + ")"
		}
		fmt.Fprintf(out, "  %-8s %-8s %-7s %.1f kW%s\n", r.UnitID, r.Action, r.Status, r.PowerSavedKW, msg)
	}
	return nil
}
