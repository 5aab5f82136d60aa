// Package schedule computes hour-by-hour on/off unit counts for a day of
// electricity prices by solving a linear program.
package schedule

import (
	"context"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/minegrid/curtaild/core/model"
)

const hours = 24

// smoothnessRatio bounds the change of the online count between adjacent
// hours to a fraction of the fleet, preventing full-fleet toggling.
const smoothnessRatio = 0.3

// Status reports how the optimizer arrived at its schedule.
type Status string

const (
	// StatusOptimal means the target uptime was satisfied at minimum cost.
	StatusOptimal Status = "optimal"
	// StatusFeasible means only the minimum uptime floor could be met.
	StatusFeasible Status = "feasible"
	// StatusInfeasible means the solver failed and the safe fallback
	// (all units online all hours) was returned. This is a degraded
	// result, not an error.
	StatusInfeasible Status = "infeasible"
)

// Request describes one optimization run.
type Request struct {
	Units          int
	PowerPerUnitKW float64
	HourlyPrices   []float64 // $/kWh, exactly 24 values
	TargetUptime   float64   // (0,1]
	MinUptime      float64   // [0,1], hard floor
}

// HourPlan is the computed allocation for a single hour.
type HourPlan struct {
	Hour       int
	Price      float64
	Online     int
	Offline    int
	PowerKW    float64
	Cost       float64
	IsPeakHour bool
}

// Result is the outcome of an optimization run.
type Result struct {
	Hours          [hours]HourPlan
	Status         Status
	AchievedUptime float64
	TotalCost      float64
}

func (r Request) validate() error {
	if r.Units <= 0 {
		return model.Validationf("units", "must be positive, got %d", r.Units)
	}
	if r.PowerPerUnitKW <= 0 {
		return model.Validationf("power_per_unit_kw", "must be positive, got %v", r.PowerPerUnitKW)
	}
	if len(r.HourlyPrices) != hours {
		return model.Validationf("hourly_prices", "expected %d values, got %d", hours, len(r.HourlyPrices))
	}
	if r.TargetUptime <= 0 || r.TargetUptime > 1 {
		return model.Validationf("target_uptime", "must be in (0,1], got %v", r.TargetUptime)
	}
	if r.MinUptime < 0 || r.MinUptime > 1 {
		return model.Validationf("min_uptime", "must be in [0,1], got %v", r.MinUptime)
	}
	if r.MinUptime > r.TargetUptime {
		return model.Validationf("min_uptime", "must not exceed target_uptime")
	}
	return nil
}

// solveHourly minimizes the daily electricity cost for a fixed number of
// online unit-hours. Decision variables are the per-hour online counts,
// bounded by the fleet size and the adjacent-hour smoothness constraint.
func solveHourly(prices []float64, units int, powerKW, totalOnlineHours float64) ([]float64, error) {
	n := float64(units)
	delta := smoothnessRatio * n

	c := make([]float64, hours)
	for h, p := range prices {
		c[h] = p * powerKW
	}

	// Inequalities G x <= h: upper bounds, non-negativity, and both
	// directions of the smoothness bound.
	rows := 2*hours + 2*(hours-1)
	g := mat.NewDense(rows, hours, nil)
	hvec := make([]float64, rows)
	for i := 0; i < hours; i++ {
		g.Set(i, i, 1)
		hvec[i] = n
		g.Set(hours+i, i, -1)
		hvec[hours+i] = 0
	}
	for i := 0; i < hours-1; i++ {
		r1 := 2*hours + i
		g.Set(r1, i+1, 1)
		g.Set(r1, i, -1)
		hvec[r1] = delta
		r2 := 2*hours + (hours - 1) + i
		g.Set(r2, i, 1)
		g.Set(r2, i+1, -1)
		hvec[r2] = delta
	}

	// Equality A x = b fixes the total online unit-hours for the day.
	a := mat.NewDense(1, hours, nil)
	for i := 0; i < hours; i++ {
		a.Set(0, i, 1)
	}
	b := []float64{totalOnlineHours}

	cStd, aStd, bStd := lp.Convert(c, g, hvec, a, b)
	_, sol, err := lp.Simplex(cStd, aStd, bStd, 1e-7, nil)
	if err != nil {
		return nil, err
	}
	// Convert splits each free variable into a positive pair.
	x := make([]float64, hours)
	for i := range x {
		x[i] = sol[i] - sol[hours+i]
	}
	return x, nil
}

// lpSolve points to the solver function so tests can simulate failures.
var lpSolve = solveHourly

// Optimizer computes daily curtailment schedules.
type Optimizer struct{}

// Optimize computes the cost-minimal hourly online counts for the request.
// A solver failure at both the target and the minimum uptime level yields
// the all-online fallback with StatusInfeasible instead of an error.
func (Optimizer) Optimize(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	status := StatusOptimal
	target := hours * float64(req.Units) * req.TargetUptime
	x, err := lpSolve(req.HourlyPrices, req.Units, req.PowerPerUnitKW, target)
	if err != nil && req.MinUptime < req.TargetUptime {
		status = StatusFeasible
		target = hours * float64(req.Units) * req.MinUptime
		x, err = lpSolve(req.HourlyPrices, req.Units, req.PowerPerUnitKW, target)
	}
	if err != nil {
		return fallbackAllOnline(req), nil
	}

	counts := roundCounts(x, req.Units, target)
	smooth(counts, req.Units)
	return buildResult(req, counts, status), nil
}

// fallbackAllOnline keeps every unit running all day.
func fallbackAllOnline(req Request) Result {
	counts := make([]int, hours)
	for h := range counts {
		counts[h] = req.Units
	}
	return buildResult(req, counts, StatusInfeasible)
}

// roundCounts converts the continuous solution to integers by largest
// remainder, never dropping below the solved total online-hours.
func roundCounts(x []float64, units int, total float64) []int {
	counts := make([]int, hours)
	fracs := make([]struct {
		hour int
		frac float64
	}, 0, hours)
	sum := 0
	for h, v := range x {
		if v < 0 {
			v = 0
		}
		if v > float64(units) {
			v = float64(units)
		}
		f := math.Floor(v + 1e-9)
		counts[h] = int(f)
		sum += counts[h]
		fracs = append(fracs, struct {
			hour int
			frac float64
		}{h, v - f})
	}
	sort.SliceStable(fracs, func(i, j int) bool { return fracs[i].frac > fracs[j].frac })
	need := int(math.Ceil(total-1e-9)) - sum
	for _, f := range fracs {
		if need <= 0 {
			break
		}
		if counts[f.hour] < units {
			counts[f.hour]++
			need--
		}
	}
	// Residual can remain when many hours are already at the cap.
	for h := 0; need > 0 && h < hours; h++ {
		if counts[h] < units {
			counts[h]++
			need--
		}
	}
	return counts
}

// smooth repairs smoothness violations introduced by rounding. It only ever
// raises counts, so the uptime floor achieved by rounding is preserved.
func smooth(counts []int, units int) {
	// 0.3 is not exactly representable, so nudge before flooring to keep
	// the integer step equal to the LP's delta for multiples of 10.
	step := int(math.Floor(smoothnessRatio*float64(units) + 1e-9))
	for h := 1; h < hours; h++ {
		if counts[h] < counts[h-1]-step {
			counts[h] = counts[h-1] - step
		}
	}
	for h := hours - 1; h > 0; h-- {
		if counts[h-1] < counts[h]-step {
			counts[h-1] = counts[h] - step
		}
	}
}

func buildResult(req Request, counts []int, status Status) Result {
	var mean float64
	for _, p := range req.HourlyPrices {
		mean += p
	}
	mean /= hours

	res := Result{Status: status}
	onlineHours := 0
	for h := 0; h < hours; h++ {
		online := counts[h]
		power := float64(online) * req.PowerPerUnitKW
		cost := power * req.HourlyPrices[h]
		res.Hours[h] = HourPlan{
			Hour:       h,
			Price:      req.HourlyPrices[h],
			Online:     online,
			Offline:    req.Units - online,
			PowerKW:    power,
			Cost:       cost,
			IsPeakHour: req.HourlyPrices[h] > mean,
		}
		res.TotalCost += cost
		onlineHours += online
	}
	res.AchievedUptime = float64(onlineHours) / (float64(req.Units) * hours)
	return res
}

// Entries converts a result into persistable schedule rows for a plan/day.
func (r Result) Entries(planID string, date time.Time) []model.ScheduleEntry {
	day := date.UTC().Truncate(24 * time.Hour)
	entries := make([]model.ScheduleEntry, 0, hours)
	for _, h := range r.Hours {
		entries = append(entries, model.ScheduleEntry{
			PlanID:       planID,
			Date:         day,
			Hour:         h.Hour,
			Price:        h.Price,
			OnlineCount:  h.Online,
			OfflineCount: h.Offline,
			PowerKW:      h.PowerKW,
			IsPeakHour:   h.IsPeakHour,
		})
	}
	return entries
}
