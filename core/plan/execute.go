package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minegrid/curtaild/core/command"
	"github.com/minegrid/curtaild/core/econ"
	"github.com/minegrid/curtaild/core/events"
	"github.com/minegrid/curtaild/core/idempotency"
	"github.com/minegrid/curtaild/core/lock"
	"github.com/minegrid/curtaild/core/metrics"
	"github.com/minegrid/curtaild/core/model"
	"github.com/minegrid/curtaild/core/pricing"
	"github.com/minegrid/curtaild/core/schedule"
	"github.com/minegrid/curtaild/core/strategy"
)

const releaseTimeout = 5 * time.Second

func lockKey(planID string) string { return "curtailment:plan:" + planID }

// withLock serializes fn behind the distributed lock for key. The lock is
// refreshed on a heartbeat while fn runs and released afterwards even when
// the caller's context is already cancelled. When the backend is down and
// graceful degradation is enabled, fn runs unlocked and the degradation is
// published for auditing.
func (s *Service) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	token, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrUnavailable) && s.cfg.DegradeOnLockOutage {
			s.log.Warnf("lock backend unavailable for %s, proceeding unlocked: %v", key, err)
			if s.bus != nil {
				s.bus.Publish(events.LockDegraded{Key: key, Err: err})
			}
			return fn(ctx)
		}
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if token == "" {
		return ErrLockContention
	}

	stop := make(chan struct{})
	heartbeat := make(chan struct{})
	go func() {
		defer close(heartbeat)
		t := time.NewTicker(s.cfg.LockTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ok, err := s.locker.Refresh(ctx, key, token, s.cfg.LockTTL)
				if err != nil || !ok {
					s.log.Warnf("lock refresh for %s failed (held=%v): %v", key, ok, err)
				}
			}
		}
	}()
	defer func() {
		close(stop)
		<-heartbeat
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if _, err := s.locker.Release(rctx, key, token); err != nil {
			s.log.Errorf("release lock %s: %v", key, err)
		}
	}()
	return fn(ctx)
}

// Execute runs the plan's shutdown phase under its distributed lock.
func (s *Service) Execute(ctx context.Context, planID string) error {
	return s.withLock(ctx, lockKey(planID), func(ctx context.Context) error {
		return s.executeLocked(ctx, planID)
	})
}

func (s *Service) executeLocked(ctx context.Context, planID string) error {
	p, err := s.stores.Plans.Get(ctx, planID)
	if err != nil {
		return err
	}
	prev := p.Status
	allowed := prev == model.PlanApproved ||
		(prev == model.PlanPending && p.Mode == model.ModeAuto)
	if !allowed {
		return StateError{PlanID: planID, Status: prev, Op: "execute"}
	}
	ok, err := s.stores.Plans.UpdateStatus(ctx, planID, prev, model.PlanExecuting)
	if err != nil {
		return fmt.Errorf("execute plan: %w", err)
	}
	if !ok {
		// Lost the race to a concurrent executor.
		cur, gerr := s.stores.Plans.Get(ctx, planID)
		if gerr != nil {
			return gerr
		}
		return StateError{PlanID: planID, Status: cur.Status, Op: "execute"}
	}
	s.publishTransition(planID, prev, model.PlanExecuting)

	revert := func() {
		if _, err := s.stores.Plans.UpdateStatus(ctx, planID, model.PlanExecuting, model.PlanPending); err != nil {
			s.log.Errorf("plan %s: rollback to pending: %v", planID, err)
			return
		}
		s.publishTransition(planID, model.PlanExecuting, model.PlanPending)
	}

	units, err := s.stores.Units.ListBySite(ctx, p.SiteID)
	if err != nil {
		revert()
		return fmt.Errorf("list units for site %s: %w", p.SiteID, err)
	}
	sel, err := strategy.New(p.Strategy)
	if err != nil {
		revert()
		return err
	}
	selection, err := sel.Select(units, p.TargetReductionKW)
	if err != nil {
		revert()
		return err
	}
	if selection.Warning != "" {
		s.log.Warnf("plan %s: %s", planID, selection.Warning)
	}
	if len(selection.UnitIDs) == 0 {
		revert()
		return fmt.Errorf("plan %s: no eligible units on site %s", planID, p.SiteID)
	}

	byID := make(map[string]model.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}
	outcomes := s.dispatch(planID, selection.UnitIDs, byID, model.ActionShutdown)

	var rows []model.Execution
	var evs []metrics.ExecutionEvent
	var saved float64
	succeeded := 0
	for _, o := range outcomes {
		rows = append(rows, o.row)
		evs = append(evs, o.event)
		if o.ok {
			succeeded++
			saved += o.row.PowerSavedKW
		}
	}
	if succeeded == 0 {
		// Nothing changed in the field. Roll the attempt back wholesale:
		// no audit rows, plan returns to pending for a retry.
		revert()
		return ErrAllUnitsFailed
	}

	for _, o := range outcomes {
		if !o.ok {
			continue
		}
		if err := s.stores.Units.SetStatus(ctx, o.row.UnitID, model.UnitMaintenance); err != nil {
			s.log.Errorf("plan %s: mark unit %s curtailed: %v", planID, o.row.UnitID, err)
		}
	}
	for _, r := range rows {
		if err := s.stores.Executions.Append(ctx, r); err != nil {
			return fmt.Errorf("record execution: %w", err)
		}
	}
	p.Status = model.PlanExecuting
	p.CalculatedReductionKW = saved
	if err := s.stores.Plans.Update(ctx, p); err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if err := s.metrics.RecordExecutions(evs); err != nil {
		s.log.Errorf("execution metrics error: %v", err)
	}
	s.log.Infof("plan %s: curtailed %d/%d units, %.1f kW shed",
		planID, succeeded, len(selection.UnitIDs), saved)

	if p.ScheduledEnd == nil {
		// No end time means the plan recovers itself right away.
		return s.finishRecovery(ctx, planID, model.PlanExecuting)
	}
	return nil
}

// Recover powers the plan's curtailed units back up. It is valid while the
// plan is executing or stuck in recovery_pending, and may be retried until
// every unit is back online.
func (s *Service) Recover(ctx context.Context, planID string) error {
	return s.withLock(ctx, lockKey(planID), func(ctx context.Context) error {
		p, err := s.stores.Plans.Get(ctx, planID)
		if err != nil {
			return err
		}
		if p.Status != model.PlanExecuting && p.Status != model.PlanRecoveryPending {
			return StateError{PlanID: planID, Status: p.Status, Op: "recover"}
		}
		return s.finishRecovery(ctx, planID, p.Status)
	})
}

// finishRecovery starts every outstanding unit and settles the plan status:
// completed when the site is whole again, recovery_pending otherwise.
func (s *Service) finishRecovery(ctx context.Context, planID string, from model.PlanStatus) error {
	outstanding, err := s.outstandingUnits(ctx, planID)
	if err != nil {
		return err
	}
	failed, err := s.recoverUnits(ctx, planID, outstanding)
	if err != nil {
		return err
	}
	if failed > 0 {
		if _, err := s.stores.Plans.UpdateStatus(ctx, planID, from, model.PlanRecoveryPending); err != nil {
			return fmt.Errorf("mark recovery pending: %w", err)
		}
		if from != model.PlanRecoveryPending {
			s.publishTransition(planID, from, model.PlanRecoveryPending)
		}
		return fmt.Errorf("plan %s: %d unit(s) still down: %w", planID, failed, ErrRecoveryIncomplete)
	}
	ok, err := s.stores.Plans.UpdateStatus(ctx, planID, from, model.PlanCompleted)
	if err != nil {
		return fmt.Errorf("complete plan: %w", err)
	}
	if ok {
		s.publishTransition(planID, from, model.PlanCompleted)
	}
	return nil
}

// outstandingUnits returns the units this plan shut down that have not
// been started back up, filtered to those still held in maintenance. A
// unit released by an operator in the meantime is left alone.
func (s *Service) outstandingUnits(ctx context.Context, planID string) ([]model.Unit, error) {
	execs, err := s.stores.Executions.ListByPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	down := make(map[string]bool)
	for _, e := range execs {
		if e.Status != model.ExecutionSuccess {
			continue
		}
		switch e.Action {
		case model.ActionShutdown:
			down[e.UnitID] = true
		case model.ActionStartup:
			delete(down, e.UnitID)
		}
	}
	units := make([]model.Unit, 0, len(down))
	for id := range down {
		u, err := s.stores.Units.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if u.Status == model.UnitMaintenance {
			units = append(units, u)
		}
	}
	return units, nil
}

// recoverUnits dispatches startup commands for the given units and records
// every attempt. It returns the number of units that did not come back.
func (s *Service) recoverUnits(ctx context.Context, planID string, units []model.Unit) (int, error) {
	if len(units) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(units))
	byID := make(map[string]model.Unit, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
		byID[u.ID] = u
	}
	outcomes := s.dispatch(planID, ids, byID, model.ActionStartup)

	var evs []metrics.ExecutionEvent
	failed := 0
	for _, o := range outcomes {
		if err := s.stores.Executions.Append(ctx, o.row); err != nil {
			return 0, fmt.Errorf("record execution: %w", err)
		}
		evs = append(evs, o.event)
		if !o.ok {
			failed++
			continue
		}
		if err := s.stores.Units.SetStatus(ctx, o.row.UnitID, model.UnitActive); err != nil {
			s.log.Errorf("plan %s: mark unit %s active: %v", planID, o.row.UnitID, err)
		}
	}
	if err := s.metrics.RecordExecutions(evs); err != nil {
		s.log.Errorf("execution metrics error: %v", err)
	}
	s.log.Infof("plan %s: recovered %d/%d units", planID, len(units)-failed, len(units))
	return failed, nil
}

type outcome struct {
	row   model.Execution
	event metrics.ExecutionEvent
	ok    bool
}

// dispatch sends one command per unit concurrently and waits for every
// acknowledgment. Outcomes are collected under a mutex; nothing is
// persisted here so callers decide what an attempt commits.
func (s *Service) dispatch(planID string, unitIDs []string, byID map[string]model.Unit, action model.Action) []outcome {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []outcome
	)
	update := func(u model.Unit, ack bool, err error, dur time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		ok := err == nil && ack
		row := model.Execution{
			ID:        uuid.NewString(),
			PlanID:    planID,
			UnitID:    u.ID,
			Action:    action,
			Status:    model.ExecutionSuccess,
			Timestamp: s.now(),
		}
		if ok && action == model.ActionShutdown {
			row.PowerSavedKW = u.EffectivePowerKW()
		}
		if !ok {
			row.Status = model.ExecutionFailed
			if err == nil {
				err = command.ErrAckTimeout
			}
			row.ErrorMessage = err.Error()
		}
		outcomes = append(outcomes, outcome{
			row: row,
			event: metrics.ExecutionEvent{
				PlanID:       planID,
				UnitID:       u.ID,
				Action:       action,
				Success:      ok,
				PowerSavedKW: row.PowerSavedKW,
				Latency:      dur,
				Time:         row.Timestamp,
			},
			ok: ok,
		})
		if s.bus != nil {
			s.bus.Publish(events.UnitCommand{
				PlanID: planID, UnitID: u.ID, Action: action,
				Success: ok, Err: err, Latency: dur,
			})
		}
	}
	for _, id := range unitIDs {
		u, found := byID[id]
		if !found {
			continue
		}
		wg.Add(1)
		go func(u model.Unit) {
			defer wg.Done()
			start := time.Now()
			cmdID, err := s.commands.Send(u.ID, action)
			var ack bool
			if err == nil {
				ack, err = s.commands.WaitForAck(cmdID, s.cfg.AckTimeout)
			}
			update(u, ack, err, time.Since(start))
		}(u)
	}
	wg.Wait()
	return outcomes
}

// Cancel aborts a plan. A plan that already curtailed units must recover
// them before it is marked cancelled; until then it sits in
// recovery_pending and Cancel may be retried.
func (s *Service) Cancel(ctx context.Context, planID, actor, reason string) error {
	return s.withLock(ctx, lockKey(planID), func(ctx context.Context) error {
		p, err := s.stores.Plans.Get(ctx, planID)
		if err != nil {
			return err
		}
		from := p.Status
		if !model.CanTransition(from, model.PlanCancelled) {
			return StateError{PlanID: planID, Status: from, Op: "cancel"}
		}
		if from == model.PlanExecuting || from == model.PlanRecoveryPending {
			outstanding, err := s.outstandingUnits(ctx, planID)
			if err != nil {
				return err
			}
			failed, err := s.recoverUnits(ctx, planID, outstanding)
			if err != nil {
				return err
			}
			if failed > 0 {
				if _, err := s.stores.Plans.UpdateStatus(ctx, planID, from, model.PlanRecoveryPending); err != nil {
					return fmt.Errorf("mark recovery pending: %w", err)
				}
				if from != model.PlanRecoveryPending {
					s.publishTransition(planID, from, model.PlanRecoveryPending)
				}
				return fmt.Errorf("plan %s: cancel blocked, %d unit(s) still down: %w",
					planID, failed, ErrRecoveryIncomplete)
			}
			from = model.PlanRecoveryPending
			if p.Status == model.PlanExecuting {
				// Pass through recovery_pending so the audit trail shows
				// where the recovery happened.
				if _, err := s.stores.Plans.UpdateStatus(ctx, planID, model.PlanExecuting, model.PlanRecoveryPending); err != nil {
					return fmt.Errorf("mark recovery pending: %w", err)
				}
				s.publishTransition(planID, model.PlanExecuting, model.PlanRecoveryPending)
			}
		}
		ok, err := s.stores.Plans.UpdateStatus(ctx, planID, from, model.PlanCancelled)
		if err != nil {
			return fmt.Errorf("cancel plan: %w", err)
		}
		if !ok {
			cur, gerr := s.stores.Plans.Get(ctx, planID)
			if gerr != nil {
				return gerr
			}
			return StateError{PlanID: planID, Status: cur.Status, Op: "cancel"}
		}
		p, err = s.stores.Plans.Get(ctx, planID)
		if err != nil {
			return err
		}
		p.CancelledBy = actor
		p.CancelledAt = s.now()
		p.CancelReason = reason
		if err := s.stores.Plans.Update(ctx, p); err != nil {
			return fmt.Errorf("cancel plan: %w", err)
		}
		s.publishTransition(planID, from, model.PlanCancelled)
		return nil
	})
}

type refreshArgs struct {
	PlanID string `json:"plan_id"`
	Date   string `json:"date"`
}

// RefreshSchedule recomputes and persists the plan's hourly schedule for
// the given day. Refreshes are serialized per plan and replayed from the
// idempotency store within the TTL window, so a duplicated trigger does
// not rewrite the schedule twice.
func (s *Service) RefreshSchedule(ctx context.Context, planID string, date time.Time) (schedule.Result, error) {
	if s.prices == nil {
		return schedule.Result{}, fmt.Errorf("plan %s: no price provider configured", planID)
	}
	if s.stores.Schedules == nil {
		return schedule.Result{}, fmt.Errorf("plan %s: no schedule store configured", planID)
	}
	day := date.UTC().Truncate(24 * time.Hour)

	var res schedule.Result
	err := s.withLock(ctx, "curtailment:schedule:"+planID, func(ctx context.Context) error {
		compute := func(ctx context.Context) (schedule.Result, error) {
			return s.computeSchedule(ctx, planID, day)
		}
		var err error
		if s.idem != nil {
			args := refreshArgs{PlanID: planID, Date: day.Format("2006-01-02")}
			res, err = idempotency.Do(ctx, s.idem, "schedule_refresh", args, s.cfg.IdempotencyTTL, compute)
			return err
		}
		res, err = compute(ctx)
		return err
	})
	return res, err
}

func (s *Service) computeSchedule(ctx context.Context, planID string, day time.Time) (schedule.Result, error) {
	p, err := s.stores.Plans.Get(ctx, planID)
	if err != nil {
		return schedule.Result{}, err
	}
	if p.Status.Terminal() {
		return schedule.Result{}, StateError{PlanID: planID, Status: p.Status, Op: "refresh schedule"}
	}
	prices, err := s.prices.HourlyPrices(ctx, day)
	if err != nil {
		return schedule.Result{}, fmt.Errorf("fetch prices: %w", err)
	}
	units, err := s.stores.Units.ListBySite(ctx, p.SiteID)
	if err != nil {
		return schedule.Result{}, fmt.Errorf("list units for site %s: %w", p.SiteID, err)
	}
	n := 0
	var totalKW float64
	for _, u := range units {
		if u.Status != model.UnitActive {
			continue
		}
		n++
		totalKW += u.EffectivePowerKW()
	}
	if n == 0 {
		return schedule.Result{}, fmt.Errorf("plan %s: no active units on site %s", planID, p.SiteID)
	}
	res, err := s.optimizer.Optimize(ctx, schedule.Request{
		Units:          n,
		PowerPerUnitKW: totalKW / float64(n),
		HourlyPrices:   prices,
		TargetUptime:   s.cfg.TargetUptime,
		MinUptime:      s.cfg.MinUptime,
	})
	if err != nil {
		return schedule.Result{}, err
	}
	if err := s.stores.Schedules.Replace(ctx, planID, day, res.Entries(planID, day)); err != nil {
		return schedule.Result{}, fmt.Errorf("persist schedule: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(events.ScheduleComputed{PlanID: planID, Status: string(res.Status), Date: day})
	}
	if or, ok := s.metrics.(metrics.OptimizationRecorder); ok {
		if err := or.RecordOptimization(metrics.OptimizationEvent{
			PlanID:         planID,
			Status:         string(res.Status),
			AchievedUptime: res.AchievedUptime,
			TotalCost:      res.TotalCost,
			Time:           s.now(),
		}); err != nil {
			s.log.Errorf("optimization metrics error: %v", err)
		}
	}
	s.log.Infof("plan %s: schedule for %s computed (%s, uptime %.2f)",
		planID, day.Format("2006-01-02"), res.Status, res.AchievedUptime)
	return res, nil
}

// EstimateImpact previews the economics of executing the plan now, using
// the plan's strategy against the current fleet. Duration comes from the
// plan's window, defaulting to one hour for self-recovering plans.
func (s *Service) EstimateImpact(ctx context.Context, planID string, electricityRate float64) (econ.Impact, error) {
	p, err := s.stores.Plans.Get(ctx, planID)
	if err != nil {
		return econ.Impact{}, err
	}
	units, err := s.stores.Units.ListBySite(ctx, p.SiteID)
	if err != nil {
		return econ.Impact{}, fmt.Errorf("list units for site %s: %w", p.SiteID, err)
	}
	sel, err := strategy.New(p.Strategy)
	if err != nil {
		return econ.Impact{}, err
	}
	selection, err := sel.Select(units, p.TargetReductionKW)
	if err != nil {
		return econ.Impact{}, err
	}
	byID := make(map[string]model.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}
	selected := make([]model.Unit, 0, len(selection.UnitIDs))
	for _, id := range selection.UnitIDs {
		selected = append(selected, byID[id])
	}

	duration := 1.0
	if p.ScheduledEnd != nil {
		duration = p.ScheduledEnd.Sub(p.ScheduledStart).Hours()
	}
	in := econ.Input{
		Units:           selected,
		DurationHours:   duration,
		ElectricityRate: electricityRate,
	}
	if ep, ok := s.prices.(pricing.EconomicsProvider); ok {
		e, err := ep.Economics(ctx)
		if err != nil {
			return econ.Impact{}, fmt.Errorf("fetch economics: %w", err)
		}
		in.BTCPriceUSD = e.BTCPriceUSD
		in.YieldBTCPerTHHour = e.YieldBTCPerTHHour
	}
	return econ.Estimate(in), nil
}
