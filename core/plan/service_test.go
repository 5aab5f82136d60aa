package plan_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minegrid/curtaild/core/lock"
	"github.com/minegrid/curtaild/core/model"
	"github.com/minegrid/curtaild/core/plan"
	"github.com/minegrid/curtaild/infra/command"
	"github.com/minegrid/curtaild/infra/store"
)

const siteID = "site-1"

func perfStrategy() model.Strategy {
	return model.Strategy{
		ID:     "strat-1",
		SiteID: siteID,
		Type:   model.StrategyPerformancePriority,
		Active: true,
	}
}

type fixture struct {
	svc    *plan.Service
	stores plan.Stores
	units  *store.MemoryUnits
	mock   *command.MockChannel
}

// newFixture builds a service over memory stores with ten active 3 kW
// units on one site.
func newFixture(t *testing.T, opts ...plan.Option) *fixture {
	t.Helper()
	stores := store.NewMemory()
	units := stores.Units.(*store.MemoryUnits)
	for i := 1; i <= 10; i++ {
		units.Add(model.Unit{
			ID:               fmt.Sprintf("u%02d", i),
			CustomerID:       "cust-1",
			SiteID:           siteID,
			PowerKW:          3.0,
			HashrateTH:       100,
			PerformanceScore: float64(i),
			Tier:             model.TierStandard,
			Status:           model.UnitActive,
		})
	}
	mock := command.NewMockChannel()
	svc, err := plan.NewService(stores, mock, lock.NewMemoryLocker(), plan.Config{
		LockTTL:    time.Second,
		AckTimeout: 50 * time.Millisecond,
	}, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{svc: svc, stores: stores, units: units, mock: mock}
}

func (f *fixture) create(t *testing.T, req plan.CreateRequest) model.Plan {
	t.Helper()
	if req.SiteID == "" {
		req.SiteID = siteID
	}
	if req.Strategy.ID == "" {
		req.Strategy = perfStrategy()
	}
	if req.TargetReductionKW == 0 {
		req.TargetReductionKW = 9.0
	}
	if req.Mode == "" {
		req.Mode = model.ModeAuto
	}
	if req.ScheduledStart.IsZero() {
		req.ScheduledStart = time.Now()
	}
	p, err := f.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return p
}

func TestCreate_AutoModeSelfApproves(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, plan.CreateRequest{Mode: model.ModeAuto, CreatedBy: "scheduler"})
	if p.Status != model.PlanApproved {
		t.Fatalf("expected approved, got %s", p.Status)
	}
	if p.ApprovedBy != "scheduler" {
		t.Fatalf("expected self-approval by creator, got %q", p.ApprovedBy)
	}
}

func TestCreate_ManualModeNeedsApproval(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, plan.CreateRequest{Mode: model.ModeManual})
	if p.Status != model.PlanPending {
		t.Fatalf("expected pending, got %s", p.Status)
	}
	if err := f.svc.Execute(context.Background(), p.ID); err == nil {
		t.Fatal("expected execute on pending manual plan to fail")
	}
	if err := f.svc.Approve(context.Background(), p.ID, "operator"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanApproved || got.ApprovedBy != "operator" {
		t.Fatalf("unexpected plan after approval: %+v", got)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		req  plan.CreateRequest
	}{
		{"empty site", plan.CreateRequest{Strategy: perfStrategy(), TargetReductionKW: 9, Mode: model.ModeAuto}},
		{"zero target", plan.CreateRequest{SiteID: siteID, Strategy: perfStrategy(), Mode: model.ModeAuto}},
		{"bad mode", plan.CreateRequest{SiteID: siteID, Strategy: perfStrategy(), TargetReductionKW: 9, Mode: "yolo"}},
		{"inactive strategy", plan.CreateRequest{SiteID: siteID, Strategy: model.Strategy{ID: "s", Type: model.StrategyPerformancePriority}, TargetReductionKW: 9, Mode: model.ModeAuto}},
		{"foreign strategy", plan.CreateRequest{SiteID: siteID, Strategy: model.Strategy{ID: "s", SiteID: "other", Type: model.StrategyPerformancePriority, Active: true}, TargetReductionKW: 9, Mode: model.ModeAuto}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.req.ScheduledStart.IsZero() {
				tc.req.ScheduledStart = time.Now()
			}
			_, err := f.svc.Create(context.Background(), tc.req)
			var verr model.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestExecute_CurtailsLowestPerformers(t *testing.T) {
	f := newFixture(t)
	end := time.Now().Add(4 * time.Hour)
	p := f.create(t, plan.CreateRequest{ScheduledEnd: &end})

	if err := f.svc.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanExecuting {
		t.Fatalf("expected executing, got %s", got.Status)
	}
	if got.CalculatedReductionKW != 9.0 {
		t.Fatalf("expected 9.0 kW shed, got %v", got.CalculatedReductionKW)
	}
	// 9 kW at 3 kW per unit takes exactly the three worst performers.
	for _, id := range []string{"u01", "u02", "u03"} {
		if a, ok := f.mock.Sent(id); !ok || a != model.ActionShutdown {
			t.Fatalf("expected shutdown for %s, got %v %v", id, a, ok)
		}
		u, err := f.stores.Units.Get(context.Background(), id)
		if err != nil || u.Status != model.UnitMaintenance {
			t.Fatalf("expected %s in maintenance, got %v %v", id, u.Status, err)
		}
	}
	if _, ok := f.mock.Sent("u04"); ok {
		t.Fatal("u04 should not have been commanded")
	}
	execs, _ := f.stores.Executions.ListByPlan(context.Background(), p.ID)
	if len(execs) != 3 {
		t.Fatalf("expected 3 execution rows, got %d", len(execs))
	}
	for _, e := range execs {
		if e.Status != model.ExecutionSuccess || e.PowerSavedKW != 3.0 {
			t.Fatalf("unexpected execution row: %+v", e)
		}
	}
}

func TestExecute_SelfRecoveryWithoutEndTime(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, plan.CreateRequest{})

	if err := f.svc.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	for _, id := range []string{"u01", "u02", "u03"} {
		u, _ := f.stores.Units.Get(context.Background(), id)
		if u.Status != model.UnitActive {
			t.Fatalf("expected %s recovered to active, got %s", id, u.Status)
		}
	}
	execs, _ := f.stores.Executions.ListByPlan(context.Background(), p.ID)
	shutdowns, startups := 0, 0
	for _, e := range execs {
		switch e.Action {
		case model.ActionShutdown:
			shutdowns++
		case model.ActionStartup:
			startups++
		}
	}
	if shutdowns != 3 || startups != 3 {
		t.Fatalf("expected 3 shutdowns and 3 startups, got %d/%d", shutdowns, startups)
	}
}

func TestExecute_InvalidStates(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, plan.CreateRequest{})
	if err := f.svc.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Completed now; a second execute must be refused without touching units.
	before, _ := f.stores.Executions.ListByPlan(context.Background(), p.ID)
	err := f.svc.Execute(context.Background(), p.ID)
	var serr plan.StateError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StateError, got %v", err)
	}
	after, _ := f.stores.Executions.ListByPlan(context.Background(), p.ID)
	if len(after) != len(before) {
		t.Fatalf("state misuse must not add execution rows: %d -> %d", len(before), len(after))
	}

	if err := f.svc.Execute(context.Background(), "nope"); !errors.Is(err, plan.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecute_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	end := time.Now().Add(time.Hour)
	p := f.create(t, plan.CreateRequest{ScheduledEnd: &end})

	const racers = 8
	var wg sync.WaitGroup
	var wins, rejections int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.svc.Execute(context.Background(), p.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, plan.ErrLockContention):
				atomic.AddInt32(&rejections, 1)
			default:
				var serr plan.StateError
				if errors.As(err, &serr) {
					atomic.AddInt32(&rejections, 1)
				} else {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	if wins != 1 || wins+rejections != racers {
		t.Fatalf("expected exactly one winner, got %d wins %d rejections", wins, rejections)
	}
	execs, _ := f.stores.Executions.ListByPlan(context.Background(), p.ID)
	if len(execs) != 3 {
		t.Fatalf("units must be commanded once each, got %d rows", len(execs))
	}
}

func TestExecute_PartialFailureRecordsBoth(t *testing.T) {
	f := newFixture(t)
	end := time.Now().Add(time.Hour)
	p := f.create(t, plan.CreateRequest{ScheduledEnd: &end})
	f.mock.NackIDs["u02"] = true

	if err := f.svc.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute with partial failure should succeed: %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanExecuting {
		t.Fatalf("expected executing, got %s", got.Status)
	}
	if got.CalculatedReductionKW != 6.0 {
		t.Fatalf("only acknowledged units count: expected 6.0, got %v", got.CalculatedReductionKW)
	}
	u, _ := f.stores.Units.Get(context.Background(), "u02")
	if u.Status != model.UnitActive {
		t.Fatalf("failed unit must stay active, got %s", u.Status)
	}
	execs, _ := f.stores.Executions.ListByPlan(context.Background(), p.ID)
	failed := 0
	for _, e := range execs {
		if e.Status == model.ExecutionFailed {
			failed++
			if e.UnitID != "u02" || e.ErrorMessage == "" {
				t.Fatalf("unexpected failed row: %+v", e)
			}
		}
	}
	if len(execs) != 3 || failed != 1 {
		t.Fatalf("expected 3 rows with 1 failure, got %d/%d", len(execs), failed)
	}
}

func TestExecute_TotalFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	end := time.Now().Add(time.Hour)
	p := f.create(t, plan.CreateRequest{ScheduledEnd: &end})
	for i := 1; i <= 10; i++ {
		f.mock.FailSends[fmt.Sprintf("u%02d", i)] = true
	}

	err := f.svc.Execute(context.Background(), p.ID)
	if !errors.Is(err, plan.ErrAllUnitsFailed) {
		t.Fatalf("expected ErrAllUnitsFailed, got %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanPending {
		t.Fatalf("expected rollback to pending, got %s", got.Status)
	}
	execs, _ := f.stores.Executions.ListByPlan(context.Background(), p.ID)
	if len(execs) != 0 {
		t.Fatalf("total failure must not persist execution rows, got %d", len(execs))
	}
	units, _ := f.stores.Units.ListBySite(context.Background(), siteID)
	for _, u := range units {
		if u.Status != model.UnitActive {
			t.Fatalf("unit %s must stay active, got %s", u.ID, u.Status)
		}
	}

	// Auto plans retry from pending once the channel heals.
	f.mock.FailSends = map[string]bool{}
	if err := f.svc.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}

func TestRecover_CompletesPlan(t *testing.T) {
	f := newFixture(t)
	end := time.Now().Add(time.Hour)
	p := f.create(t, plan.CreateRequest{ScheduledEnd: &end})
	if err := f.svc.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if err := f.svc.Recover(context.Background(), p.ID); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	for _, id := range []string{"u01", "u02", "u03"} {
		u, _ := f.stores.Units.Get(context.Background(), id)
		if u.Status != model.UnitActive {
			t.Fatalf("expected %s active, got %s", id, u.Status)
		}
	}
}

func TestRecover_PartialThenRetry(t *testing.T) {
	f := newFixture(t)
	end := time.Now().Add(time.Hour)
	p := f.create(t, plan.CreateRequest{ScheduledEnd: &end})
	if err := f.svc.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	f.mock.NackIDs["u03"] = true
	err := f.svc.Recover(context.Background(), p.ID)
	if !errors.Is(err, plan.ErrRecoveryIncomplete) {
		t.Fatalf("expected ErrRecoveryIncomplete, got %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanRecoveryPending {
		t.Fatalf("expected recovery_pending, got %s", got.Status)
	}
	u, _ := f.stores.Units.Get(context.Background(), "u03")
	if u.Status != model.UnitMaintenance {
		t.Fatalf("unrecovered unit must stay in maintenance, got %s", u.Status)
	}

	// The retry only touches the unit still down.
	delete(f.mock.NackIDs, "u03")
	before, _ := f.stores.Executions.ListByPlan(context.Background(), p.ID)
	if err := f.svc.Recover(context.Background(), p.ID); err != nil {
		t.Fatalf("retry recover: %v", err)
	}
	after, _ := f.stores.Executions.ListByPlan(context.Background(), p.ID)
	if len(after)-len(before) != 1 {
		t.Fatalf("retry should add exactly one startup row, added %d", len(after)-len(before))
	}
	got, _ = f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanCompleted {
		t.Fatalf("expected completed after retry, got %s", got.Status)
	}
}

func TestRecover_WrongState(t *testing.T) {
	f := newFixture(t)
	end := time.Now().Add(time.Hour)
	p := f.create(t, plan.CreateRequest{ScheduledEnd: &end})
	err := f.svc.Recover(context.Background(), p.ID)
	var serr plan.StateError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StateError for approved plan, got %v", err)
	}
}

func TestCancel_BeforeExecution(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, plan.CreateRequest{Mode: model.ModeManual})
	if err := f.svc.Cancel(context.Background(), p.ID, "operator", "grid event over"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanCancelled || got.CancelledBy != "operator" || got.CancelReason != "grid event over" {
		t.Fatalf("unexpected cancelled plan: %+v", got)
	}
	// Terminal: nothing else may run.
	if err := f.svc.Cancel(context.Background(), p.ID, "operator", "again"); err == nil {
		t.Fatal("expected cancel on cancelled plan to fail")
	}
}

func TestCancel_DuringExecutionRecoversFirst(t *testing.T) {
	f := newFixture(t)
	end := time.Now().Add(time.Hour)
	p := f.create(t, plan.CreateRequest{ScheduledEnd: &end})
	if err := f.svc.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if err := f.svc.Cancel(context.Background(), p.ID, "operator", "manual abort"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	for _, id := range []string{"u01", "u02", "u03"} {
		u, _ := f.stores.Units.Get(context.Background(), id)
		if u.Status != model.UnitActive {
			t.Fatalf("cancel must recover %s first, got %s", id, u.Status)
		}
	}
}

func TestCancel_BlockedByFailedRecovery(t *testing.T) {
	f := newFixture(t)
	end := time.Now().Add(time.Hour)
	p := f.create(t, plan.CreateRequest{ScheduledEnd: &end})
	if err := f.svc.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	f.mock.NackIDs["u01"] = true
	err := f.svc.Cancel(context.Background(), p.ID, "operator", "abort")
	if !errors.Is(err, plan.ErrRecoveryIncomplete) {
		t.Fatalf("expected ErrRecoveryIncomplete, got %v", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanRecoveryPending {
		t.Fatalf("expected recovery_pending, got %s", got.Status)
	}

	delete(f.mock.NackIDs, "u01")
	if err := f.svc.Cancel(context.Background(), p.ID, "operator", "abort"); err != nil {
		t.Fatalf("cancel retry: %v", err)
	}
	got, _ = f.svc.Get(context.Background(), p.ID)
	if got.Status != model.PlanCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

// downLocker simulates an unreachable lock backend.
type downLocker struct{}

func (downLocker) Acquire(context.Context, string, time.Duration) (string, error) {
	return "", lock.ErrUnavailable
}
func (downLocker) Release(context.Context, string, string) (bool, error) {
	return false, lock.ErrUnavailable
}
func (downLocker) Refresh(context.Context, string, string, time.Duration) (bool, error) {
	return false, lock.ErrUnavailable
}

func TestExecute_LockOutage(t *testing.T) {
	stores := store.NewMemory()
	units := stores.Units.(*store.MemoryUnits)
	units.Add(model.Unit{ID: "u01", CustomerID: "c", SiteID: siteID, PowerKW: 3, Status: model.UnitActive, Tier: model.TierStandard})
	mock := command.NewMockChannel()

	strict, err := plan.NewService(stores, mock, downLocker{}, plan.Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	end := time.Now().Add(time.Hour)
	p, err := strict.Create(context.Background(), plan.CreateRequest{
		SiteID: siteID, Strategy: perfStrategy(), TargetReductionKW: 3,
		Mode: model.ModeAuto, ScheduledStart: time.Now(), ScheduledEnd: &end,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := strict.Execute(context.Background(), p.ID); !errors.Is(err, lock.ErrUnavailable) {
		t.Fatalf("default must refuse to run without the lock, got %v", err)
	}

	degraded, err := plan.NewService(stores, mock, downLocker{}, plan.Config{DegradeOnLockOutage: true})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := degraded.Execute(context.Background(), p.ID); err != nil {
		t.Fatalf("degraded mode should proceed: %v", err)
	}
}
