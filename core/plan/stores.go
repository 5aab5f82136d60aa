package plan

import (
	"context"
	"time"

	"github.com/minegrid/curtaild/core/model"
)

// PlanStore persists plans. UpdateStatus is a compare-and-set so two
// concurrent executors cannot both move the same plan into executing.
type PlanStore interface {
	Create(ctx context.Context, p model.Plan) error
	Get(ctx context.Context, id string) (model.Plan, error)
	Update(ctx context.Context, p model.Plan) error
	UpdateStatus(ctx context.Context, id string, from, to model.PlanStatus) (bool, error)
}

// ExecutionStore is the append-only audit of unit state changes.
type ExecutionStore interface {
	Append(ctx context.Context, e model.Execution) error
	ListByPlan(ctx context.Context, planID string) ([]model.Execution, error)
}

// UnitInventory is the fleet-inventory collaborator. Only status
// transitions are written by this subsystem.
type UnitInventory interface {
	Get(ctx context.Context, id string) (model.Unit, error)
	ListBySite(ctx context.Context, siteID string) ([]model.Unit, error)
	SetStatus(ctx context.Context, id string, status model.UnitStatus) error
}

// ScheduleStore persists optimizer output, replacing any prior rows for
// the plan/day wholesale.
type ScheduleStore interface {
	Replace(ctx context.Context, planID string, day time.Time, entries []model.ScheduleEntry) error
	List(ctx context.Context, planID string, day time.Time) ([]model.ScheduleEntry, error)
}

// Stores groups the persistence dependencies of the service.
type Stores struct {
	Plans      PlanStore
	Executions ExecutionStore
	Units      UnitInventory
	Schedules  ScheduleStore
}
