// Package events defines the payloads published on the internal event bus.
package events

import (
	"time"

	"github.com/minegrid/curtaild/core/model"
)

// PlanTransition is published whenever a plan changes status.
type PlanTransition struct {
	PlanID string
	From   model.PlanStatus
	To     model.PlanStatus
	At     time.Time
}

// UnitCommand is published for each unit-level command outcome.
type UnitCommand struct {
	PlanID  string
	UnitID  string
	Action  model.Action
	Success bool
	Err     error
	Latency time.Duration
}

// LockDegraded is published when an operation proceeds without its
// distributed lock because the backend was unreachable.
type LockDegraded struct {
	Key string
	Err error
}

// ScheduleComputed is published after an optimization run is persisted.
type ScheduleComputed struct {
	PlanID string
	Status string
	Date   time.Time
}
