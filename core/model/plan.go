package model

import "time"

// PlanStatus is a node in the plan lifecycle state machine.
type PlanStatus string

const (
	PlanPending         PlanStatus = "pending"
	PlanApproved        PlanStatus = "approved"
	PlanExecuting       PlanStatus = "executing"
	PlanRecoveryPending PlanStatus = "recovery_pending"
	PlanCompleted       PlanStatus = "completed"
	PlanCancelled       PlanStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanCancelled
}

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanPending:         {PlanApproved, PlanExecuting, PlanCancelled},
	PlanApproved:        {PlanExecuting, PlanCancelled},
	PlanExecuting:       {PlanCompleted, PlanRecoveryPending, PlanCancelled, PlanPending},
	PlanRecoveryPending: {PlanCompleted, PlanRecoveryPending, PlanCancelled},
}

// CanTransition reports whether the state machine allows moving from one
// status to another. RecoveryPending may re-enter itself for retries, and
// Executing may fall back to Pending when every unit command failed.
func CanTransition(from, to PlanStatus) bool {
	for _, s := range planTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ExecutionMode controls how a plan reaches the approved state.
type ExecutionMode string

const (
	ModeAuto     ExecutionMode = "auto"
	ModeSemiAuto ExecutionMode = "semi_auto"
	ModeManual   ExecutionMode = "manual"
)

// Plan is a single curtailment request against a site. Plans are never
// deleted; they only reach a terminal status.
type Plan struct {
	ID                    string
	SiteID                string
	Strategy              Strategy
	TargetReductionKW     float64
	Mode                  ExecutionMode
	Status                PlanStatus
	ScheduledStart        time.Time
	ScheduledEnd          *time.Time // nil means the plan self-recovers right after execution
	CalculatedReductionKW float64
	CreatedBy             string
	CreatedAt             time.Time
	ApprovedBy            string
	ApprovedAt            time.Time
	CancelledBy           string
	CancelledAt           time.Time
	CancelReason          string
}

// Action is the direction of a unit state change.
type Action string

const (
	ActionShutdown Action = "shutdown"
	ActionStartup  Action = "startup"
)

// ExecutionStatus records whether a single unit command succeeded.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Execution is one append-only audit row per attempted unit state change.
// The set of units with a successful shutdown and no later successful
// startup is exactly the set a plan still has to recover.
type Execution struct {
	ID           string
	PlanID       string
	UnitID       string
	Action       Action
	Status       ExecutionStatus
	PowerSavedKW float64
	ErrorMessage string
	Timestamp    time.Time
}
