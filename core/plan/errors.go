package plan

import (
	"errors"
	"fmt"

	"github.com/minegrid/curtaild/core/model"
)

// ErrNotFound is returned by stores for unknown identifiers.
var ErrNotFound = errors.New("not found")

// ErrLockContention means another operation holds the plan's lock. The
// caller may retry or accept a skipped outcome.
var ErrLockContention = errors.New("plan is locked by another operation")

// ErrAllUnitsFailed means every unit command of an execution failed. The
// attempt is rolled back and the plan returns to its pre-call status.
var ErrAllUnitsFailed = errors.New("every unit command failed")

// ErrRecoveryIncomplete means some units are still powered down after a
// recovery attempt. The plan stays in recovery_pending for a retry.
var ErrRecoveryIncomplete = errors.New("recovery incomplete, some units still down")

// StateError reports an operation invoked against a plan whose status does
// not allow it. Every such misuse yields this one error kind.
type StateError struct {
	PlanID string
	Status model.PlanStatus
	Op     string
}

func (e StateError) Error() string {
	return fmt.Sprintf("plan %s: cannot %s from status %s", e.PlanID, e.Op, e.Status)
}
