// Package command defines the abstract device command channel used to
// power units on and off. The physical protocol lives behind this
// interface; infra/command provides an MQTT implementation and a mock.
package command

import (
	"errors"
	"time"

	"github.com/minegrid/curtaild/core/model"
)

// ErrAckTimeout is returned when no acknowledgment arrives in time.
var ErrAckTimeout = errors.New("timeout waiting for ack")

// Channel sends power commands to units and tracks their acknowledgments.
type Channel interface {
	// Send dispatches a shutdown or startup command to the unit and
	// returns the command identifier used to track the acknowledgment.
	Send(unitID string, action model.Action) (commandID string, err error)

	// WaitForAck blocks until the command is acknowledged or the timeout
	// expires.
	WaitForAck(commandID string, timeout time.Duration) (bool, error)
}
