package command

import (
	"fmt"
	"sync"
	"time"

	"github.com/minegrid/curtaild/core/model"
)

// MockChannel is a command channel used in tests. FailSends rejects the
// publish itself; NackIDs delivers the command but withholds the ack.
type MockChannel struct {
	Commands   map[string]model.Action
	FailSends  map[string]bool
	NackIDs    map[string]bool
	AckResults map[string]bool
	mu         sync.Mutex
}

// NewMockChannel creates an empty MockChannel.
func NewMockChannel() *MockChannel {
	return &MockChannel{
		Commands:   make(map[string]model.Action),
		FailSends:  make(map[string]bool),
		NackIDs:    make(map[string]bool),
		AckResults: make(map[string]bool),
	}
}

// Send records the command or fails if configured to.
func (m *MockChannel) Send(unitID string, action model.Action) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSends[unitID] {
		return "", fmt.Errorf("publish failed")
	}
	m.Commands[unitID] = action
	commandID := fmt.Sprintf("cmd-%s-%s", unitID, action)
	m.AckResults[commandID] = !m.NackIDs[unitID]
	return commandID, nil
}

// WaitForAck returns the configured acknowledgment immediately.
func (m *MockChannel) WaitForAck(commandID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	ok, exists := m.AckResults[commandID]
	m.mu.Unlock()
	if !exists {
		return false, fmt.Errorf("unknown command")
	}
	return ok, nil
}

// Sent returns the last action recorded for a unit.
func (m *MockChannel) Sent(unitID string) (model.Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Commands[unitID]
	return a, ok
}
