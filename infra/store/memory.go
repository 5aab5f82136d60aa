// Package store provides the persistence implementations behind the plan
// service: an in-memory variant for tests and single-process use, and a
// SQLite variant for durable deployments.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/minegrid/curtaild/core/model"
	"github.com/minegrid/curtaild/core/plan"
)

// NewMemory creates an empty in-memory store group. Each store is
// mutex-guarded and copies values in and out.
func NewMemory() plan.Stores {
	return plan.Stores{
		Plans:      &MemoryPlans{plans: make(map[string]model.Plan)},
		Executions: &MemoryExecutions{execs: make(map[string][]model.Execution)},
		Units:      &MemoryUnits{units: make(map[string]model.Unit)},
		Schedules:  &MemorySchedules{entries: make(map[scheduleKey][]model.ScheduleEntry)},
	}
}

// MemoryPlans implements plan.PlanStore.
type MemoryPlans struct {
	mu    sync.RWMutex
	plans map[string]model.Plan
}

func (m *MemoryPlans) Create(_ context.Context, p model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
	return nil
}

func (m *MemoryPlans) Get(_ context.Context, id string) (model.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return model.Plan{}, plan.ErrNotFound
	}
	return p, nil
}

func (m *MemoryPlans) Update(_ context.Context, p model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.ID]; !ok {
		return plan.ErrNotFound
	}
	m.plans[p.ID] = p
	return nil
}

// UpdateStatus is the compare-and-set behind concurrent execution safety.
func (m *MemoryPlans) UpdateStatus(_ context.Context, id string, from, to model.PlanStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return false, plan.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	m.plans[id] = p
	return true, nil
}

// MemoryExecutions implements plan.ExecutionStore.
type MemoryExecutions struct {
	mu    sync.RWMutex
	execs map[string][]model.Execution
}

func (m *MemoryExecutions) Append(_ context.Context, e model.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[e.PlanID] = append(m.execs[e.PlanID], e)
	return nil
}

func (m *MemoryExecutions) ListByPlan(_ context.Context, planID string) ([]model.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Execution(nil), m.execs[planID]...), nil
}

// MemoryUnits implements plan.UnitInventory.
type MemoryUnits struct {
	mu    sync.RWMutex
	units map[string]model.Unit
}

// Add seeds a unit record.
func (m *MemoryUnits) Add(u model.Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u
}

// Upsert inserts or replaces a unit record.
func (m *MemoryUnits) Upsert(_ context.Context, u model.Unit) error {
	m.Add(u)
	return nil
}

func (m *MemoryUnits) Get(_ context.Context, id string) (model.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return model.Unit{}, plan.ErrNotFound
	}
	return u, nil
}

func (m *MemoryUnits) ListBySite(_ context.Context, siteID string) ([]model.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var units []model.Unit
	for _, u := range m.units {
		if u.SiteID == siteID {
			units = append(units, u)
		}
	}
	return units, nil
}

func (m *MemoryUnits) SetStatus(_ context.Context, id string, status model.UnitStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return plan.ErrNotFound
	}
	u.Status = status
	m.units[id] = u
	return nil
}

type scheduleKey struct {
	planID string
	day    int64
}

// MemorySchedules implements plan.ScheduleStore.
type MemorySchedules struct {
	mu      sync.RWMutex
	entries map[scheduleKey][]model.ScheduleEntry
}

func (m *MemorySchedules) Replace(_ context.Context, planID string, day time.Time, entries []model.ScheduleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scheduleKey{planID, day.UTC().Truncate(24 * time.Hour).Unix()}
	m.entries[key] = append([]model.ScheduleEntry(nil), entries...)
	return nil
}

func (m *MemorySchedules) List(_ context.Context, planID string, day time.Time) ([]model.ScheduleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := scheduleKey{planID, day.UTC().Truncate(24 * time.Hour).Unix()}
	return append([]model.ScheduleEntry(nil), m.entries[key]...), nil
}
