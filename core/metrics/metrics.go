// Package metrics defines the observability sink interfaces implemented by
// infra/metrics.
package metrics

import (
	"time"

	"github.com/minegrid/curtaild/core/model"
)

// Config selects and configures the metric backends.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}

// ExecutionEvent represents a per-unit command outcome to be recorded.
type ExecutionEvent struct {
	PlanID       string
	UnitID       string
	Action       model.Action
	Success      bool
	PowerSavedKW float64
	Latency      time.Duration
	Time         time.Time
}

// Sink records unit execution outcomes for observability purposes.
type Sink interface {
	RecordExecutions(events []ExecutionEvent) error
}

// TransitionRecorder is implemented by sinks able to record plan lifecycle
// transitions.
type TransitionRecorder interface {
	RecordPlanTransition(planID string, from, to model.PlanStatus, at time.Time) error
}

// OptimizationEvent captures one schedule optimization run.
type OptimizationEvent struct {
	PlanID         string
	Status         string
	AchievedUptime float64
	TotalCost      float64
	Time           time.Time
}

// OptimizationRecorder records schedule optimization runs.
type OptimizationRecorder interface {
	RecordOptimization(ev OptimizationEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordExecutions([]ExecutionEvent) error { return nil }

func (NopSink) RecordPlanTransition(string, model.PlanStatus, model.PlanStatus, time.Time) error {
	return nil
}

func (NopSink) RecordOptimization(OptimizationEvent) error { return nil }
