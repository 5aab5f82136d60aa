package metrics

import (
	"time"

	coremetrics "github.com/minegrid/curtaild/core/metrics"
	"github.com/minegrid/curtaild/core/model"
)

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordExecutions forwards to all sinks, returning the first error.
func (m *MultiSink) RecordExecutions(events []coremetrics.ExecutionEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordExecutions(events); err != nil {
			return err
		}
	}
	return nil
}

// RecordPlanTransition forwards transitions to sinks that support them.
func (m *MultiSink) RecordPlanTransition(planID string, from, to model.PlanStatus, at time.Time) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.TransitionRecorder); ok {
			if err := rec.RecordPlanTransition(planID, from, to, at); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordOptimization forwards optimization runs to sinks that support them.
func (m *MultiSink) RecordOptimization(ev coremetrics.OptimizationEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.OptimizationRecorder); ok {
			if err := rec.RecordOptimization(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
