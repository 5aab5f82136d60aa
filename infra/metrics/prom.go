// Package metrics provides the Prometheus and InfluxDB implementations of
// the core metrics sinks.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/minegrid/curtaild/core/metrics"
	"github.com/minegrid/curtaild/core/model"
)

// PromSink records curtailment activity in Prometheus metrics.
type PromSink struct {
	executions  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	powerSaved  prometheus.Counter
	transitions *prometheus.CounterVec
	uptime      prometheus.Gauge
}

// NewPromSink registers the metrics on the default Prometheus registerer.
// The Prometheus server is started separately using cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (*PromSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "curtailment_executions_total",
		Help: "Total number of unit power commands",
	}, []string{"action", "success"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "curtailment_command_latency_seconds",
		Help:    "Time between command send and acknowledgment",
		Buckets: prometheus.DefBuckets,
	}, []string{"action", "success"})
	powerSaved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "curtailment_power_saved_kw_total",
		Help: "Cumulative power shed by successful shutdowns",
	})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "curtailment_plan_transitions_total",
		Help: "Total number of plan status transitions",
	}, []string{"from", "to"})
	uptime := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "curtailment_schedule_uptime_ratio",
		Help: "Achieved uptime of the most recent schedule optimization",
	})

	if err := register(reg, &executions); err != nil {
		return nil, err
	}
	if err := register(reg, &latency); err != nil {
		return nil, err
	}
	if err := register(reg, &powerSaved); err != nil {
		return nil, err
	}
	if err := register(reg, &transitions); err != nil {
		return nil, err
	}
	if err := register(reg, &uptime); err != nil {
		return nil, err
	}
	return &PromSink{
		executions:  executions,
		latency:     latency,
		powerSaved:  powerSaved,
		transitions: transitions,
		uptime:      uptime,
	}, nil
}

// register adds the collector, reusing an existing one on duplicate
// registration so repeated sink construction in tests does not fail.
func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			*c = are.ExistingCollector.(C)
			return nil
		}
		return err
	}
	return nil
}

// RecordExecutions increments the command counters and latency histogram.
func (s *PromSink) RecordExecutions(events []coremetrics.ExecutionEvent) error {
	for _, e := range events {
		ok := strconv.FormatBool(e.Success)
		s.executions.WithLabelValues(string(e.Action), ok).Inc()
		s.latency.WithLabelValues(string(e.Action), ok).Observe(e.Latency.Seconds())
		if e.Success && e.Action == model.ActionShutdown {
			s.powerSaved.Add(e.PowerSavedKW)
		}
	}
	return nil
}

// RecordPlanTransition counts a plan status transition.
func (s *PromSink) RecordPlanTransition(_ string, from, to model.PlanStatus, _ time.Time) error {
	s.transitions.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// RecordOptimization exposes the achieved uptime of the latest run.
func (s *PromSink) RecordOptimization(ev coremetrics.OptimizationEvent) error {
	s.uptime.Set(ev.AchievedUptime)
	return nil
}
