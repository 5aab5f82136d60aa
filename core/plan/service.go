// Package plan owns the curtailment plan lifecycle: creation, execution of
// unit shutdowns, recovery, and cancellation, all serialized by a
// distributed lock per plan.
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minegrid/curtaild/core/command"
	"github.com/minegrid/curtaild/core/events"
	"github.com/minegrid/curtaild/core/idempotency"
	"github.com/minegrid/curtaild/core/lock"
	"github.com/minegrid/curtaild/core/logger"
	"github.com/minegrid/curtaild/core/metrics"
	"github.com/minegrid/curtaild/core/model"
	"github.com/minegrid/curtaild/core/pricing"
	"github.com/minegrid/curtaild/core/schedule"
	"github.com/minegrid/curtaild/internal/eventbus"
)

// Config tunes the service's locking and execution behavior.
type Config struct {
	// LockTTL must exceed the worst-case execution time; it is refreshed
	// by a heartbeat while an operation runs.
	LockTTL    time.Duration
	AckTimeout time.Duration
	// IdempotencyTTL bounds how long a schedule refresh result is replayed.
	IdempotencyTTL time.Duration
	// DegradeOnLockOutage lets operations proceed without the lock when
	// the backend is unreachable. Explicit and audited, never a default.
	DegradeOnLockOutage bool
	TargetUptime        float64
	MinUptime           float64
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 10 * time.Minute
	}
	if c.TargetUptime <= 0 || c.TargetUptime > 1 {
		c.TargetUptime = 0.8
	}
	if c.MinUptime < 0 || c.MinUptime > c.TargetUptime {
		c.MinUptime = 0.5
	}
}

// Service drives the plan state machine.
type Service struct {
	stores    Stores
	commands  command.Channel
	locker    lock.Locker
	idem      idempotency.Store
	prices    pricing.PriceProvider
	optimizer schedule.Optimizer
	bus       eventbus.EventBus
	metrics   metrics.Sink
	log       logger.Logger
	cfg       Config
	now       func() time.Time
}

// NewService wires a plan service. Stores, the command channel and the
// locker are mandatory; bus, metrics, idempotency store and price provider
// may be nil when the corresponding feature is unused.
func NewService(stores Stores, commands command.Channel, locker lock.Locker, cfg Config, opts ...Option) (*Service, error) {
	if stores.Plans == nil || stores.Executions == nil || stores.Units == nil {
		return nil, fmt.Errorf("plan: nil store provided to NewService")
	}
	if commands == nil || locker == nil {
		return nil, fmt.Errorf("plan: nil command channel or locker provided to NewService")
	}
	cfg.SetDefaults()
	s := &Service{
		stores:   stores,
		commands: commands,
		locker:   locker,
		cfg:      cfg,
		metrics:  metrics.NopSink{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = nopLogger{}
	}
	return s, nil
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithBus publishes lifecycle events on the given bus.
func WithBus(bus eventbus.EventBus) Option { return func(s *Service) { s.bus = bus } }

// WithMetrics records execution outcomes on the given sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.metrics = sink
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(log logger.Logger) Option { return func(s *Service) { s.log = log } }

// WithPricing enables schedule refreshes using the given price provider.
func WithPricing(p pricing.PriceProvider) Option { return func(s *Service) { s.prices = p } }

// WithIdempotency enables replay protection for schedule refreshes.
func WithIdempotency(store idempotency.Store) Option {
	return func(s *Service) { s.idem = store }
}

// WithClock overrides the service clock, used in tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)         {}
func (nopLogger) Debugw(string, map[string]any) {}
func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}

// CreateRequest describes a new curtailment plan.
type CreateRequest struct {
	SiteID            string
	Strategy          model.Strategy
	TargetReductionKW float64
	Mode              model.ExecutionMode
	ScheduledStart    time.Time
	ScheduledEnd      *time.Time
	CreatedBy         string
}

// Create registers a new plan. Auto mode plans are self-approved;
// semi-auto and manual plans wait for an explicit approval.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Plan, error) {
	if req.SiteID == "" {
		return model.Plan{}, model.Validationf("site_id", "must not be empty")
	}
	if req.TargetReductionKW <= 0 {
		return model.Plan{}, model.Validationf("target_reduction_kw", "must be positive, got %v", req.TargetReductionKW)
	}
	switch req.Mode {
	case model.ModeAuto, model.ModeSemiAuto, model.ModeManual:
	default:
		return model.Plan{}, model.Validationf("execution_mode", "unknown mode %q", req.Mode)
	}
	if !req.Strategy.Active {
		return model.Plan{}, model.Validationf("strategy", "strategy %s is not active", req.Strategy.ID)
	}
	if req.Strategy.SiteID != "" && req.Strategy.SiteID != req.SiteID {
		return model.Plan{}, model.Validationf("strategy", "strategy belongs to site %s", req.Strategy.SiteID)
	}
	if req.ScheduledEnd != nil && !req.ScheduledEnd.After(req.ScheduledStart) {
		return model.Plan{}, model.Validationf("scheduled_end_time", "must be after scheduled_start_time")
	}

	now := s.now()
	p := model.Plan{
		ID:                uuid.NewString(),
		SiteID:            req.SiteID,
		Strategy:          req.Strategy,
		TargetReductionKW: req.TargetReductionKW,
		Mode:              req.Mode,
		Status:            model.PlanPending,
		ScheduledStart:    req.ScheduledStart,
		ScheduledEnd:      req.ScheduledEnd,
		CreatedBy:         req.CreatedBy,
		CreatedAt:         now,
	}
	if req.Mode == model.ModeAuto {
		p.Status = model.PlanApproved
		p.ApprovedBy = req.CreatedBy
		p.ApprovedAt = now
	}
	if err := s.stores.Plans.Create(ctx, p); err != nil {
		return model.Plan{}, fmt.Errorf("create plan: %w", err)
	}
	s.publishTransition(p.ID, "", p.Status)
	s.log.Infof("plan %s created for site %s (%.1f kW, %s)", p.ID, p.SiteID, p.TargetReductionKW, p.Mode)
	return p, nil
}

// Approve moves a pending plan to approved.
func (s *Service) Approve(ctx context.Context, planID, actor string) error {
	p, err := s.stores.Plans.Get(ctx, planID)
	if err != nil {
		return err
	}
	ok, err := s.stores.Plans.UpdateStatus(ctx, planID, model.PlanPending, model.PlanApproved)
	if err != nil {
		return fmt.Errorf("approve plan: %w", err)
	}
	if !ok {
		return StateError{PlanID: planID, Status: p.Status, Op: "approve"}
	}
	p.Status = model.PlanApproved
	p.ApprovedBy = actor
	p.ApprovedAt = s.now()
	if err := s.stores.Plans.Update(ctx, p); err != nil {
		return fmt.Errorf("approve plan: %w", err)
	}
	s.publishTransition(planID, model.PlanPending, model.PlanApproved)
	return nil
}

// Get returns the stored plan.
func (s *Service) Get(ctx context.Context, planID string) (model.Plan, error) {
	return s.stores.Plans.Get(ctx, planID)
}

func (s *Service) publishTransition(planID string, from, to model.PlanStatus) {
	at := s.now()
	if s.bus != nil {
		s.bus.Publish(events.PlanTransition{PlanID: planID, From: from, To: to, At: at})
	}
	if tr, ok := s.metrics.(metrics.TransitionRecorder); ok {
		if err := tr.RecordPlanTransition(planID, from, to, at); err != nil {
			s.log.Errorf("transition metrics error: %v", err)
		}
	}
}
