// Package app wires the configured infrastructure into a running
// curtailment engine.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/minegrid/curtaild/config"
	"github.com/minegrid/curtaild/core/idempotency"
	"github.com/minegrid/curtaild/core/lock"
	"github.com/minegrid/curtaild/core/plan"
	corepricing "github.com/minegrid/curtaild/core/pricing"
	"github.com/minegrid/curtaild/core/swr"
	"github.com/minegrid/curtaild/infra/command"
	"github.com/minegrid/curtaild/infra/logger"
	"github.com/minegrid/curtaild/infra/metrics"
	"github.com/minegrid/curtaild/infra/pricing"
	"github.com/minegrid/curtaild/infra/redis"
	"github.com/minegrid/curtaild/infra/store"
	"github.com/minegrid/curtaild/internal/eventbus"
)

// Service owns the wired plan service and its infrastructure.
type Service struct {
	Plans  *plan.Service
	Stores plan.Stores

	bus         eventbus.EventBus
	log         logger.Logger
	channel     *command.MQTTChannel
	sqlite      *store.SQLite
	promEnabled bool
	promPort    string
	rate        float64
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")
	channel, err := command.NewMQTTChannel(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("command channel: %w", err)
	}

	svc := &Service{
		bus:         eventbus.New(),
		log:         logg,
		channel:     channel,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promPort:    cfg.Metrics.PrometheusPort,
		rate:        cfg.Pricing.ElectricityRate,
	}

	var (
		locker lock.Locker
		kv     idempotency.Store
	)
	if cfg.Redis.Enabled {
		cli := redis.NewClient(redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = redis.NewLocker(cli)
		kv = redis.NewKVStore(cli)
	} else {
		logg.Warnf("redis disabled, using in-process lock and idempotency store")
		locker = lock.NewMemoryLocker()
		kv = idempotency.NewMemoryStore()
	}

	switch cfg.Store.Backend {
	case "sqlite":
		db, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		svc.sqlite = db
		svc.Stores = db.Stores()
	default:
		svc.Stores = store.NewMemory()
	}

	sink, err := metrics.New(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}

	prices := buildPricing(cfg.Pricing, kv)

	plans, err := plan.NewService(svc.Stores, channel, locker, cfg.Planner.ServiceConfig(),
		plan.WithBus(svc.bus),
		plan.WithMetrics(sink),
		plan.WithLogger(logger.New("plan")),
		plan.WithPricing(prices),
		plan.WithIdempotency(kv),
	)
	if err != nil {
		return nil, fmt.Errorf("plan service: %w", err)
	}
	svc.Plans = plans
	return svc, nil
}

// buildPricing assembles the configured price provider, wrapping the HTTP
// client in the stale-while-revalidate cache.
func buildPricing(cfg config.PricingConfig, kv idempotency.Store) corepricing.PriceProvider {
	econ := corepricing.Economics{
		BTCPriceUSD:       cfg.BTCPriceUSD,
		YieldBTCPerTHHour: cfg.YieldBTCPerTHHour,
	}
	if cfg.Provider == "http" {
		client := pricing.NewClient(pricing.Config{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			TimeoutMS: cfg.TimeoutMS,
		})
		cache := swr.New(kv,
			time.Duration(cfg.CacheFreshSeconds)*time.Second,
			time.Duration(cfg.CacheStaleSeconds)*time.Second,
			logger.New("price-cache"))
		return cachedEconomics{
			Cached: corepricing.NewCached(client, cache),
			econ:   client,
		}
	}
	return corepricing.Static{Prices: cfg.StaticPrices, Econ: econ}
}

// cachedEconomics keeps the uncached economics endpoint reachable behind
// the cached price provider.
type cachedEconomics struct {
	*corepricing.Cached
	econ corepricing.EconomicsProvider
}

func (c cachedEconomics) Economics(ctx context.Context) (corepricing.Economics, error) {
	return c.econ.Economics(ctx)
}

// ElectricityRate returns the configured flat rate for impact estimates.
func (s *Service) ElectricityRate() float64 { return s.rate }

// Bus exposes the internal event bus.
func (s *Service) Bus() eventbus.EventBus { return s.bus }

// Run starts the background surfaces and blocks until the context is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	s.logEvents(ctx)
	<-ctx.Done()
	return nil
}

// logEvents mirrors bus traffic into the structured log.
func (s *Service) logEvents(ctx context.Context) {
	sub := s.bus.Subscribe()
	go func() {
		defer s.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				s.log.Debugw("event", map[string]any{"payload": fmt.Sprintf("%+v", ev)})
			}
		}
	}()
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.channel.Disconnect()
	s.bus.Close()
	if s.sqlite != nil {
		return s.sqlite.Close()
	}
	return nil
}
