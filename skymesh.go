// Package skymesh wires the engine together: registry, health monitor,
// model router, workflow orchestrator, and webhook dispatcher, all built
// from one configuration.
//
// Usage:
//
//	cfg := config.Default()
//	engine, err := skymesh.New(cfg)
//	defer engine.Close()
//
//	engine.Registry().RegisterAgent(...)
//	runID, err := engine.Submit(workflow.Spec{...})
package skymesh

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/skymesh/skymesh/circuitbreaker"
	"github.com/skymesh/skymesh/config"
	"github.com/skymesh/skymesh/health"
	"github.com/skymesh/skymesh/internal/metrics"
	"github.com/skymesh/skymesh/registry"
	"github.com/skymesh/skymesh/retry"
	"github.com/skymesh/skymesh/router"
	"github.com/skymesh/skymesh/store"
	"github.com/skymesh/skymesh/webhook"
	"github.com/skymesh/skymesh/workflow"
)

// Engine is the assembled orchestration engine.
type Engine struct {
	cfg *config.Config
	log *zap.Logger

	registry     *registry.Registry
	breakers     *circuitbreaker.Registry
	monitor      *health.Monitor
	router       *router.Router
	orchestrator *workflow.Orchestrator
	dispatcher   *webhook.Dispatcher
	subs         *webhook.SubscriptionStore
	store        store.Store
}

// Option overrides pieces of the default wiring.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	store      store.Store
	registerer prometheus.Registerer
}

// WithLogger supplies a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore supplies a pre-built store, bypassing cfg.Store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithRegisterer sets the Prometheus registerer metrics register against.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New builds an Engine from the configuration.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		var err error
		log, err = newLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		registerer := o.registerer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		collector = metrics.NewCollector(cfg.Metrics.Namespace, registerer)
	}

	st := o.store
	if st == nil {
		var err error
		st, err = openStore(cfg.Store)
		if err != nil {
			return nil, err
		}
	}

	reg := registry.New(log)

	breakerCfg := circuitbreaker.Config{
		Threshold:         cfg.Breaker.Threshold,
		Cooldown:          cfg.Breaker.Cooldown,
		HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
		OnStateChange: func(target string, _, to circuitbreaker.State) {
			collector.SetBreakerState(target, int(to))
		},
	}
	breakers := circuitbreaker.NewRegistry(breakerCfg, log)

	rt := router.New(router.Config{
		MaxAttempts: cfg.Router.MaxAttempts,
		CallTimeout: cfg.Router.CallTimeout,
		Strategy: &router.WeightedStrategy{
			SuccessWeight: cfg.Router.SuccessWeight,
			LatencyWeight: cfg.Router.LatencyWeight,
			CostWeight:    cfg.Router.CostWeight,
		},
		Breaker: breakerCfg,
	}, reg, log,
		router.WithBreakers(breakers),
		router.WithMetrics(collector),
	)

	monitor := health.NewMonitor(reg, health.Config{
		BaseInterval:   cfg.Health.BaseInterval,
		MaxInterval:    cfg.Health.MaxInterval,
		ProbeTimeout:   cfg.Health.ProbeTimeout,
		DegradedAfter:  cfg.Health.DegradedAfter,
		UnhealthyAfter: cfg.Health.UnhealthyAfter,
		Workers:        cfg.Health.Workers,
	}, log,
		health.WithBreakers(breakers),
		health.WithMetrics(collector),
	)

	subs := webhook.NewSubscriptionStore()
	dispatcher := webhook.NewDispatcher(webhook.Config{
		Timeout: cfg.Webhook.Timeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			BaseDelay:   cfg.Webhook.BaseDelay,
			MaxDelay:    cfg.Webhook.MaxDelay,
			Multiplier:  2.0,
			Jitter:      cfg.Webhook.Jitter,
		},
		QueueSize:     cfg.Webhook.QueueSize,
		RatePerMinute: cfg.Webhook.RatePerMinute,
	}, subs, st, log, webhook.WithMetrics(collector))

	compiler := workflow.NewCompiler(reg, log)
	executor := workflow.NewExecutor(workflow.ExecutorConfig{
		MaxConcurrency:     cfg.Executor.MaxConcurrency,
		DefaultStepTimeout: cfg.Executor.DefaultStepTimeout,
		DefaultPolicy:      workflow.FailurePolicy(cfg.Executor.DefaultPolicy),
	}, reg, rt, log, workflow.WithExecutorMetrics(collector))

	orchestrator := workflow.NewOrchestrator(compiler, executor, log,
		workflow.WithStore(st),
		workflow.WithEventSink(dispatcher),
	)

	monitor.Start()

	return &Engine{
		cfg:          cfg,
		log:          log,
		registry:     reg,
		breakers:     breakers,
		monitor:      monitor,
		router:       rt,
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		subs:         subs,
		store:        st,
	}, nil
}

// Registry exposes agent and backend registration.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Monitor exposes the health monitor for watch registration.
func (e *Engine) Monitor() *health.Monitor { return e.monitor }

// Router exposes direct routed generation.
func (e *Engine) Router() *router.Router { return e.router }

// Subscriptions exposes webhook subscription management.
func (e *Engine) Subscriptions() *webhook.SubscriptionStore { return e.subs }

// Store exposes the persistence collaborator.
func (e *Engine) Store() store.Store { return e.store }

// Submit compiles and launches a workflow, returning its run id.
func (e *Engine) Submit(spec workflow.Spec) (string, error) {
	return e.orchestrator.Submit(spec)
}

// Status returns a run snapshot.
func (e *Engine) Status(runID string) (workflow.Status, error) {
	return e.orchestrator.Status(runID)
}

// Cancel signals a run's cancellation context.
func (e *Engine) Cancel(runID string) error {
	return e.orchestrator.Cancel(runID)
}

// Stats returns run counters.
func (e *Engine) Stats() workflow.Stats {
	return e.orchestrator.Stats()
}

// Close stops the health monitor, drains the webhook dispatcher, and
// closes the store.
func (e *Engine) Close() error {
	e.monitor.Stop()
	e.dispatcher.Close()
	err := e.store.Close()
	_ = e.log.Sync()
	return err
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	case "sqlite":
		return store.OpenSQLite(cfg.Path)
	default:
		return store.NewMemoryStore(), nil
	}
}
