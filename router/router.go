// Package router selects and calls model backends for a task profile,
// ranking healthy candidates with a pluggable scoring strategy and failing
// over through a per-backend circuit breaker.
package router

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/skymesh/skymesh/circuitbreaker"
	"github.com/skymesh/skymesh/internal/metrics"
	"github.com/skymesh/skymesh/registry"
	"github.com/skymesh/skymesh/types"
)

// Config configures the Router.
type Config struct {
	// MaxAttempts is the maximum number of distinct backends tried per call.
	MaxAttempts int
	// CallTimeout bounds each individual backend call.
	CallTimeout time.Duration
	// Strategy ranks candidate backends. Defaults to DefaultStrategy.
	Strategy ScoringStrategy
	// Breaker configures the per-backend circuit breakers.
	Breaker circuitbreaker.Config
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		CallTimeout: 30 * time.Second,
		Strategy:    DefaultStrategy(),
		Breaker:     circuitbreaker.DefaultConfig(),
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.Strategy == nil {
		c.Strategy = d.Strategy
	}
	return c
}

// Response is the outcome of a routed generation.
type Response struct {
	// Provider identifies the backend that produced the result.
	Provider string
	// Result is the backend's output.
	Result *types.GenerateResult
	// Attempts is the number of backends tried, including the one that
	// succeeded.
	Attempts int
}

// Router routes generation calls across registered backends.
type Router struct {
	config   Config
	registry *registry.Registry
	breakers *circuitbreaker.Registry
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Option configures the router.
type Option func(*Router)

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) { r.metrics = c }
}

// WithBreakers shares an existing breaker registry, e.g. with the health
// monitor, so probe outcomes and live traffic drive the same state.
func WithBreakers(b *circuitbreaker.Registry) Option {
	return func(r *Router) { r.breakers = b }
}

// New creates a Router over the given registry.
func New(config Config, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		config:   config.normalized(),
		registry: reg,
		logger:   logger.With(zap.String("component", "router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breakers == nil {
		r.breakers = circuitbreaker.NewRegistry(r.config.Breaker, logger)
	}
	return r
}

// Breakers exposes the router's breaker registry.
func (r *Router) Breakers() *circuitbreaker.Registry {
	return r.breakers
}

type candidate struct {
	desc  registry.BackendDescriptor
	score float64
}

// Generate routes a generation call. Candidates are filtered to backends
// that are not unhealthy and whose breaker admits the call, ranked by the
// scoring strategy, and tried in order until one succeeds or MaxAttempts
// distinct backends have failed.
func (r *Router) Generate(ctx context.Context, prompt string, opts types.GenerateOptions, profile types.TaskProfile) (*Response, error) {
	candidates := r.rank(profile)
	if len(candidates) == 0 {
		r.metrics.RecordRouterCall("", "unavailable")
		return nil, types.NewError(types.ErrRoutingUnavailable, "no available backend")
	}

	maxAttempts := r.config.MaxAttempts
	if maxAttempts > len(candidates) {
		maxAttempts = len(candidates)
	}

	var lastErr error
	attempts := 0
	for _, cand := range candidates {
		if attempts >= maxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, types.NewError(types.ErrCancelled, "routing cancelled").WithCause(err)
		}

		provider := cand.desc.Provider
		if !r.registry.AllowBackend(provider) {
			// Local budget exhausted; not a backend fault, so the breaker
			// is left untouched.
			lastErr = types.Errorf(types.ErrRateLimited, "backend %q over rate budget", provider).WithTarget(provider)
			r.metrics.RecordRouterCall(provider, "rate_limited")
			continue
		}

		breaker := r.breakers.Get(provider)
		if err := breaker.Allow(); err != nil {
			lastErr = err
			r.metrics.RecordRouterCall(provider, "circuit_open")
			continue
		}
		attempts++

		result, err := r.call(ctx, cand.desc, prompt, opts)
		if err == nil {
			breaker.RecordSuccess()
			r.metrics.RecordRouterCall(provider, "success")
			return &Response{Provider: provider, Result: result, Attempts: attempts}, nil
		}

		if types.IsCancellation(err) && ctx.Err() != nil {
			// Caller-initiated cancellation is not a backend fault.
			return nil, err
		}

		breaker.RecordFailure()
		r.registry.RecordBackendResult(provider, false, 0, 0)
		r.metrics.RecordRouterCall(provider, "failure")
		r.metrics.RecordFailover()
		r.logger.Warn("backend call failed, failing over",
			zap.String("provider", provider),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		lastErr = err
	}

	return nil, types.NewError(types.ErrRoutingUnavailable, "all candidate backends exhausted").WithCause(lastErr)
}

// rank filters and scores candidates, best first. Open breakers are not
// excluded here: Allow decides in the call loop, so a cooled-down breaker
// can still admit its half-open probe.
func (r *Router) rank(profile types.TaskProfile) []candidate {
	var out []candidate
	for _, desc := range r.registry.ListBackends() {
		if desc.State == types.Unhealthy {
			continue
		}
		stats, _ := r.registry.BackendStats(desc.Provider)
		out = append(out, candidate{
			desc:  desc,
			score: r.config.Strategy.Score(desc, stats, profile),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// call invokes one backend with a bounded timeout and folds the outcome
// into the registry's rolling metrics.
func (r *Router) call(ctx context.Context, desc registry.BackendDescriptor, prompt string, opts types.GenerateOptions) (*types.GenerateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := desc.Impl.Generate(callCtx, prompt, opts)
	latency := time.Since(start)

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = types.Errorf(types.ErrTimeout, "backend %q timed out", desc.Provider).
				WithTarget(desc.Provider).WithCause(err)
		}
		return nil, err
	}

	cost := 0.0
	if result != nil {
		cost = result.Usage.Cost
	}
	r.registry.RecordBackendResult(desc.Provider, true, latency, cost)
	return result, nil
}

// EstimateCost predicts the cost of a call consuming the given number of
// usage units against a backend, from its configured per-unit baseline.
func (r *Router) EstimateCost(provider string, units int) (float64, error) {
	desc, ok := r.registry.LookupBackend(provider)
	if !ok {
		return 0, types.Errorf(types.ErrNotRegistered, "backend %q is not registered", provider)
	}
	return desc.CostPerUnit * float64(units), nil
}
