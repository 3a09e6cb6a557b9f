package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/skymesh/skymesh/internal/metrics"
	"github.com/skymesh/skymesh/registry"
	"github.com/skymesh/skymesh/router"
	"github.com/skymesh/skymesh/types"
)

// ExecutorConfig configures the Executor.
type ExecutorConfig struct {
	// MaxConcurrency bounds concurrently running steps across a run.
	MaxConcurrency int
	// DefaultStepTimeout applies to steps without their own timeout
	// (0 = no default deadline).
	DefaultStepTimeout time.Duration
	// DefaultPolicy applies to specs that set no failure policy.
	DefaultPolicy FailurePolicy
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency: 8,
		DefaultPolicy:  FailFast,
	}
}

func (c ExecutorConfig) normalized() ExecutorConfig {
	d := DefaultExecutorConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = d.DefaultPolicy
	}
	return c
}

// Executor runs compiled plans level by level. Within a level, steps are
// dispatched concurrently, bounded by the global semaphore and, for agent
// steps with a declared limit, a per-agent semaphore.
type Executor struct {
	config   ExecutorConfig
	registry *registry.Registry
	router   *router.Router
	metrics  *metrics.Collector
	logger   *zap.Logger

	semMu     sync.Mutex
	agentSems map[string]*semaphore.Weighted
}

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithExecutorMetrics attaches a metrics collector.
func WithExecutorMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *Executor) { e.metrics = c }
}

// NewExecutor creates an Executor. The router may be nil when no workflow
// uses model-routed steps.
func NewExecutor(config ExecutorConfig, reg *registry.Registry, rt *router.Router, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		config:    config.normalized(),
		registry:  reg,
		router:    rt,
		logger:    logger.With(zap.String("component", "executor")),
		agentSems: make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// agentSemaphore returns the shared per-agent semaphore, created lazily.
// Runs share it so an agent wrapping a rate-limited API is capped across
// concurrent workflows.
func (e *Executor) agentSemaphore(name string, limit int) *semaphore.Weighted {
	e.semMu.Lock()
	defer e.semMu.Unlock()
	sem, ok := e.agentSems[name]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		e.agentSems[name] = sem
	}
	return sem
}

// Execute drives a run to a terminal state. ctx is the run-scoped
// cancellation context; cancelling it marks unfinished steps CANCELLED.
func (e *Executor) Execute(ctx context.Context, run *Run) {
	policy := run.Plan.Spec.Policy
	if policy == "" {
		policy = e.config.DefaultPolicy
	}

	run.setRunState(RunRunning, map[string]any{"levels": len(run.Plan.Levels)})
	e.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.Int("steps", len(run.Plan.Spec.Steps)),
		zap.String("policy", string(policy)),
	)

	globalSem := semaphore.NewWeighted(int64(e.config.MaxConcurrency))
	var failed atomic.Bool

	for _, level := range run.Plan.Levels {
		if ctx.Err() != nil {
			break
		}
		if failed.Load() && policy == FailFast {
			break
		}

		var wg sync.WaitGroup
		for _, stepID := range level {
			step, _ := run.Plan.Step(stepID)

			if !e.dependenciesSucceeded(run, step) {
				// A dependency failed or was cancelled; this step never runs.
				run.setStepState(stepID, StepCancelled, nil)
				e.metrics.RecordStep("cancelled", step.Agent, 0)
				continue
			}
			run.setStepState(stepID, StepReady, nil)

			if err := globalSem.Acquire(ctx, 1); err != nil {
				run.setStepState(stepID, StepCancelled, nil)
				continue
			}

			wg.Add(1)
			go func(step Step) {
				defer wg.Done()
				defer globalSem.Release(1)
				release, ok := e.acquireAgentSlot(ctx, run, step)
				if !ok {
					return
				}
				defer release()
				if err := e.runStep(ctx, run, step); err != nil && !types.IsCancellation(err) {
					failed.Store(true)
					if policy == FailFast {
						run.Cancel()
					}
				}
			}(step)
		}
		wg.Wait()
	}

	e.settle(ctx, run, failed.Load())
}

// acquireAgentSlot takes the per-agent concurrency slot when the agent
// declares a limit. It reports false when the run was cancelled while
// waiting; otherwise the returned func releases the slot.
func (e *Executor) acquireAgentSlot(ctx context.Context, run *Run, step Step) (func(), bool) {
	if step.Agent == "" {
		return func() {}, true
	}
	desc, ok := e.registry.LookupAgent(step.Agent)
	if !ok || desc.MaxConcurrency <= 0 {
		return func() {}, true
	}
	sem := e.agentSemaphore(step.Agent, desc.MaxConcurrency)
	if err := sem.Acquire(ctx, 1); err != nil {
		run.setStepState(step.ID, StepCancelled, nil)
		return nil, false
	}
	return func() { sem.Release(1) }, true
}

// dependenciesSucceeded reports whether every dependency of the step ended
// SUCCEEDED. Failed or cancelled dependencies disqualify the step under
// either policy.
func (e *Executor) dependenciesSucceeded(run *Run, step Step) bool {
	for _, dep := range step.DependsOn {
		if run.StepState(dep) != StepSucceeded {
			return false
		}
	}
	return true
}

// runStep executes one step and records its terminal state.
func (e *Executor) runStep(ctx context.Context, run *Run, step Step) error {
	run.setStepState(step.ID, StepRunning, nil)

	stepCtx := ctx
	var cancel context.CancelFunc
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultStepTimeout
	}
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := e.invoke(stepCtx, step)
	duration := time.Since(start)

	if err != nil {
		// Run-level cancellation is not a step failure; a step that hit
		// its own deadline is.
		if types.IsCancellation(err) && ctx.Err() != nil {
			run.setStepState(step.ID, StepCancelled, nil)
			e.metrics.RecordStep("cancelled", step.Agent, duration)
			return err
		}
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = types.Errorf(types.ErrTimeout, "step %q timed out after %s", step.ID, timeout).
				WithCause(err)
		}
		run.setStepState(step.ID, StepFailed, err)
		e.metrics.RecordStep("failed", step.Agent, duration)
		if step.Agent != "" {
			e.registry.RecordAgentResult(step.Agent, false, duration)
		}
		e.logger.Warn("step failed",
			zap.String("run_id", run.ID),
			zap.String("step_id", step.ID),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	run.setResult(step.ID, result)
	run.setStepState(step.ID, StepSucceeded, nil)
	e.metrics.RecordStep("succeeded", step.Agent, duration)
	if step.Agent != "" {
		e.registry.RecordAgentResult(step.Agent, true, duration)
	}
	e.logger.Debug("step succeeded",
		zap.String("run_id", run.ID),
		zap.String("step_id", step.ID),
		zap.Duration("duration", duration),
	)
	return nil
}

// invoke dispatches the step to its agent or to the model router.
func (e *Executor) invoke(ctx context.Context, step Step) (types.Payload, error) {
	if step.Route != nil {
		if e.router == nil {
			return nil, types.NewError(types.ErrRoutingUnavailable, "no router configured")
		}
		resp, err := e.router.Generate(ctx, step.Route.Prompt, step.Route.Options, step.Route.Profile)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			return nil, types.NewError(types.ErrInternal, "failed to encode routed result").WithCause(err)
		}
		return payload, nil
	}

	desc, ok := e.registry.LookupAgent(step.Agent)
	if !ok {
		return nil, types.Errorf(types.ErrNotRegistered, "agent %q is not registered", step.Agent).
			WithTarget(step.Agent)
	}
	result, err := desc.Handler.Execute(ctx, step.Params)
	if err != nil {
		if types.KindOf(err) == types.KindPermanent && types.CodeOf(err) == "" {
			err = types.NewError(types.ErrAgentFailure, "agent execution failed").
				WithTarget(step.Agent).WithCause(err)
		}
		return nil, err
	}
	return result, nil
}

// settle marks any unfinished steps CANCELLED and resolves the run's
// terminal state.
func (e *Executor) settle(ctx context.Context, run *Run, failed bool) {
	anyFailed := failed
	for _, step := range run.Plan.Spec.Steps {
		state := run.StepState(step.ID)
		if !state.Terminal() {
			run.setStepState(step.ID, StepCancelled, nil)
		}
		if state == StepFailed {
			anyFailed = true
		}
	}

	var final RunState
	switch {
	case anyFailed:
		final = RunFailed
	case ctx.Err() != nil:
		final = RunCancelled
	default:
		final = RunSucceeded
	}
	run.setRunState(final, nil)
	e.metrics.RecordRun(string(final))
	e.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("state", string(final)),
	)
}
