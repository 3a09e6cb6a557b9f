package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymesh/skymesh/registry"
	"github.com/skymesh/skymesh/router"
	"github.com/skymesh/skymesh/types"
)

// recordingSink collects emitted events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// runSpec compiles and executes a spec synchronously, returning the run.
func runSpec(t *testing.T, reg *registry.Registry, spec Spec, cfg ExecutorConfig, rt *router.Router) (*Run, *recordingSink) {
	t.Helper()

	plan, err := NewCompiler(reg, nil).Compile(spec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	run := newRun("run-test", plan, cancel, sink)

	NewExecutor(cfg, reg, rt, nil).Execute(ctx, run)
	return run, sink
}

// ============================================================
// Success and failure policies
// ============================================================

func TestExecutor_DiamondSucceeds(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, "worker")
	run, _ := runSpec(t, reg, diamondSpec(), DefaultExecutorConfig(), nil)

	assert.Equal(t, RunSucceeded, run.State())
	for _, id := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, StepSucceeded, run.StepState(id))
	}
	_, ok := run.Result("D")
	assert.True(t, ok)
}

func TestExecutor_FailFastCancelsDownstream(t *testing.T) {
	t.Parallel()

	var dRuns atomic.Int32
	reg := registry.New(nil)
	require.NoError(t, reg.RegisterAgent(registry.AgentDescriptor{
		Name:    "ok",
		Handler: echoAgent(),
	}, false))
	require.NoError(t, reg.RegisterAgent(registry.AgentDescriptor{
		Name: "broken",
		Handler: types.AgentFunc(func(ctx context.Context, params types.Payload) (types.Payload, error) {
			return nil, types.NewError(types.ErrAgentFailure, "always fails")
		}),
	}, false))
	require.NoError(t, reg.RegisterAgent(registry.AgentDescriptor{
		Name: "counts",
		Handler: types.AgentFunc(func(ctx context.Context, params types.Payload) (types.Payload, error) {
			dRuns.Add(1)
			return params, nil
		}),
	}, false))

	spec := Spec{
		Policy: FailFast,
		Steps: []Step{
			{ID: "A", Agent: "ok"},
			{ID: "B", Agent: "broken", DependsOn: []string{"A"}},
			{ID: "C", Agent: "ok", DependsOn: []string{"A"}},
			{ID: "D", Agent: "counts", DependsOn: []string{"B", "C"}},
		},
	}
	run, _ := runSpec(t, reg, spec, DefaultExecutorConfig(), nil)

	assert.Equal(t, RunFailed, run.State())
	assert.Equal(t, StepFailed, run.StepState("B"))
	assert.Equal(t, StepCancelled, run.StepState("D"))
	assert.Equal(t, int32(0), dRuns.Load())
}

func TestExecutor_ContinueOnErrorKeepsIndependentBranch(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	require.NoError(t, reg.RegisterAgent(registry.AgentDescriptor{
		Name:    "ok",
		Handler: echoAgent(),
	}, false))
	require.NoError(t, reg.RegisterAgent(registry.AgentDescriptor{
		Name: "broken",
		Handler: types.AgentFunc(func(ctx context.Context, params types.Payload) (types.Payload, error) {
			return nil, errors.New("boom")
		}),
	}, false))

	spec := Spec{
		Policy: ContinueOnError,
		Steps: []Step{
			{ID: "bad", Agent: "broken"},
			{ID: "good", Agent: "ok"},
			{ID: "after-bad", Agent: "ok", DependsOn: []string{"bad"}},
			{ID: "after-good", Agent: "ok", DependsOn: []string{"good"}},
		},
	}
	run, _ := runSpec(t, reg, spec, DefaultExecutorConfig(), nil)

	assert.Equal(t, RunFailed, run.State())
	assert.Equal(t, StepFailed, run.StepState("bad"))
	assert.Equal(t, StepSucceeded, run.StepState("good"))
	assert.Equal(t, StepCancelled, run.StepState("after-bad"))
	assert.Equal(t, StepSucceeded, run.StepState("after-good"))
}

// ============================================================
// Concurrency bounds
// ============================================================

func TestExecutor_GlobalConcurrencyBound(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	reg := registry.New(nil)
	require.NoError(t, reg.RegisterAgent(registry.AgentDescriptor{
		Name: "slow",
		Handler: types.AgentFunc(func(ctx context.Context, params types.Payload) (types.Payload, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return params, nil
		}),
	}, false))

	steps := make([]Step, 6)
	for i, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		steps[i] = Step{ID: id, Agent: "slow"}
	}
	cfg := DefaultExecutorConfig()
	cfg.MaxConcurrency = 2
	run, _ := runSpec(t, reg, Spec{Steps: steps}, cfg, nil)

	assert.Equal(t, RunSucceeded, run.State())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutor_PerAgentConcurrencyBound(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	reg := registry.New(nil)
	require.NoError(t, reg.RegisterAgent(registry.AgentDescriptor{
		Name:           "serial",
		MaxConcurrency: 1,
		Handler: types.AgentFunc(func(ctx context.Context, params types.Payload) (types.Payload, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return params, nil
		}),
	}, false))

	spec := Spec{Steps: []Step{
		{ID: "a", Agent: "serial"},
		{ID: "b", Agent: "serial"},
		{ID: "c", Agent: "serial"},
		{ID: "d", Agent: "serial"},
	}}
	run, _ := runSpec(t, reg, spec, DefaultExecutorConfig(), nil)

	assert.Equal(t, RunSucceeded, run.State())
	assert.Equal(t, int32(1), peak.Load())
}

// ============================================================
// Cancellation and timeouts
// ============================================================

func TestExecutor_CallerCancellation(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	reg := registry.New(nil)
	require.NoError(t, reg.RegisterAgent(registry.AgentDescriptor{
		Name: "blocker",
		Handler: types.AgentFunc(func(ctx context.Context, params types.Payload) (types.Payload, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}, false))

	plan, err := NewCompiler(reg, nil).Compile(Spec{Steps: []Step{
		{ID: "a", Agent: "blocker"},
		{ID: "b", Agent: "blocker", DependsOn: []string{"a"}},
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	run := newRun("run-cancel", plan, cancel, nil)

	done := make(chan struct{})
	go func() {
		NewExecutor(DefaultExecutorConfig(), reg, nil, nil).Execute(ctx, run)
		close(done)
	}()

	<-started
	run.Cancel()
	<-done

	assert.Equal(t, RunCancelled, run.State())
	assert.Equal(t, StepCancelled, run.StepState("a"))
	assert.Equal(t, StepCancelled, run.StepState("b"))
}

func TestExecutor_StepTimeoutFailsStep(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	require.NoError(t, reg.RegisterAgent(registry.AgentDescriptor{
		Name: "sleepy",
		Handler: types.AgentFunc(func(ctx context.Context, params types.Payload) (types.Payload, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return params, nil
			}
		}),
	}, false))

	spec := Spec{Steps: []Step{
		{ID: "a", Agent: "sleepy", Timeout: 20 * time.Millisecond},
	}}
	run, _ := runSpec(t, reg, spec, DefaultExecutorConfig(), nil)

	assert.Equal(t, RunFailed, run.State())
	assert.Equal(t, StepFailed, run.StepState("a"))

	status := run.Snapshot()
	assert.Contains(t, status.Steps[0].Error, "timed out")
}

// ============================================================
// Routed steps
// ============================================================

func TestExecutor_RoutedStep(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	require.NoError(t, reg.RegisterBackend(registry.BackendDescriptor{
		Provider: "mock-llm",
		Impl: types.BackendFunc(func(ctx context.Context, prompt string, opts types.GenerateOptions) (*types.GenerateResult, error) {
			return &types.GenerateResult{Output: "routed:" + prompt}, nil
		}),
	}, false))
	rt := router.New(router.DefaultConfig(), reg, nil)

	spec := Spec{Steps: []Step{
		{ID: "gen", Route: &RouteSpec{Prompt: "summarize"}},
	}}
	run, _ := runSpec(t, reg, spec, DefaultExecutorConfig(), rt)

	assert.Equal(t, RunSucceeded, run.State())
	result, ok := run.Result("gen")
	require.True(t, ok)
	assert.Contains(t, string(result), "routed:summarize")
	assert.Contains(t, string(result), "mock-llm")
}

func TestExecutor_RoutedStepWithoutRouter(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	spec := Spec{Steps: []Step{
		{ID: "gen", Route: &RouteSpec{Prompt: "hi"}},
	}}
	run, _ := runSpec(t, reg, spec, DefaultExecutorConfig(), nil)

	assert.Equal(t, RunFailed, run.State())
	assert.Equal(t, StepFailed, run.StepState("gen"))
}

// ============================================================
// Events
// ============================================================

func TestExecutor_EventOrdering(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, "worker")
	run, sink := runSpec(t, reg, diamondSpec(), DefaultExecutorConfig(), nil)
	require.Equal(t, RunSucceeded, run.State())

	events := sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, EventWorkflowStarted, events[0].Type)
	assert.Equal(t, EventWorkflowCompleted, events[len(events)-1].Type)

	// step.started for A precedes step.started for D.
	indexOf := func(eventType, stepID string) int {
		for i, e := range events {
			if e.Type == eventType && e.StepID == stepID {
				return i
			}
		}
		return -1
	}
	require.GreaterOrEqual(t, indexOf(EventStepStarted, "A"), 0)
	require.GreaterOrEqual(t, indexOf(EventStepStarted, "D"), 0)
	assert.Less(t, indexOf(EventStepSucceeded, "A"), indexOf(EventStepStarted, "D"))
}

func TestRun_TerminalStateIsImmutable(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, "worker")
	run, _ := runSpec(t, reg, diamondSpec(), DefaultExecutorConfig(), nil)
	require.True(t, run.State().Terminal())

	before := run.Snapshot()
	run.setStepState("A", StepFailed, errors.New("late"))
	run.setResult("A", types.Payload(`"late"`))
	run.setRunState(RunFailed, nil)
	after := run.Snapshot()

	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Steps, after.Steps)
	assert.Equal(t, before.Results, after.Results)
	assert.Equal(t, len(before.Events), len(after.Events))
}

func TestRun_SinkOrderMatchesEventLog(t *testing.T) {
	t.Parallel()

	const steps = 64
	spec := Spec{Policy: ContinueOnError}
	for i := 0; i < steps; i++ {
		spec.Steps = append(spec.Steps, Step{ID: "s" + string(rune('A'+i%26)) + string(rune('0'+i/26)), Agent: "worker"})
	}

	reg := testRegistry(t, "worker")
	plan, err := NewCompiler(reg, nil).Compile(spec)
	require.NoError(t, err)

	for iter := 0; iter < 50; iter++ {
		sink := &recordingSink{}
		run := newRun("run-order", plan, func() {}, sink)

		var wg sync.WaitGroup
		for _, step := range spec.Steps {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				run.setStepState(id, StepRunning, nil)
				run.setStepState(id, StepSucceeded, nil)
			}(step.ID)
		}
		wg.Wait()

		logged := run.Snapshot().Events
		emitted := sink.all()
		require.Len(t, emitted, len(logged))
		for i := range logged {
			require.Equal(t, logged[i].ID, emitted[i].ID,
				"event %d: log order %q/%q but sink order %q/%q",
				i, logged[i].Type, logged[i].StepID, emitted[i].Type, emitted[i].StepID)
		}
	}
}
