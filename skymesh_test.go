package skymesh

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skymesh/skymesh/config"
	"github.com/skymesh/skymesh/registry"
	"github.com/skymesh/skymesh/types"
	"github.com/skymesh/skymesh/workflow"
)

// ============================================================
// Test agents
// ============================================================

type echoAgent struct{}

func (echoAgent) Execute(ctx context.Context, params types.Payload) (types.Payload, error) {
	return types.Payload(`"done"`), nil
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "error"
	engine, err := New(cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

// ============================================================
// Engine lifecycle
// ============================================================

func TestEngineNew_DefaultsWhenNilConfig(t *testing.T) {
	t.Parallel()

	engine, err := New(nil,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	require.NoError(t, engine.Close())
}

func TestEngineNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Executor.DefaultPolicy = "halt-and-catch-fire"

	_, err := New(cfg, WithLogger(zap.NewNop()))
	require.Error(t, err)
}

func TestEngine_RunsWorkflowEndToEnd(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)
	require.NoError(t, engine.Registry().RegisterAgent(registry.AgentDescriptor{
		Name:    "worker",
		Handler: echoAgent{},
	}, false))

	id, err := engine.Submit(workflow.Spec{
		Name: "pipeline",
		Steps: []workflow.Step{
			{ID: "extract", Agent: "worker"},
			{ID: "load", Agent: "worker", DependsOn: []string{"extract"}},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := engine.Status(id)
		return err == nil && st.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	st, err := engine.Status(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunSucceeded, st.State)
	assert.Equal(t, uint64(1), engine.Stats().Succeeded)
}

func TestEngine_SubmitRejectsUnknownAgent(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)
	_, err := engine.Submit(workflow.Spec{
		Name:  "broken",
		Steps: []workflow.Step{{ID: "s", Agent: "ghost"}},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidationUnknownAgent, types.CodeOf(err))
}

func TestEngine_CancelUnknownRun(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)
	err := engine.Cancel("no-such-run")
	require.Error(t, err)
}

func TestEngine_BreakerStateGaugeTracksTransitions(t *testing.T) {
	t.Parallel()

	promReg := prometheus.NewRegistry()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Breaker.Threshold = 1

	engine, err := New(cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(promReg),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	require.NoError(t, engine.Registry().RegisterBackend(registry.BackendDescriptor{
		Provider: "flaky",
		Impl: types.BackendFunc(func(ctx context.Context, prompt string, opts types.GenerateOptions) (*types.GenerateResult, error) {
			return nil, types.NewError(types.ErrBackendUnavailable, "boom")
		}),
	}, false))

	_, err = engine.Router().Generate(context.Background(), "hi", types.GenerateOptions{}, types.TaskProfile{})
	require.Error(t, err)

	assert.Equal(t, 1.0, gaugeValue(t, promReg, "skymesh_circuit_breaker_state", "flaky"))
}

func gaugeValue(t *testing.T, g prometheus.Gatherer, name, target string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "target" && label.GetValue() == target {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("gauge %s{target=%q} not found", name, target)
	return 0
}

func TestEngine_SubscriptionsWired(t *testing.T) {
	t.Parallel()

	engine := newEngine(t)
	sub, err := engine.Subscriptions().Create("http://127.0.0.1:1/hook", "secret", nil)
	require.NoError(t, err)

	subs := engine.Subscriptions().List()
	require.Len(t, subs, 1)
	assert.Equal(t, sub.ID, subs[0].ID)
}
