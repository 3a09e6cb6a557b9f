package workflow

import (
	"go.uber.org/zap"

	"github.com/skymesh/skymesh/registry"
	"github.com/skymesh/skymesh/types"
)

// Plan is a compiled workflow: the original spec plus the level ordering
// produced by Kahn's algorithm. Level 0 holds all steps without
// dependencies; every step in level k depends only on steps in levels < k.
type Plan struct {
	Spec   Spec
	Levels [][]string
	steps  map[string]Step
}

// Step returns a step definition by id.
func (p *Plan) Step(id string) (Step, bool) {
	s, ok := p.steps[id]
	return s, ok
}

// Compiler validates workflow specs against the registry and computes
// their level ordering.
type Compiler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewCompiler creates a Compiler.
func NewCompiler(reg *registry.Registry, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{
		registry: reg,
		logger:   logger.With(zap.String("component", "compiler")),
	}
}

// Compile validates a spec and computes its execution levels. A validation
// error means nothing was or will be executed.
func (c *Compiler) Compile(spec Spec) (*Plan, error) {
	if len(spec.Steps) == 0 {
		return nil, types.NewError(types.ErrValidationEmptySpec, "workflow has no steps")
	}

	steps := make(map[string]Step, len(spec.Steps))
	for _, step := range spec.Steps {
		if step.ID == "" {
			return nil, types.NewError(types.ErrValidationDuplicateStep, "step id is required")
		}
		if _, dup := steps[step.ID]; dup {
			return nil, types.Errorf(types.ErrValidationDuplicateStep,
				"duplicate step id %q", step.ID)
		}
		if err := c.validateTarget(step); err != nil {
			return nil, err
		}
		for _, dep := range step.DependsOn {
			if _, declared := steps[dep]; !declared {
				return nil, types.Errorf(types.ErrValidationDependency,
					"step %q depends on %q, which is not declared earlier", step.ID, dep)
			}
		}
		steps[step.ID] = step
	}

	levels, err := computeLevels(spec.Steps)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("workflow compiled",
		zap.String("name", spec.Name),
		zap.Int("steps", len(spec.Steps)),
		zap.Int("levels", len(levels)),
	)
	return &Plan{Spec: spec, Levels: levels, steps: steps}, nil
}

// validateTarget checks that the step names exactly one executable target
// and, for agent steps, that the agent is registered.
func (c *Compiler) validateTarget(step Step) error {
	if step.Agent != "" && step.Route != nil {
		return types.Errorf(types.ErrValidationUnknownAgent,
			"step %q sets both agent and route", step.ID)
	}
	if step.Agent == "" && step.Route == nil {
		return types.Errorf(types.ErrValidationUnknownAgent,
			"step %q has neither agent nor route", step.ID)
	}
	if step.Agent != "" {
		if _, ok := c.registry.LookupAgent(step.Agent); !ok {
			return types.Errorf(types.ErrValidationUnknownAgent,
				"step %q references unknown agent %q", step.ID, step.Agent)
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm over the step graph. A residual
// non-empty step set after the algorithm drains means a cycle.
func computeLevels(steps []Step) ([][]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		indegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	// Seed with declaration order so levels are deterministic.
	var frontier []string
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			frontier = append(frontier, step.ID)
		}
	}

	var levels [][]string
	placed := 0
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		placed += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dependent := range dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		frontier = next
	}

	if placed != len(steps) {
		return nil, types.Errorf(types.ErrValidationCycle,
			"cycle detected: %d of %d steps unreachable", len(steps)-placed, len(steps))
	}
	return levels, nil
}
