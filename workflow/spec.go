// Package workflow compiles submitted DAG specs into level-ordered plans
// and executes them with bounded concurrency, per-step failure policy, and
// lifecycle event emission.
package workflow

import (
	"time"

	"github.com/skymesh/skymesh/types"
)

// FailurePolicy controls how a run reacts to a failed step.
type FailurePolicy string

const (
	// FailFast cancels all pending and running steps on the first failure.
	FailFast FailurePolicy = "fail_fast"
	// ContinueOnError keeps independent branches running; steps downstream
	// of a failure are cancelled, never run.
	ContinueOnError FailurePolicy = "continue_on_error"
)

// RouteSpec marks a step as model-routed instead of agent-bound. The
// executor hands it to the model router, which picks the backend.
type RouteSpec struct {
	Prompt  string                `json:"prompt"`
	Options types.GenerateOptions `json:"options,omitempty"`
	Profile types.TaskProfile     `json:"profile,omitempty"`
}

// Step is a single unit of work in a workflow. Exactly one of Agent or
// Route must be set. DependsOn may only reference step ids declared earlier
// in the spec.
type Step struct {
	ID        string        `json:"id"`
	Agent     string        `json:"agent,omitempty"`
	Route     *RouteSpec    `json:"route,omitempty"`
	Params    types.Payload `json:"params,omitempty"`
	DependsOn []string      `json:"depends_on,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Spec is a submitted workflow: an ordered set of steps forming a DAG.
type Spec struct {
	Name   string        `json:"name,omitempty"`
	Steps  []Step        `json:"steps"`
	Policy FailurePolicy `json:"policy,omitempty"`
}

// StepState is the lifecycle state of a single step.
type StepState string

const (
	StepPending   StepState = "PENDING"
	StepReady     StepState = "READY"
	StepRunning   StepState = "RUNNING"
	StepSucceeded StepState = "SUCCEEDED"
	StepFailed    StepState = "FAILED"
	StepCancelled StepState = "CANCELLED"
)

// Terminal reports whether the state is final.
func (s StepState) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepCancelled:
		return true
	}
	return false
}

// RunState is the lifecycle state of a whole run.
type RunState string

const (
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunSucceeded RunState = "SUCCEEDED"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}
