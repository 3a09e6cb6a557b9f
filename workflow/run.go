package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/skymesh/skymesh/types"
)

// StepStatus is a snapshot of one step's state.
type StepStatus struct {
	ID    string    `json:"id"`
	State StepState `json:"state"`
	Error string    `json:"error,omitempty"`
}

// Status is a point-in-time snapshot of a run, safe to hand to callers.
type Status struct {
	RunID      string                   `json:"run_id"`
	Name       string                   `json:"name,omitempty"`
	State      RunState                 `json:"state"`
	Steps      []StepStatus             `json:"steps"`
	Results    map[string]types.Payload `json:"results,omitempty"`
	Events     []Event                  `json:"events,omitempty"`
	SubmittedAt time.Time               `json:"submitted_at"`
	FinishedAt time.Time                `json:"finished_at,omitempty"`
}

// Run is the execution context of one submitted workflow. It is mutated
// exclusively by the executor and becomes immutable once the run state is
// terminal.
type Run struct {
	ID   string
	Plan *Plan

	cancel context.CancelFunc

	mu          sync.RWMutex
	state       RunState
	stepStates  map[string]StepState
	stepErrs    map[string]string
	results     map[string]types.Payload
	events      []Event
	submittedAt time.Time
	finishedAt  time.Time
	sink        EventSink
}

// newRun initializes a run with every step PENDING.
func newRun(id string, plan *Plan, cancel context.CancelFunc, sink EventSink) *Run {
	r := &Run{
		ID:          id,
		Plan:        plan,
		cancel:      cancel,
		state:       RunPending,
		stepStates:  make(map[string]StepState, len(plan.Spec.Steps)),
		stepErrs:    make(map[string]string),
		results:     make(map[string]types.Payload, len(plan.Spec.Steps)),
		submittedAt: time.Now().UTC(),
		sink:        sink,
	}
	for _, step := range plan.Spec.Steps {
		r.stepStates[step.ID] = StepPending
	}
	return r
}

// Cancel signals the run's cancellation context. In-flight steps observe
// it cooperatively; the executor settles final state afterwards.
func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

// State returns the current run state.
func (r *Run) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// StepState returns the current state of one step.
func (r *Run) StepState(stepID string) StepState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stepStates[stepID]
}

// Result returns a step's stored result.
func (r *Run) Result(stepID string) (types.Payload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result, ok := r.results[stepID]
	return result, ok
}

// Snapshot returns a consistent copy of the run's state, step states,
// available results, and event log.
func (r *Run) Snapshot() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{
		RunID:       r.ID,
		Name:        r.Plan.Spec.Name,
		State:       r.state,
		Results:     make(map[string]types.Payload, len(r.results)),
		Events:      append([]Event(nil), r.events...),
		SubmittedAt: r.submittedAt,
		FinishedAt:  r.finishedAt,
	}
	for _, step := range r.Plan.Spec.Steps {
		status.Steps = append(status.Steps, StepStatus{
			ID:    step.ID,
			State: r.stepStates[step.ID],
			Error: r.stepErrs[step.ID],
		})
	}
	for id, result := range r.results {
		status.Results[id] = result
	}
	return status
}

// setRunState transitions the run state and appends the matching lifecycle
// event. Terminal states are sticky.
func (r *Run) setRunState(state RunState, data map[string]any) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state = state
	if state.Terminal() {
		r.finishedAt = time.Now().UTC()
	}

	var eventType string
	switch state {
	case RunRunning:
		eventType = EventWorkflowStarted
	case RunSucceeded:
		eventType = EventWorkflowCompleted
	case RunFailed:
		eventType = EventWorkflowFailed
	case RunCancelled:
		eventType = EventWorkflowCancelled
	}
	event := newEvent(eventType, r.ID, "", data)
	r.events = append(r.events, event)
	// Emitting under the lock keeps sink order identical to log order;
	// the EventSink contract requires Emit to never block.
	if r.sink != nil {
		r.sink.Emit(event)
	}
	r.mu.Unlock()
}

// setStepState transitions one step and appends the matching event for
// started/terminal transitions.
func (r *Run) setStepState(stepID string, state StepState, stepErr error) {
	r.mu.Lock()
	if r.state.Terminal() || r.stepStates[stepID].Terminal() {
		r.mu.Unlock()
		return
	}
	r.stepStates[stepID] = state

	var eventType string
	data := map[string]any{}
	switch state {
	case StepRunning:
		eventType = EventStepStarted
	case StepSucceeded:
		eventType = EventStepSucceeded
	case StepFailed:
		eventType = EventStepFailed
	case StepCancelled:
		eventType = EventStepCancelled
	}
	if stepErr != nil {
		r.stepErrs[stepID] = stepErr.Error()
		data["error"] = stepErr.Error()
	}

	if eventType == "" {
		r.mu.Unlock()
		return
	}
	event := newEvent(eventType, r.ID, stepID, data)
	r.events = append(r.events, event)
	if r.sink != nil {
		r.sink.Emit(event)
	}
	r.mu.Unlock()
}

// setResult stores a step result.
func (r *Run) setResult(stepID string, result types.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.results[stepID] = result
}
