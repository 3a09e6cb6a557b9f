package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types appended to the run's event log and handed to the
// webhook dispatcher.
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
	EventWorkflowCancelled = "workflow.cancelled"
	EventStepStarted       = "step.started"
	EventStepSucceeded     = "step.succeeded"
	EventStepFailed        = "step.failed"
	EventStepCancelled     = "step.cancelled"
)

// Event records one lifecycle transition of a run or step.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func newEvent(eventType, runID, stepID string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventSink receives lifecycle events in the order they are appended to the
// run's event log. Emit must never block and must not call back into the
// run: it runs inline under the run's lock so sink order matches log order,
// so slow consumers must buffer or drop internally.
type EventSink interface {
	Emit(event Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event Event)

// Emit implements EventSink.
func (f EventSinkFunc) Emit(event Event) {
	f(event)
}
