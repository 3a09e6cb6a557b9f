package types

import (
	"context"
	"encoding/json"
	"time"
)

// Payload is an opaque JSON-serializable parameter blob. The engine never
// inspects it; schema validation belongs to the caller.
type Payload = json.RawMessage

// Agent is a registered task handler. Implementations must honor the
// supplied context deadline and cancellation.
type Agent interface {
	Execute(ctx context.Context, params Payload) (Payload, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, params Payload) (Payload, error)

// Execute implements Agent.
func (f AgentFunc) Execute(ctx context.Context, params Payload) (Payload, error) {
	return f(ctx, params)
}

// HealthState is the monitor-owned availability state of an agent or
// backend. Only the health monitor mutates it; everything else reads.
type HealthState int32

const (
	Healthy HealthState = iota
	Degraded
	Unhealthy
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// TaskProfile describes a routed model call so the router can rank
// candidate backends.
type TaskProfile struct {
	Domain        string        `json:"domain,omitempty"`
	Complexity    float64       `json:"complexity,omitempty"`
	LatencyBudget time.Duration `json:"latency_budget,omitempty"`
	CostBudget    float64       `json:"cost_budget,omitempty"`
}
