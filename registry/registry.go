// Package registry holds the descriptors of registered agents and model
// backends and provides thread-safe lookup and capability discovery.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skymesh/skymesh/types"
)

// AgentDescriptor describes a registered task handler.
type AgentDescriptor struct {
	// Name is the unique registry key.
	Name string
	// Version distinguishes re-registrations of the same agent.
	Version string
	// Capabilities tags the agent for Discover.
	Capabilities []string
	// SchemaRef is an opaque reference to the input/output schema.
	SchemaRef string
	// MaxConcurrency caps concurrent executions of this agent (0 = unbounded).
	MaxConcurrency int
	// Handler executes the agent's work.
	Handler types.Agent
	// State is the monitor-owned health state, filled on lookup.
	State types.HealthState
}

// BackendDescriptor describes a registered model backend.
type BackendDescriptor struct {
	// Provider is the unique registry key.
	Provider string
	// CostPerUnit is the configured baseline cost of one usage unit.
	CostPerUnit float64
	// BaselineLatency seeds the rolling latency metric before samples exist.
	BaselineLatency time.Duration
	// RatePerSecond is the backend's rate-limit budget (0 = unlimited).
	RatePerSecond float64
	// Burst is the rate limiter burst size (defaults to 1 when rate is set).
	Burst int
	// Impl performs the generation calls.
	Impl types.Backend
	// State is the monitor-owned health state, filled on lookup.
	State types.HealthState
}

// BackendStats is a snapshot of a backend's rolling metrics. Success rate,
// latency, and cost are exponential moving averages over recorded calls.
type BackendStats struct {
	SuccessRate float64
	AvgLatency  time.Duration
	AvgCost     float64
	Samples     int64
}

// AgentStats is a snapshot of an agent's rolling execution metrics.
type AgentStats struct {
	SuccessRate float64
	AvgDuration time.Duration
	Samples     int64
}

type agentEntry struct {
	desc  AgentDescriptor
	state atomic.Int32

	mu          sync.Mutex
	successRate float64
	avgDuration float64 // milliseconds
	samples     int64
}

type backendEntry struct {
	desc    BackendDescriptor
	state   atomic.Int32
	limiter *rate.Limiter

	mu          sync.Mutex
	successRate float64
	avgLatency  float64 // milliseconds
	avgCost     float64
	samples     int64
}

// Registry is a thread-safe registry of agents and backends. Reads dominate,
// so both maps sit behind a reader-writer lock; per-backend rolling metrics
// use their own small mutex to keep recording off the lookup path.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*agentEntry
	backends map[string]*backendEntry

	emaAlpha float64
	logger   *zap.Logger
}

// Option configures the registry.
type Option func(*Registry)

// WithEMAAlpha sets the smoothing factor of the rolling backend metrics.
func WithEMAAlpha(alpha float64) Option {
	return func(r *Registry) {
		if alpha > 0 && alpha <= 1 {
			r.emaAlpha = alpha
		}
	}
}

// New creates an empty Registry.
func New(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		agents:   make(map[string]*agentEntry),
		backends: make(map[string]*backendEntry),
		emaAlpha: 0.2,
		logger:   logger.With(zap.String("component", "registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAgent adds an agent descriptor. A duplicate name+version is
// rejected unless override is set; a new version of an existing name
// replaces the old descriptor.
func (r *Registry) RegisterAgent(desc AgentDescriptor, override bool) error {
	if desc.Name == "" {
		return types.NewError(types.ErrInvalidParams, "agent name is required")
	}
	if desc.Handler == nil {
		return types.Errorf(types.ErrInvalidParams, "agent %q has no handler", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[desc.Name]; ok {
		if existing.desc.Version == desc.Version && !override {
			return types.Errorf(types.ErrDuplicateRegistration,
				"agent %q version %q already registered", desc.Name, desc.Version)
		}
	}

	// Optimistic seed, same as backends: unproven agents rank as reliable
	// until samples say otherwise.
	entry := &agentEntry{desc: desc, successRate: 1.0}
	entry.state.Store(int32(types.Healthy))
	r.agents[desc.Name] = entry

	r.logger.Info("agent registered",
		zap.String("name", desc.Name),
		zap.String("version", desc.Version),
		zap.Strings("capabilities", desc.Capabilities),
	)
	return nil
}

// UnregisterAgent removes an agent by name.
func (r *Registry) UnregisterAgent(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
	r.logger.Info("agent unregistered", zap.String("name", name))
}

// LookupAgent retrieves an agent descriptor by name.
func (r *Registry) LookupAgent(name string) (AgentDescriptor, bool) {
	r.mu.RLock()
	entry, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return AgentDescriptor{}, false
	}
	desc := entry.desc
	desc.State = types.HealthState(entry.state.Load())
	return desc, true
}

// Discover returns all agents carrying the given capability tag, sorted by
// name for stable results.
func (r *Registry) Discover(capability string) []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AgentDescriptor
	for _, entry := range r.agents {
		for _, c := range entry.desc.Capabilities {
			if c == capability {
				desc := entry.desc
				desc.State = types.HealthState(entry.state.Load())
				out = append(out, desc)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListAgents returns all registered agent descriptors sorted by name.
func (r *Registry) ListAgents() []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentDescriptor, 0, len(r.agents))
	for _, entry := range r.agents {
		desc := entry.desc
		desc.State = types.HealthState(entry.state.Load())
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetAgentHealth updates an agent's health state. Only the health monitor
// should call this.
func (r *Registry) SetAgentHealth(name string, state types.HealthState) {
	r.mu.RLock()
	entry, ok := r.agents[name]
	r.mu.RUnlock()
	if ok {
		entry.state.Store(int32(state))
	}
}

// AgentHealth reads an agent's health state. Unknown agents report Unhealthy.
func (r *Registry) AgentHealth(name string) types.HealthState {
	r.mu.RLock()
	entry, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return types.Unhealthy
	}
	return types.HealthState(entry.state.Load())
}

// RegisterBackend adds a backend descriptor. A duplicate provider id is
// rejected unless override is set.
func (r *Registry) RegisterBackend(desc BackendDescriptor, override bool) error {
	if desc.Provider == "" {
		return types.NewError(types.ErrInvalidParams, "backend provider id is required")
	}
	if desc.Impl == nil {
		return types.Errorf(types.ErrInvalidParams, "backend %q has no implementation", desc.Provider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backends[desc.Provider]; ok && !override {
		return types.Errorf(types.ErrDuplicateRegistration,
			"backend %q already registered", desc.Provider)
	}

	entry := &backendEntry{
		desc:        desc,
		successRate: 1.0,
		avgLatency:  float64(desc.BaselineLatency.Milliseconds()),
		avgCost:     desc.CostPerUnit,
	}
	entry.state.Store(int32(types.Healthy))
	if desc.RatePerSecond > 0 {
		burst := desc.Burst
		if burst <= 0 {
			burst = 1
		}
		entry.limiter = rate.NewLimiter(rate.Limit(desc.RatePerSecond), burst)
	}
	r.backends[desc.Provider] = entry

	r.logger.Info("backend registered",
		zap.String("provider", desc.Provider),
		zap.Float64("cost_per_unit", desc.CostPerUnit),
		zap.Duration("baseline_latency", desc.BaselineLatency),
	)
	return nil
}

// UnregisterBackend removes a backend by provider id.
func (r *Registry) UnregisterBackend(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backends, provider)
	r.logger.Info("backend unregistered", zap.String("provider", provider))
}

// LookupBackend retrieves a backend descriptor by provider id.
func (r *Registry) LookupBackend(provider string) (BackendDescriptor, bool) {
	r.mu.RLock()
	entry, ok := r.backends[provider]
	r.mu.RUnlock()
	if !ok {
		return BackendDescriptor{}, false
	}
	desc := entry.desc
	desc.State = types.HealthState(entry.state.Load())
	return desc, true
}

// ListBackends returns all registered backend descriptors sorted by provider.
func (r *Registry) ListBackends() []BackendDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BackendDescriptor, 0, len(r.backends))
	for _, entry := range r.backends {
		desc := entry.desc
		desc.State = types.HealthState(entry.state.Load())
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// SetBackendHealth updates a backend's health state. Only the health
// monitor should call this.
func (r *Registry) SetBackendHealth(provider string, state types.HealthState) {
	r.mu.RLock()
	entry, ok := r.backends[provider]
	r.mu.RUnlock()
	if ok {
		entry.state.Store(int32(state))
	}
}

// BackendHealth reads a backend's health state. Unknown backends report
// Unhealthy.
func (r *Registry) BackendHealth(provider string) types.HealthState {
	r.mu.RLock()
	entry, ok := r.backends[provider]
	r.mu.RUnlock()
	if !ok {
		return types.Unhealthy
	}
	return types.HealthState(entry.state.Load())
}

// AllowBackend consumes one token of the backend's rate-limit budget.
// Backends without a configured budget always allow.
func (r *Registry) AllowBackend(provider string) bool {
	r.mu.RLock()
	entry, ok := r.backends[provider]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if entry.limiter == nil {
		return true
	}
	return entry.limiter.Allow()
}

// RecordBackendResult folds one call outcome into the backend's rolling
// metrics.
func (r *Registry) RecordBackendResult(provider string, success bool, latency time.Duration, cost float64) {
	r.mu.RLock()
	entry, ok := r.backends[provider]
	r.mu.RUnlock()
	if !ok {
		return
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	alpha := r.emaAlpha
	entry.successRate = alpha*outcome + (1-alpha)*entry.successRate
	entry.avgLatency = alpha*float64(latency.Milliseconds()) + (1-alpha)*entry.avgLatency
	if cost > 0 {
		entry.avgCost = alpha*cost + (1-alpha)*entry.avgCost
	}
	entry.samples++
}

// RecordAgentResult folds one execution outcome into the agent's rolling
// metrics.
func (r *Registry) RecordAgentResult(name string, success bool, duration time.Duration) {
	r.mu.RLock()
	entry, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	alpha := r.emaAlpha
	entry.successRate = alpha*outcome + (1-alpha)*entry.successRate
	entry.avgDuration = alpha*float64(duration.Milliseconds()) + (1-alpha)*entry.avgDuration
	entry.samples++
}

// AgentStats returns a snapshot of an agent's rolling metrics.
func (r *Registry) AgentStats(name string) (AgentStats, bool) {
	r.mu.RLock()
	entry, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return AgentStats{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return AgentStats{
		SuccessRate: entry.successRate,
		AvgDuration: time.Duration(entry.avgDuration) * time.Millisecond,
		Samples:     entry.samples,
	}, true
}

// BackendStats returns a snapshot of a backend's rolling metrics.
func (r *Registry) BackendStats(provider string) (BackendStats, bool) {
	r.mu.RLock()
	entry, ok := r.backends[provider]
	r.mu.RUnlock()
	if !ok {
		return BackendStats{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return BackendStats{
		SuccessRate: entry.successRate,
		AvgLatency:  time.Duration(entry.avgLatency) * time.Millisecond,
		AvgCost:     entry.avgCost,
		Samples:     entry.samples,
	}, true
}
