// Package health runs periodic liveness probes against registered agents
// and backends and owns their health state transitions. Everything else
// consults the state read-only through the registry.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skymesh/skymesh/circuitbreaker"
	"github.com/skymesh/skymesh/internal/metrics"
	"github.com/skymesh/skymesh/internal/pool"
	"github.com/skymesh/skymesh/registry"
	"github.com/skymesh/skymesh/types"
)

// ProbeFunc checks reachability of one target. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// TargetKind distinguishes agent and backend targets.
type TargetKind int

const (
	KindAgent TargetKind = iota
	KindBackend
)

func (k TargetKind) String() string {
	if k == KindBackend {
		return "backend"
	}
	return "agent"
}

// Config controls probe cadence and state thresholds.
type Config struct {
	// BaseInterval is the probe interval for healthy targets.
	BaseInterval time.Duration
	// MaxInterval caps the backed-off interval of unhealthy targets.
	MaxInterval time.Duration
	// Multiplier grows the interval while a target stays unhealthy.
	Multiplier float64
	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration
	// DegradedAfter is the consecutive failures before HEALTHY -> DEGRADED.
	DegradedAfter int
	// UnhealthyAfter is the consecutive failures before -> UNHEALTHY.
	UnhealthyAfter int
	// Workers sizes the probe worker pool.
	Workers int
	// Tick is the scheduler resolution, exposed for tests.
	Tick time.Duration
}

// DefaultConfig returns the default probe configuration.
func DefaultConfig() Config {
	return Config{
		BaseInterval:   30 * time.Second,
		MaxInterval:    10 * time.Minute,
		Multiplier:     2.0,
		ProbeTimeout:   10 * time.Second,
		DegradedAfter:  1,
		UnhealthyAfter: 3,
		Workers:        4,
		Tick:           time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = d.MaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = d.DegradedAfter
	}
	if c.UnhealthyAfter < c.DegradedAfter {
		c.UnhealthyAfter = c.DegradedAfter + 2
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	return c
}

type target struct {
	name  string
	kind  TargetKind
	probe ProbeFunc

	// inFlight guarantees a single probe per target at a time.
	inFlight atomic.Bool

	mu               sync.Mutex
	consecutiveFails int
	interval         time.Duration
	nextProbe        time.Time
	lastProbe        time.Time
	lastErr          string
}

// TargetStatus is a read-only snapshot of one watched target.
type TargetStatus struct {
	Name                string
	Kind                TargetKind
	State               types.HealthState
	ConsecutiveFailures int
	Interval            time.Duration
	LastProbe           time.Time
	LastError           string
}

// Monitor schedules probes and writes health transitions into the registry.
type Monitor struct {
	reg      *registry.Registry
	breakers *circuitbreaker.Registry
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	pool     *pool.WorkerPool

	mu      sync.RWMutex
	targets map[string]*target

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// Option configures the monitor.
type Option func(*Monitor)

// WithBreakers lets successful and failed probes drive the per-backend
// circuit breakers.
func WithBreakers(breakers *circuitbreaker.Registry) Option {
	return func(m *Monitor) { m.breakers = breakers }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = c }
}

// NewMonitor creates a stopped monitor; call Start to begin probing.
func NewMonitor(reg *registry.Registry, cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		reg:     reg,
		cfg:     cfg.normalized(),
		logger:  logger.With(zap.String("component", "health_monitor")),
		targets: make(map[string]*target),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pool = pool.NewWorkerPool(m.cfg.Workers, m.cfg.Workers*4)
	return m
}

// WatchAgent registers a probe for an agent.
func (m *Monitor) WatchAgent(name string, probe ProbeFunc) {
	m.watch(name, KindAgent, probe)
}

// WatchBackend registers a probe for a backend.
func (m *Monitor) WatchBackend(provider string, probe ProbeFunc) {
	m.watch(provider, KindBackend, probe)
}

func (m *Monitor) watch(name string, kind TargetKind, probe ProbeFunc) {
	t := &target{
		name:     name,
		kind:     kind,
		probe:    probe,
		interval: m.cfg.BaseInterval,
	}
	t.nextProbe = m.now() // probe as soon as the scheduler sees it

	m.mu.Lock()
	m.targets[targetKey(kind, name)] = t
	m.mu.Unlock()

	m.logger.Info("watching target",
		zap.String("target", name),
		zap.String("kind", kind.String()),
	)
}

// Unwatch removes a target from probing.
func (m *Monitor) Unwatch(kind TargetKind, name string) {
	m.mu.Lock()
	delete(m.targets, targetKey(kind, name))
	m.mu.Unlock()
}

func targetKey(kind TargetKind, name string) string {
	return kind.String() + ":" + name
}

// Start launches the scheduler loop.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.loop(ctx)
}

// Stop halts probing and drains in-flight probes.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		m.pool.Close()
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scheduleDue(ctx)
		}
	}
}

func (m *Monitor) scheduleDue(ctx context.Context) {
	now := m.now()

	m.mu.RLock()
	due := make([]*target, 0, len(m.targets))
	for _, t := range m.targets {
		t.mu.Lock()
		isDue := !now.Before(t.nextProbe)
		t.mu.Unlock()
		if isDue {
			due = append(due, t)
		}
	}
	m.mu.RUnlock()

	for _, t := range due {
		if !t.inFlight.CompareAndSwap(false, true) {
			continue // previous probe still running
		}
		t := t
		if err := m.pool.Submit(ctx, func(ctx context.Context) {
			defer t.inFlight.Store(false)
			m.probeTarget(ctx, t)
		}); err != nil {
			t.inFlight.Store(false)
		}
	}
}

func (m *Monitor) probeTarget(ctx context.Context, t *target) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := t.probe(probeCtx)
	cancel()

	now := m.now()
	healthy := err == nil
	m.metrics.RecordProbe(t.name, healthy)

	t.mu.Lock()
	t.lastProbe = now
	if healthy {
		t.consecutiveFails = 0
		t.lastErr = ""
		t.interval = m.cfg.BaseInterval
	} else {
		t.consecutiveFails++
		t.lastErr = err.Error()
	}
	state := m.stateFor(t.consecutiveFails)
	if state == types.Unhealthy {
		// Back off while the target stays unhealthy, capped.
		next := time.Duration(float64(t.interval) * m.cfg.Multiplier)
		if next > m.cfg.MaxInterval {
			next = m.cfg.MaxInterval
		}
		t.interval = next
	}
	t.nextProbe = now.Add(t.interval)
	fails := t.consecutiveFails
	t.mu.Unlock()

	m.setState(t, state)
	m.driveBreaker(t, healthy)

	if !healthy {
		m.logger.Warn("probe failed",
			zap.String("target", t.name),
			zap.String("kind", t.kind.String()),
			zap.Int("consecutive_failures", fails),
			zap.String("state", state.String()),
			zap.Error(err),
		)
	}
}

func (m *Monitor) stateFor(consecutiveFails int) types.HealthState {
	switch {
	case consecutiveFails >= m.cfg.UnhealthyAfter:
		return types.Unhealthy
	case consecutiveFails >= m.cfg.DegradedAfter:
		return types.Degraded
	default:
		return types.Healthy
	}
}

func (m *Monitor) setState(t *target, state types.HealthState) {
	if t.kind == KindBackend {
		m.reg.SetBackendHealth(t.name, state)
	} else {
		m.reg.SetAgentHealth(t.name, state)
	}
}

// driveBreaker feeds probe outcomes into the backend's breaker so an open
// circuit can recover even without live traffic. Transitions are CAS-safe
// against concurrent router calls.
func (m *Monitor) driveBreaker(t *target, healthy bool) {
	if m.breakers == nil || t.kind != KindBackend {
		return
	}
	b := m.breakers.Get(t.name)
	if !healthy {
		b.RecordFailure()
		return
	}
	if b.State() == circuitbreaker.StateClosed {
		return
	}
	// Claim the half-open probe slot before recording, mirroring a live call.
	if err := b.Allow(); err == nil {
		b.RecordSuccess()
	}
}

// ForceProbe runs a probe for one target immediately, bypassing the schedule.
func (m *Monitor) ForceProbe(ctx context.Context, kind TargetKind, name string) error {
	m.mu.RLock()
	t, ok := m.targets[targetKey(kind, name)]
	m.mu.RUnlock()
	if !ok {
		return types.Errorf(types.ErrNotRegistered, "target %q not watched", name)
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		return types.Errorf(types.ErrRateLimited, "probe already in flight for %q", name)
	}
	defer t.inFlight.Store(false)
	m.probeTarget(ctx, t)
	return nil
}

// Snapshot returns the status of all watched targets.
func (m *Monitor) Snapshot() []TargetStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TargetStatus, 0, len(m.targets))
	for _, t := range m.targets {
		t.mu.Lock()
		status := TargetStatus{
			Name:                t.name,
			Kind:                t.kind,
			State:               m.stateFor(t.consecutiveFails),
			ConsecutiveFailures: t.consecutiveFails,
			Interval:            t.interval,
			LastProbe:           t.lastProbe,
			LastError:           t.lastErr,
		}
		t.mu.Unlock()
		out = append(out, status)
	}
	return out
}
