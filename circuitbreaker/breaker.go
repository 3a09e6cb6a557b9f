// Package circuitbreaker implements a per-target failure-isolation state
// machine. Transitions use atomic compare-and-swap so concurrent callers
// and health probes never race on the state word.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skymesh/skymesh/types"
)

// State is the breaker state.
type State int32

const (
	// StateClosed allows all calls.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a single probe call at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls the breaker thresholds.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration
	// HalfOpenSuccesses is the number of consecutive probe successes needed
	// to close the breaker again.
	HalfOpenSuccesses int
	// OnStateChange is invoked after every transition.
	OnStateChange func(target string, from, to State)
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold:         5,
		Cooldown:          60 * time.Second,
		HalfOpenSuccesses: 1,
	}
}

func (c Config) normalized() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 1
	}
	return c
}

// Breaker is a circuit breaker for a single target.
type Breaker struct {
	target string
	config Config
	logger *zap.Logger

	state             atomic.Int32
	failures          atomic.Int32
	halfOpenSuccesses atomic.Int32
	probeInFlight     atomic.Bool
	openedAt          atomic.Int64 // unix nanos

	now func() time.Time
}

// New creates a breaker for the given target.
func New(target string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		target: target,
		config: config.normalized(),
		logger: logger.With(zap.String("component", "circuitbreaker"), zap.String("target", target)),
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns a
// CIRCUIT_OPEN error until the cooldown elapses; then it admits exactly one
// probe at a time in half-open.
func (b *Breaker) Allow() error {
	for {
		switch State(b.state.Load()) {
		case StateClosed:
			return nil

		case StateOpen:
			opened := time.Unix(0, b.openedAt.Load())
			if b.now().Sub(opened) < b.config.Cooldown {
				return types.Errorf(types.ErrCircuitOpen, "circuit open for %s", b.target).
					WithTarget(b.target)
			}
			if b.transition(StateOpen, StateHalfOpen) {
				b.probeInFlight.Store(false)
				b.halfOpenSuccesses.Store(0)
			}
			// Re-evaluate in half-open.

		case StateHalfOpen:
			if b.probeInFlight.CompareAndSwap(false, true) {
				return nil
			}
			return types.Errorf(types.ErrCircuitOpen, "probe already in flight for %s", b.target).
				WithTarget(b.target)

		default:
			return nil
		}
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case StateClosed:
		b.failures.Store(0)

	case StateHalfOpen:
		succ := b.halfOpenSuccesses.Add(1)
		b.probeInFlight.Store(false)
		if int(succ) >= b.config.HalfOpenSuccesses {
			if b.transition(StateHalfOpen, StateClosed) {
				b.failures.Store(0)
				b.halfOpenSuccesses.Store(0)
				b.logger.Info("breaker closed after recovery",
					zap.Int32("probe_successes", succ))
			}
		}
	}
}

// RecordFailure records a failed call. Cancellation is not a failure and
// must be filtered by the caller before recording.
func (b *Breaker) RecordFailure() {
	switch State(b.state.Load()) {
	case StateClosed:
		failures := b.failures.Add(1)
		if int(failures) >= b.config.Threshold {
			if b.transition(StateClosed, StateOpen) {
				b.openedAt.Store(b.now().UnixNano())
				b.logger.Warn("breaker opened",
					zap.Int32("consecutive_failures", failures),
					zap.Duration("cooldown", b.config.Cooldown))
			}
		}

	case StateHalfOpen:
		if b.transition(StateHalfOpen, StateOpen) {
			b.openedAt.Store(b.now().UnixNano())
			b.probeInFlight.Store(false)
			b.halfOpenSuccesses.Store(0)
			b.logger.Warn("breaker reopened, probe failed",
				zap.Duration("cooldown", b.config.Cooldown))
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	from := State(b.state.Swap(int32(StateClosed)))
	b.failures.Store(0)
	b.halfOpenSuccesses.Store(0)
	b.probeInFlight.Store(false)
	if from != StateClosed && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.target, from, StateClosed)
	}
}

// transition performs a CAS state change and fires the callback on success.
func (b *Breaker) transition(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.target, from, to)
	}
	return true
}

// Registry maintains one breaker per target, created lazily with a shared
// config.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	logger   *zap.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config.normalized(),
		logger:   logger,
	}
}

// Get returns the breaker for a target, creating it on first use.
func (r *Registry) Get(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[target]; ok {
		return b
	}
	b = New(target, r.config, r.logger)
	r.breakers[target] = b
	return b
}

// States returns a snapshot of all breaker states.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for target, b := range r.breakers {
		out[target] = b.State()
	}
	return out
}

// Remove drops a target's breaker, e.g. after unregistration.
func (r *Registry) Remove(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, target)
}
