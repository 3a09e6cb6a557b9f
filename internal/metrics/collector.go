// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector registers and exposes the engine's prometheus metrics. Every
// terminal failure state increments a counter here, which backs the
// no-silent-failure contract.
type Collector struct {
	runsTotal    *prometheus.CounterVec
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	routerCallsTotal     *prometheus.CounterVec
	routerFailoversTotal prometheus.Counter
	breakerState         *prometheus.GaugeVec

	probesTotal *prometheus.CounterVec

	deliveriesTotal   *prometheus.CounterVec
	deadLetteredTotal prometheus.Counter
}

// NewCollector creates a collector under the given namespace. A nil
// registerer uses the default prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Total number of workflow runs by terminal status",
			},
			[]string{"status"},
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_steps_total",
				Help:      "Total number of workflow steps by terminal status",
			},
			[]string{"status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_step_duration_seconds",
				Help:      "Step execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		routerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "router_calls_total",
				Help:      "Backend calls attempted by the model router",
			},
			[]string{"provider", "outcome"},
		),
		routerFailoversTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "router_failovers_total",
				Help:      "Times the router moved past a failed candidate",
			},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Breaker state per target (0=closed, 1=open, 2=half_open)",
			},
			[]string{"target"},
		),
		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Health probes by target and outcome",
			},
			[]string{"target", "outcome"},
		),
		deliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		deadLetteredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_dead_lettered_total",
				Help:      "Deliveries that exhausted all retry attempts",
			},
		),
	}
}

// RecordRun counts a terminal run status.
func (c *Collector) RecordRun(status string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
}

// RecordStep counts a terminal step status and its duration.
func (c *Collector) RecordStep(status, agent string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(status).Inc()
	c.stepDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordRouterCall counts one backend call attempt.
func (c *Collector) RecordRouterCall(provider, outcome string) {
	if c == nil {
		return
	}
	c.routerCallsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordFailover counts the router skipping to the next candidate.
func (c *Collector) RecordFailover() {
	if c == nil {
		return
	}
	c.routerFailoversTotal.Inc()
}

// SetBreakerState records a breaker transition.
func (c *Collector) SetBreakerState(target string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(target).Set(float64(state))
}

// RecordProbe counts a health probe outcome.
func (c *Collector) RecordProbe(target string, healthy bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !healthy {
		outcome = "failure"
	}
	c.probesTotal.WithLabelValues(target, outcome).Inc()
}

// RecordDelivery counts a webhook delivery attempt outcome.
func (c *Collector) RecordDelivery(outcome string) {
	if c == nil {
		return
	}
	c.deliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordDeadLetter counts an exhausted delivery.
func (c *Collector) RecordDeadLetter() {
	if c == nil {
		return
	}
	c.deadLetteredTotal.Inc()
	c.deliveriesTotal.WithLabelValues("dead_lettered").Inc()
}
