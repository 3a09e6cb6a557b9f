// Package config loads engine configuration from defaults, an optional
// YAML file, and environment-variable overrides, in that order.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full engine configuration.
type Config struct {
	// Executor controls workflow execution.
	Executor ExecutorConfig `yaml:"executor" env:"EXECUTOR"`
	// Router controls backend selection and failover.
	Router RouterConfig `yaml:"router" env:"ROUTER"`
	// Breaker controls the per-backend circuit breakers.
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`
	// Health controls the probe scheduler.
	Health HealthConfig `yaml:"health" env:"HEALTH"`
	// Webhook controls event delivery.
	Webhook WebhookConfig `yaml:"webhook" env:"WEBHOOK"`
	// Store selects the persistence collaborator.
	Store StoreConfig `yaml:"store" env:"STORE"`
	// Log configures the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`
	// Metrics configures the Prometheus collector.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// ExecutorConfig controls workflow execution.
type ExecutorConfig struct {
	// MaxConcurrency bounds concurrently running steps per run.
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// DefaultStepTimeout applies to steps with no timeout of their own.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`
	// DefaultPolicy is "fail_fast" or "continue_on_error".
	DefaultPolicy string `yaml:"default_policy" env:"DEFAULT_POLICY"`
}

// RouterConfig controls backend selection.
type RouterConfig struct {
	// MaxAttempts is the maximum number of distinct backends per call.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// CallTimeout bounds each backend call.
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	// SuccessWeight, LatencyWeight, and CostWeight tune the default
	// scoring strategy.
	SuccessWeight float64 `yaml:"success_weight" env:"SUCCESS_WEIGHT"`
	LatencyWeight float64 `yaml:"latency_weight" env:"LATENCY_WEIGHT"`
	CostWeight    float64 `yaml:"cost_weight" env:"COST_WEIGHT"`
}

// BreakerConfig controls circuit breaking.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens a breaker.
	Threshold int `yaml:"threshold" env:"THRESHOLD"`
	// Cooldown is how long an open breaker rejects calls.
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	// HalfOpenSuccesses is the probe successes needed to close again.
	HalfOpenSuccesses int `yaml:"half_open_successes" env:"HALF_OPEN_SUCCESSES"`
}

// HealthConfig controls probing.
type HealthConfig struct {
	// BaseInterval is the probe interval for healthy targets.
	BaseInterval time.Duration `yaml:"base_interval" env:"BASE_INTERVAL"`
	// MaxInterval caps the unhealthy-target backoff.
	MaxInterval time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
	// DegradedAfter and UnhealthyAfter are consecutive-failure thresholds.
	DegradedAfter  int `yaml:"degraded_after" env:"DEGRADED_AFTER"`
	UnhealthyAfter int `yaml:"unhealthy_after" env:"UNHEALTHY_AFTER"`
	// Workers sizes the probe worker pool.
	Workers int `yaml:"workers" env:"WORKERS"`
}

// WebhookConfig controls event delivery.
type WebhookConfig struct {
	// Timeout bounds each HTTP delivery attempt.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// MaxAttempts is the delivery attempt budget per event.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// BaseDelay and MaxDelay bound the retry backoff.
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay  time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// Jitter is the random fraction applied to each delay.
	Jitter float64 `yaml:"jitter" env:"JITTER"`
	// QueueSize is the per-subscription event buffer.
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// RatePerMinute caps deliveries per subscription.
	RatePerMinute int `yaml:"rate_per_minute" env:"RATE_PER_MINUTE"`
}

// StoreConfig selects the persistence collaborator.
type StoreConfig struct {
	// Driver is "memory", "redis", or "sqlite".
	Driver string `yaml:"driver" env:"DRIVER"`
	// Path is the SQLite database path.
	Path string `yaml:"path" env:"PATH"`
	// Redis connection settings.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	// Enabled toggles metric registration.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Namespace prefixes all metric names.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Executor: ExecutorConfig{
			MaxConcurrency: 8,
			DefaultPolicy:  "fail_fast",
		},
		Router: RouterConfig{
			MaxAttempts:   3,
			CallTimeout:   30 * time.Second,
			SuccessWeight: 0.5,
			LatencyWeight: 0.3,
			CostWeight:    0.2,
		},
		Breaker: BreakerConfig{
			Threshold:         5,
			Cooldown:          60 * time.Second,
			HalfOpenSuccesses: 1,
		},
		Health: HealthConfig{
			BaseInterval:   30 * time.Second,
			MaxInterval:    10 * time.Minute,
			ProbeTimeout:   10 * time.Second,
			DegradedAfter:  1,
			UnhealthyAfter: 3,
			Workers:        4,
		},
		Webhook: WebhookConfig{
			Timeout:       30 * time.Second,
			MaxAttempts:   5,
			BaseDelay:     time.Second,
			MaxDelay:      5 * time.Minute,
			Jitter:        0.2,
			QueueSize:     256,
			RatePerMinute: 60,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "skymesh.db",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "skymesh:",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "skymesh",
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Executor.MaxConcurrency <= 0 {
		errs = append(errs, "executor.max_concurrency must be positive")
	}
	switch c.Executor.DefaultPolicy {
	case "fail_fast", "continue_on_error":
	default:
		errs = append(errs, "executor.default_policy must be fail_fast or continue_on_error")
	}
	if c.Router.MaxAttempts <= 0 {
		errs = append(errs, "router.max_attempts must be positive")
	}
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, "breaker.threshold must be positive")
	}
	if c.Webhook.MaxAttempts <= 0 {
		errs = append(errs, "webhook.max_attempts must be positive")
	}
	if c.Webhook.Jitter < 0 || c.Webhook.Jitter >= 1 {
		errs = append(errs, "webhook.jitter must be in [0, 1)")
	}
	switch c.Store.Driver {
	case "memory", "redis", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported store.driver %q", c.Store.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
