package router

import (
	"time"

	"github.com/skymesh/skymesh/registry"
	"github.com/skymesh/skymesh/types"
)

// ScoringStrategy ranks a candidate backend for a task profile. Higher
// scores are preferred. Implementations must be safe for concurrent use.
type ScoringStrategy interface {
	Score(desc registry.BackendDescriptor, stats registry.BackendStats, profile types.TaskProfile) float64
}

// WeightedStrategy scores backends as a weighted combination of rolling
// success rate, latency fit, and cost fit. It is the default strategy.
type WeightedStrategy struct {
	SuccessWeight float64
	LatencyWeight float64
	CostWeight    float64
}

// DefaultStrategy returns the default weighted strategy.
func DefaultStrategy() *WeightedStrategy {
	return &WeightedStrategy{
		SuccessWeight: 0.5,
		LatencyWeight: 0.3,
		CostWeight:    0.2,
	}
}

// Score implements ScoringStrategy. Latency and cost are normalized against
// the profile's budgets when set, otherwise against fixed reference points,
// so that faster and cheaper backends score higher.
func (s *WeightedStrategy) Score(desc registry.BackendDescriptor, stats registry.BackendStats, profile types.TaskProfile) float64 {
	latencyRef := profile.LatencyBudget
	if latencyRef <= 0 {
		latencyRef = 10 * time.Second
	}
	latency := stats.AvgLatency
	if latency <= 0 {
		latency = desc.BaselineLatency
	}
	latencyFit := 1.0 - float64(latency)/float64(latencyRef)
	if latencyFit < 0 {
		latencyFit = 0
	}

	costRef := profile.CostBudget
	if costRef <= 0 {
		costRef = 1.0
	}
	cost := stats.AvgCost
	if cost <= 0 {
		cost = desc.CostPerUnit
	}
	costFit := 1.0 - cost/costRef
	if costFit < 0 {
		costFit = 0
	}

	score := s.SuccessWeight*stats.SuccessRate +
		s.LatencyWeight*latencyFit +
		s.CostWeight*costFit

	// Degraded backends stay eligible but rank behind healthy peers.
	if desc.State == types.Degraded {
		score *= 0.5
	}
	return score
}
