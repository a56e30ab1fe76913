package ml

import (
	"context"
	"math"

	"botguard/internal/features"
)

// FallbackPredictor scores sessions with a fixed behavioural heuristic when
// no trained model is loaded. It is only consulted when explicitly enabled.
type FallbackPredictor struct {
	metrics MetricsInterface
}

// NewFallbackPredictor creates a new fallback predictor
func NewFallbackPredictor(metrics MetricsInterface) *FallbackPredictor {
	return &FallbackPredictor{metrics: metrics}
}

func (p *FallbackPredictor) HumanProbability(_ context.Context, v features.Vector) (float64, error) {
	if p.metrics != nil {
		p.metrics.MLFallbackUseInc()
	}
	return sigmoid(p.calculateScore(v)), nil
}

func (p *FallbackPredictor) Available() bool { return true }

func (p *FallbackPredictor) ModelVersion() string { return "fallback-heuristic" }

// calculateScore is positive for human-looking sessions. Machine-regular
// typing, a motionless pointer and near-instant sessions pull it down.
func (p *FallbackPredictor) calculateScore(v features.Vector) float64 {
	var score float64

	if v.KSCount >= 2 {
		if v.StdFlightTime < 5 {
			score -= 1.5
		} else {
			score += math.Tanh(v.StdFlightTime / 40)
		}
	}

	if v.MMCount >= 2 {
		score += math.Tanh(v.TotalMouseDist / 500)
	} else {
		score -= 1.0
	}

	if v.SessionDurationMS < 500 {
		score -= 1.0
	} else {
		score += 0.5 * math.Tanh(v.SessionDurationMS/5000)
	}

	return score
}

// sigmoid converts a score to a probability
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
