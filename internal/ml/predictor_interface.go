// Package ml scores behavioural feature vectors and turns scores into
// allow/block decisions. It includes the ONNX-backed predictor, a heuristic
// fallback, a production wrapper with caching and health tracking, model
// version management and input drift detection.
package ml

import (
	"context"
	"errors"

	"botguard/internal/features"
)

var (
	// ErrModelUnavailable means no model is loaded or its runtime is missing.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInference wraps failures of a loaded model to produce a valid score.
	ErrInference = errors.New("inference failed")
	// ErrInvalidInput is returned for vectors the model must not see.
	ErrInvalidInput = errors.New("invalid model input")
	// ErrFeatureMismatch means the model was trained on a different feature layout.
	ErrFeatureMismatch = errors.New("model feature layout mismatch")
)

// Scorer produces the probability that a session belongs to a human.
// Implementations must be safe for concurrent use.
type Scorer interface {
	HumanProbability(ctx context.Context, v features.Vector) (float64, error)
}

// StatusReporter is implemented by scorers that can describe the model
// behind them.
type StatusReporter interface {
	Available() bool
	ModelVersion() string
}
