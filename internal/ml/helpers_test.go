package ml

import (
	"context"
	"sync"

	"botguard/internal/features"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu               sync.Mutex
	predictions      int
	failures         int
	latencySum       float64
	timeouts         int
	fallbackUse      int
	cacheHits        int
	modelAge         float64
	predictionScores []float64
}

func (m *MockMetrics) MLPredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
}

func (m *MockMetrics) MLFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *MockMetrics) MLLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += v
}

func (m *MockMetrics) MLModelAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelAge = v
}

func (m *MockMetrics) MLPredictionScoresObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictionScores = append(m.predictionScores, v)
}

func (m *MockMetrics) MLTimeoutsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts++
}

func (m *MockMetrics) MLFallbackUseInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackUse++
}

func (m *MockMetrics) MLCacheHitsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

// stubModel is a modelScorer with a canned answer.
type stubModel struct {
	mu        sync.Mutex
	available bool
	p         float64
	err       error
	calls     int
}

func (s *stubModel) HumanProbability(context.Context, features.Vector) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.p, s.err
}

func (s *stubModel) Available() bool { return s.available }

func (s *stubModel) ModelVersion() string { return "stub" }

func (s *stubModel) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var humanVector = features.Vector{
	KSCount:           24,
	AvgFlightTime:     142.5,
	StdFlightTime:     61.2,
	MMCount:           180,
	TotalMouseDist:    2450,
	ClickCount:        3,
	SessionDurationMS: 14200,
}

var simpleBotVector = features.Vector{
	KSCount:           12,
	AvgFlightTime:     0,
	StdFlightTime:     0,
	ClickCount:        1,
	SessionDurationMS: 120,
}
