// Package scoring is the inference path: it decodes a session, extracts its
// features, scores them and applies the decision rule, then fans the result
// out to the decision log, drift monitor, event stream and live feed.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"botguard/internal/features"
	"botguard/internal/ml"
	"botguard/internal/publish"
	"botguard/internal/session"
	"botguard/internal/storage"
)

var (
	// ErrBadInput marks client errors: no decision is produced.
	ErrBadInput = errors.New("bad input")
	// ErrUnavailable means no score could be produced for a valid session.
	ErrUnavailable = errors.New("scoring unavailable")
)

// driftCheckEvery is how many decisions pass between drift checks.
const driftCheckEvery = 100

// Store is the persistence the service needs.
type Store interface {
	SaveSession(ctx context.Context, rec storage.StoredSession) (string, error)
	SaveDecision(rec storage.DecisionRecord) error
}

// Broadcaster receives every decision for live display.
type Broadcaster interface {
	Broadcast(ev publish.DecisionEvent)
}

// Metrics is the instrumentation the service reports to.
type Metrics interface {
	DecisionInc(outcome string)
	ScoreLatencyObserve(seconds float64)
	BadSessionInc()
	SessionCollectedInc()
	ErrorInc()
	DriftAlertInc(feature, severity string)
}

// Deps lists the collaborators of a Service. Only Scorer is needed for
// scoring and only Store for collection; every other field is optional.
type Deps struct {
	Scorer          ml.Scorer
	Store           Store
	Publisher       publish.Publisher
	Feed            Broadcaster
	Drift           *ml.DriftDetector
	Metrics         Metrics
	Threshold       float64
	RecordDecisions bool
}

// Result is one scored session.
type Result struct {
	SessionID    string          `json:"session_id"`
	Features     features.Vector `json:"features"`
	Decision     ml.Decision     `json:"decision"`
	ModelVersion string          `json:"model_version"`
	Latency      time.Duration   `json:"latency"`
}

// ModelInfo describes the scorer currently serving decisions. Health and
// Performance are set when the scorer tracks them; Drift holds the PSI of
// each feature when drift detection is on.
type ModelInfo struct {
	Available   bool               `json:"available"`
	Version     string             `json:"version"`
	Threshold   float64            `json:"threshold"`
	Features    []string           `json:"features"`
	Metadata    *ml.ModelMetadata  `json:"metadata,omitempty"`
	Health      *ml.HealthStatus   `json:"health,omitempty"`
	Performance *ml.Performance    `json:"performance,omitempty"`
	Drift       map[string]float64 `json:"drift,omitempty"`
}

type metadataProvider interface {
	Metadata() ml.ModelMetadata
}

type healthProvider interface {
	Health() ml.HealthStatus
	Performance() ml.Performance
}

// Service scores and collects sessions.
type Service struct {
	deps      Deps
	decisions atomic.Uint64
}

// New builds a Service. A zero threshold selects ml.DefaultThreshold.
func New(deps Deps) *Service {
	if deps.Threshold == 0 {
		deps.Threshold = ml.DefaultThreshold
	}
	if deps.Publisher == nil {
		deps.Publisher = publish.NopPublisher{}
	}
	return &Service{deps: deps}
}

// Threshold returns the decision threshold in use.
func (s *Service) Threshold() float64 { return s.deps.Threshold }

// Available reports whether Score can currently produce decisions.
func (s *Service) Available() bool {
	if s.deps.Scorer == nil {
		return false
	}
	if sr, ok := s.deps.Scorer.(ml.StatusReporter); ok {
		return sr.Available()
	}
	return true
}

// ModelInfo returns the scorer status and, when known, its metadata.
func (s *Service) ModelInfo() ModelInfo {
	info := ModelInfo{
		Available: s.Available(),
		Version:   s.modelVersion(),
		Threshold: s.deps.Threshold,
		Features:  features.Names[:],
	}
	if mp, ok := s.deps.Scorer.(metadataProvider); ok {
		md := mp.Metadata()
		info.Metadata = &md
	}
	if hp, ok := s.deps.Scorer.(healthProvider); ok {
		health, perf := hp.Health(), hp.Performance()
		info.Health, info.Performance = &health, &perf
	}
	if s.deps.Drift != nil {
		info.Drift = s.deps.Drift.GetDriftStatus()
	}
	return info
}

func (s *Service) modelVersion() string {
	if sr, ok := s.deps.Scorer.(ml.StatusReporter); ok {
		return sr.ModelVersion()
	}
	if s.deps.Scorer == nil {
		return "none"
	}
	return "unknown"
}

// Score decodes raw, extracts its features, scores them and decides. A
// structurally invalid session returns ErrBadInput; a scorer that cannot
// produce a probability returns ErrUnavailable. No decision is ever made
// without a score.
func (s *Service) Score(ctx context.Context, raw []byte) (Result, error) {
	start := time.Now()

	sess, err := session.Decode(raw)
	if err != nil {
		s.badSession()
		return Result{}, fmt.Errorf("%w: %w", ErrBadInput, err)
	}

	v := features.Engineer(sess)

	if s.deps.Scorer == nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, ml.ErrModelUnavailable)
	}

	p, err := s.deps.Scorer.HumanProbability(ctx, v)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ErrorInc()
		}
		if errors.Is(err, ml.ErrInvalidInput) {
			return Result{}, fmt.Errorf("%w: %w", ErrBadInput, err)
		}
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	id := sess.SessionID
	if id == "" {
		id = newID()
	}

	res := Result{
		SessionID:    id,
		Features:     v,
		Decision:     ml.DecideWithThreshold(p, s.deps.Threshold),
		ModelVersion: s.modelVersion(),
		Latency:      time.Since(start),
	}

	s.record(ctx, res)
	return res, nil
}

// Collect validates raw and stores it for training. The label, if any, is
// canonicalised and kept beside the document, never inside it.
func (s *Service) Collect(ctx context.Context, raw []byte) (string, error) {
	doc, label, err := session.StripLabel(raw)
	if err != nil {
		s.badSession()
		return "", fmt.Errorf("%w: %w", ErrBadInput, err)
	}
	if _, err := session.Decode(doc); err != nil {
		s.badSession()
		return "", fmt.Errorf("%w: %w", ErrBadInput, err)
	}

	if s.deps.Store == nil {
		return "", fmt.Errorf("%w: no session store configured", ErrUnavailable)
	}

	id, err := s.deps.Store.SaveSession(ctx, storage.StoredSession{Label: label, Raw: doc})
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ErrorInc()
		}
		return "", err
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionCollectedInc()
	}
	log.Debug().Str("id", id).Bool("labelled", label != nil).Msg("session collected")
	return id, nil
}

func (s *Service) badSession() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.BadSessionInc()
	}
}

// record performs every side effect of a decision. Failures are logged and
// never change the decision already made.
func (s *Service) record(ctx context.Context, res Result) {
	d := res.Decision

	if m := s.deps.Metrics; m != nil {
		m.DecisionInc(string(d.Outcome))
		m.ScoreLatencyObserve(res.Latency.Seconds())
	}

	log.Info().
		Str("session_id", res.SessionID).
		Str("decision", string(d.Outcome)).
		Float64("human_probability", d.HumanProbability).
		Str("model_version", res.ModelVersion).
		Dur("latency", res.Latency).
		Msg("session scored")

	now := time.Now().UTC()

	if s.deps.RecordDecisions && s.deps.Store != nil {
		rec := storage.DecisionRecord{
			SessionID:        res.SessionID,
			Features:         res.Features,
			HumanProbability: d.HumanProbability,
			Threshold:        d.Threshold,
			Outcome:          string(d.Outcome),
			ModelVersion:     res.ModelVersion,
			At:               now,
		}
		if err := s.deps.Store.SaveDecision(rec); err != nil {
			log.Warn().Err(err).Str("session_id", res.SessionID).Msg("failed to record decision")
		}
	}

	if s.deps.Drift != nil && s.deps.Drift.IsEnabled() {
		s.deps.Drift.UpdateCurrent(res.Features)
		if s.decisions.Add(1)%driftCheckEvery == 0 {
			s.checkDrift()
		}
	}

	ev := publish.DecisionEvent{
		SessionID:        res.SessionID,
		Decision:         string(d.Outcome),
		HumanProbability: d.HumanProbability,
		Threshold:        d.Threshold,
		ModelVersion:     res.ModelVersion,
		Features:         res.Features,
		Timestamp:        now,
		Source:           "botguard",
	}
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("session_id", res.SessionID).Msg("failed to publish decision")
	}
	if s.deps.Feed != nil {
		s.deps.Feed.Broadcast(ev)
	}
}

func (s *Service) checkDrift() {
	for _, alert := range s.deps.Drift.DetectDrift() {
		log.Warn().
			Str("feature", alert.FeatureName).
			Str("method", string(alert.Method)).
			Float64("score", alert.DriftScore).
			Str("severity", alert.Severity).
			Msg(alert.Recommendation)
		if s.deps.Metrics != nil {
			s.deps.Metrics.DriftAlertInc(alert.FeatureName, alert.Severity)
		}
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
