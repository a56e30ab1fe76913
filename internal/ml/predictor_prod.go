package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"botguard/internal/features"
)

// MetadataFile is the sidecar written next to every exported model.
const MetadataFile = "model_metadata.json"

// ModelMetadata contains information about the loaded model
type ModelMetadata struct {
	Version       string    `json:"version"`
	TrainedAt     time.Time `json:"trained_at"`
	Features      []string  `json:"features"`
	Accuracy      float64   `json:"accuracy"`
	TrainingRows  int       `json:"training_rows"`
	ValidationAcc float64   `json:"validation_accuracy"`
}

// DefaultMetadata describes a model with the current feature layout and no
// recorded provenance.
func DefaultMetadata() *ModelMetadata {
	return &ModelMetadata{
		Version:  "unknown",
		Features: features.Names[:],
	}
}

// CheckFeatures rejects models trained on a different feature list or order.
// An empty list is taken as the current layout.
func (md *ModelMetadata) CheckFeatures() error {
	if len(md.Features) == 0 {
		return nil
	}
	if !slices.Equal(md.Features, features.Names[:]) {
		return fmt.Errorf("%w: model expects %v, extractor produces %v", ErrFeatureMismatch, md.Features, features.Names)
	}
	return nil
}

// WriteMetadata stores md as the sidecar in dir.
func WriteMetadata(dir string, md *ModelMetadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o600)
}

// PredictorConfig contains configuration for the production predictor
type PredictorConfig struct {
	ModelPath       string
	PythonPath      string
	Timeout         time.Duration
	CacheSize       int
	CacheTTL        time.Duration
	Cache           PredictionCache // overrides the in-memory cache when set
	FallbackEnabled bool
}

// modelScorer is the model-backed half of a ProductionPredictor.
type modelScorer interface {
	Scorer
	StatusReporter
}

// ProductionPredictor wraps the model with input/output validation, a
// prediction cache, an optional heuristic fallback and health tracking.
type ProductionPredictor struct {
	model     modelScorer
	fallback  Scorer
	metrics   MetricsInterface
	config    PredictorConfig
	cache     PredictionCache
	metadata  *ModelMetadata
	perfStats *perfCounters
	done      chan struct{}
	closeOnce sync.Once
}

// HealthStatus is a point-in-time view of the predictor. It is unhealthy
// when nothing can score or when one attempt in ten fails.
type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	LastCheck       time.Time `json:"last_check"`
	ModelLoaded     bool      `json:"model_loaded"`
	FallbackActive  bool      `json:"fallback_active"`
	AverageLatency  float64   `json:"average_latency_ms"`
	PredictionCount int64     `json:"prediction_count"`
	ErrorRate       float64   `json:"error_rate"`
	CacheHitRate    float64   `json:"cache_hit_rate"`
	LastError       string    `json:"last_error,omitempty"`
	ModelVersion    string    `json:"model_version"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
}

// Performance is a snapshot of the predictor counters and latency
// percentiles over the last 1000 calls.
type Performance struct {
	Predictions   int64   `json:"predictions_total"`
	Errors        int64   `json:"errors_total"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	LatencyP50    float64 `json:"latency_p50_ms"`
	LatencyP95    float64 `json:"latency_p95_ms"`
	LatencyP99    float64 `json:"latency_p99_ms"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type perfCounters struct {
	mu               sync.RWMutex
	predictions      int64
	errors           int64
	cacheHits        int64
	cacheMisses      int64
	totalLatency     time.Duration
	startTime        time.Time
	lastError        string
	latencyHistogram []time.Duration
}

// NewProductionPredictor loads the model and its metadata. A model whose
// metadata lists a different feature layout is refused with
// ErrFeatureMismatch.
func NewProductionPredictor(config PredictorConfig, metrics MetricsInterface) (*ProductionPredictor, error) {
	metadata, err := loadModelMetadata(config.ModelPath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load model metadata, using defaults")
		metadata = DefaultMetadata()
	}
	if err := metadata.CheckFeatures(); err != nil {
		return nil, err
	}

	predictor, err := NewPredictor(PredictorOptions{
		ModelPath:  config.ModelPath,
		PythonPath: config.PythonPath,
		Timeout:    config.Timeout,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create base predictor: %w", err)
	}

	return newProductionPredictor(predictor, metadata, config, metrics)
}

func newProductionPredictor(model modelScorer, metadata *ModelMetadata, config PredictorConfig, metrics MetricsInterface) (*ProductionPredictor, error) {
	if err := metadata.CheckFeatures(); err != nil {
		return nil, err
	}

	cache := config.Cache
	if cache == nil {
		cache = NewMemoryCache(config.CacheSize, config.CacheTTL)
	}

	pp := &ProductionPredictor{
		model:    model,
		metrics:  metrics,
		config:   config,
		cache:    cache,
		metadata: metadata,
		perfStats: &perfCounters{
			startTime:        time.Now(),
			latencyHistogram: make([]time.Duration, 0, 1000),
		},
		done: make(chan struct{}),
	}
	if config.FallbackEnabled {
		pp.fallback = NewFallbackPredictor(metrics)
	}

	if mc, ok := cache.(*MemoryCache); ok {
		go pp.backgroundCacheCleaner(mc)
	}

	return pp, nil
}

// HumanProbability validates the vector, consults the cache and then the
// model. The fallback heuristic is used only when enabled and the model is
// not loaded.
func (pp *ProductionPredictor) HumanProbability(ctx context.Context, v features.Vector) (float64, error) {
	start := time.Now()
	defer func() {
		pp.recordLatency(time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := pp.validateInput(v); err != nil {
		pp.recordError(err)
		return 0, err
	}

	if !pp.model.Available() {
		if pp.fallback != nil {
			return pp.fallback.HumanProbability(ctx, v)
		}
		return 0, ErrModelUnavailable
	}

	cacheKey := CacheKey(v, pp.metadata.Version)
	if p, ok := pp.cache.Get(ctx, cacheKey); ok {
		pp.recordCacheHit()
		return p, nil
	}
	pp.recordCacheMiss()

	p, err := pp.model.HumanProbability(ctx, v)
	if err != nil {
		pp.recordError(err)
		return 0, err
	}

	if err := pp.validateOutput(p); err != nil {
		pp.recordError(err)
		return 0, fmt.Errorf("output validation failed: %w", err)
	}

	pp.cache.Set(ctx, cacheKey, p)
	pp.recordPrediction()
	return p, nil
}

// Available reports whether HumanProbability can produce a score.
func (pp *ProductionPredictor) Available() bool {
	return pp.model.Available() || pp.fallback != nil
}

func (pp *ProductionPredictor) ModelVersion() string {
	if !pp.model.Available() && pp.fallback != nil {
		return "fallback-heuristic"
	}
	return pp.metadata.Version
}

func (pp *ProductionPredictor) Metadata() ModelMetadata {
	return *pp.metadata
}

// Close stops the background goroutines.
func (pp *ProductionPredictor) Close() {
	pp.closeOnce.Do(func() { close(pp.done) })
}

func (pp *ProductionPredictor) validateInput(v features.Vector) error {
	if !v.Finite() {
		return fmt.Errorf("%w: non-finite feature value", ErrInvalidInput)
	}
	return nil
}

func (pp *ProductionPredictor) validateOutput(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("%w: probability %.4f outside [0, 1]", ErrInference, p)
	}
	return nil
}

func (pp *ProductionPredictor) backgroundCacheCleaner(mc *MemoryCache) {
	ticker := time.NewTicker(mc.TTL() / 2)
	defer ticker.Stop()

	for {
		select {
		case <-pp.done:
			return
		case <-ticker.C:
			mc.Clean()
		}
	}
}

// Health computes the current status from the counters.
func (pp *ProductionPredictor) Health() HealthStatus {
	pp.perfStats.mu.RLock()
	predictions := pp.perfStats.predictions
	errors := pp.perfStats.errors
	cacheHits := pp.perfStats.cacheHits
	cacheMisses := pp.perfStats.cacheMisses
	totalLatency := pp.perfStats.totalLatency
	lastError := pp.perfStats.lastError
	uptime := time.Since(pp.perfStats.startTime)
	pp.perfStats.mu.RUnlock()

	var avgLatency float64
	if calls := predictions + cacheHits; calls > 0 {
		avgLatency = float64(totalLatency.Milliseconds()) / float64(calls)
	}

	var errorRate float64
	if attempts := predictions + errors; attempts > 0 {
		errorRate = float64(errors) / float64(attempts)
	}

	var cacheHitRate float64
	if total := cacheHits + cacheMisses; total > 0 {
		cacheHitRate = float64(cacheHits) / float64(total)
	}

	modelLoaded := pp.model.Available()
	return HealthStatus{
		Healthy:         (modelLoaded || pp.fallback != nil) && errorRate < 0.1,
		LastCheck:       time.Now(),
		ModelLoaded:     modelLoaded,
		FallbackActive:  !modelLoaded && pp.fallback != nil,
		AverageLatency:  avgLatency,
		PredictionCount: predictions,
		ErrorRate:       errorRate,
		CacheHitRate:    cacheHitRate,
		LastError:       lastError,
		ModelVersion:    pp.ModelVersion(),
		UptimeSeconds:   uptime.Seconds(),
	}
}

func (pp *ProductionPredictor) recordLatency(d time.Duration) {
	pp.perfStats.mu.Lock()
	defer pp.perfStats.mu.Unlock()

	pp.perfStats.totalLatency += d
	pp.perfStats.latencyHistogram = append(pp.perfStats.latencyHistogram, d)

	// Keep only last 1000 samples
	if len(pp.perfStats.latencyHistogram) > 1000 {
		pp.perfStats.latencyHistogram = pp.perfStats.latencyHistogram[1:]
	}
}

func (pp *ProductionPredictor) recordPrediction() {
	pp.perfStats.mu.Lock()
	pp.perfStats.predictions++
	pp.perfStats.mu.Unlock()
}

func (pp *ProductionPredictor) recordError(err error) {
	pp.perfStats.mu.Lock()
	pp.perfStats.errors++
	pp.perfStats.lastError = err.Error()
	pp.perfStats.mu.Unlock()
}

func (pp *ProductionPredictor) recordCacheHit() {
	pp.perfStats.mu.Lock()
	pp.perfStats.cacheHits++
	pp.perfStats.mu.Unlock()
	if pp.metrics != nil {
		pp.metrics.MLCacheHitsInc()
	}
}

func (pp *ProductionPredictor) recordCacheMiss() {
	pp.perfStats.mu.Lock()
	pp.perfStats.cacheMisses++
	pp.perfStats.mu.Unlock()
}

// Performance returns the counters and latency percentiles.
func (pp *ProductionPredictor) Performance() Performance {
	pp.perfStats.mu.RLock()
	defer pp.perfStats.mu.RUnlock()

	perf := Performance{
		Predictions:   pp.perfStats.predictions,
		Errors:        pp.perfStats.errors,
		CacheHits:     pp.perfStats.cacheHits,
		CacheMisses:   pp.perfStats.cacheMisses,
		UptimeSeconds: time.Since(pp.perfStats.startTime).Seconds(),
	}
	if n := len(pp.perfStats.latencyHistogram); n > 0 {
		sorted := slices.Clone(pp.perfStats.latencyHistogram)
		slices.Sort(sorted)
		ms := func(q float64) float64 {
			return float64(sorted[int(float64(n-1)*q)].Microseconds()) / 1000
		}
		perf.LatencyP50, perf.LatencyP95, perf.LatencyP99 = ms(0.5), ms(0.95), ms(0.99)
	}
	return perf
}

func loadModelMetadata(modelPath string) (*ModelMetadata, error) {
	dir := filepath.Dir(modelPath)
	primary := filepath.Join(dir, MetadataFile)

	if md, err := decodeMetadata(primary); err == nil {
		return md, nil
	}

	// Fallback: pick the newest metadata file by timestamp suffix
	pattern := filepath.Join(dir, "model_metadata_*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("no metadata files found in %s", dir)
	}
	sort.Strings(matches)
	return decodeMetadata(matches[len(matches)-1])
}

func decodeMetadata(path string) (*ModelMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var md ModelMetadata
	if err := json.NewDecoder(file).Decode(&md); err != nil {
		return nil, err
	}
	return &md, nil
}
