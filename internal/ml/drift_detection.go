package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"botguard/internal/features"
)

// DriftDetector compares live feature vectors against the distribution the
// model was trained on. A shift in typing cadence or pointer travel usually
// means either new bot tooling or a tracker change, and both call for
// retraining.
type DriftDetector struct {
	mu             sync.RWMutex
	enabled        bool
	baseline       map[string]*FeatureDistribution
	current        map[string]*FeatureDistribution
	alertThreshold float64
	windowSize     int
	savePath       string
	lastAlertTime  time.Time
	alertCooldown  time.Duration
	methods        []DriftMethod
}

// FeatureDistribution summarises one feature column. Samples holds the most
// recent values, at most the detector's window size.
type FeatureDistribution struct {
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Count       int64     `json:"count"`
	Quartiles   []float64 `json:"quartiles,omitempty"`
	Samples     []float64 `json:"samples"`
	LastUpdated time.Time `json:"last_updated"`
}

// DriftMethod names a test comparing the live window with the baseline.
type DriftMethod string

const (
	// MethodKS is the two-sample Kolmogorov-Smirnov statistic (max CDF gap).
	MethodKS DriftMethod = "ks"
	// MethodPSI is the population stability index over 10 shared bins.
	MethodPSI DriftMethod = "psi"
	// MethodMoments compares mean and standard deviation.
	MethodMoments DriftMethod = "moments"
	// MethodChiSquare is a chi-square statistic over 10 shared bins, divided
	// by its degrees of freedom.
	MethodChiSquare DriftMethod = "chi_square"
)

// DefaultDriftMethods are used when none are configured.
var DefaultDriftMethods = []DriftMethod{MethodPSI, MethodMoments}

var knownDriftMethods = []DriftMethod{MethodKS, MethodPSI, MethodMoments, MethodChiSquare}

// ParseDriftMethods validates method names from configuration. Names are
// case-insensitive; duplicates are dropped.
func ParseDriftMethods(names []string) ([]DriftMethod, error) {
	var out []DriftMethod
	for _, name := range names {
		m := DriftMethod(strings.ToLower(strings.TrimSpace(name)))
		if !slices.Contains(knownDriftMethods, m) {
			return nil, fmt.Errorf("unknown drift method %q (want one of ks, psi, moments, chi_square)", name)
		}
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// minDriftSamples is the smallest window either side needs before a test runs.
const minDriftSamples = 30

const driftBins = 10

// DriftAlert represents a drift detection alert
type DriftAlert struct {
	Timestamp      time.Time   `json:"timestamp"`
	FeatureName    string      `json:"feature_name"`
	Method         DriftMethod `json:"method"`
	DriftScore     float64     `json:"drift_score"`
	Threshold      float64     `json:"threshold"`
	Severity       string      `json:"severity"`
	Recommendation string      `json:"recommendation"`
}

// DriftDetectionConfig configures drift detection
type DriftDetectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SavePath       string        `yaml:"save_path"`
	AlertThreshold float64       `yaml:"alert_threshold"`
	WindowSize     int           `yaml:"window_size"`
	AlertCooldown  time.Duration `yaml:"alert_cooldown"`
	Methods        []DriftMethod `yaml:"methods"`
}

// NewDriftDetector creates a detector over features.Names and loads the
// baseline from SavePath when one exists.
func NewDriftDetector(config DriftDetectionConfig) *DriftDetector {
	dd := &DriftDetector{
		enabled:        config.Enabled,
		baseline:       make(map[string]*FeatureDistribution, len(features.Names)),
		current:        make(map[string]*FeatureDistribution, len(features.Names)),
		alertThreshold: config.AlertThreshold,
		windowSize:     config.WindowSize,
		savePath:       config.SavePath,
		alertCooldown:  config.AlertCooldown,
		methods:        config.Methods,
	}

	if len(dd.methods) == 0 {
		dd.methods = DefaultDriftMethods
	}
	if dd.alertThreshold == 0 {
		dd.alertThreshold = 0.1
	}
	if dd.windowSize == 0 {
		dd.windowSize = 1000
	}
	if dd.alertCooldown == 0 {
		dd.alertCooldown = time.Hour
	}

	for _, name := range features.Names {
		dd.baseline[name] = &FeatureDistribution{}
		dd.current[name] = &FeatureDistribution{}
	}

	if config.SavePath != "" {
		if err := dd.LoadBaseline(); err != nil {
			log.Warn().Err(err).Str("path", config.SavePath).Msg("failed to load drift baseline")
		}
	}

	return dd
}

// Methods returns the tests the detector runs.
func (dd *DriftDetector) Methods() []DriftMethod {
	return slices.Clone(dd.methods)
}

// UpdateBaseline replaces the baseline with the distribution of a training
// matrix whose columns follow features.Names.
func (dd *DriftDetector) UpdateBaseline(rows [][]float64) error {
	if !dd.enabled {
		return nil
	}
	if len(rows) == 0 {
		return fmt.Errorf("drift baseline needs at least one row")
	}

	dd.mu.Lock()
	defer dd.mu.Unlock()

	for col, name := range features.Names {
		dist := &FeatureDistribution{}
		for _, row := range rows {
			if col < len(row) {
				dd.observe(dist, row[col])
			}
		}
		dist.Quartiles = quartiles(dist.Samples)
		dd.baseline[name] = dist
	}

	return dd.saveBaselineLocked()
}

// UpdateCurrent adds one live vector to the rolling window.
func (dd *DriftDetector) UpdateCurrent(v features.Vector) {
	if !dd.enabled {
		return
	}

	dd.mu.Lock()
	defer dd.mu.Unlock()

	for i, value := range v.Values() {
		dd.observe(dd.current[features.Names[i]], value)
	}
}

// DetectDrift runs every configured method on every feature and returns the
// alerts. After an alert, checks are suppressed for the cooldown.
func (dd *DriftDetector) DetectDrift() []DriftAlert {
	if !dd.enabled {
		return nil
	}

	dd.mu.Lock()
	defer dd.mu.Unlock()

	if time.Since(dd.lastAlertTime) < dd.alertCooldown {
		return nil
	}

	var alerts []DriftAlert
	for _, name := range features.Names {
		base, cur := dd.baseline[name], dd.current[name]
		if !enoughSamples(base, cur) {
			continue
		}
		for _, method := range dd.methods {
			score := driftScore(method, base, cur)
			if score > dd.alertThreshold {
				alerts = append(alerts, newDriftAlert(name, method, score, dd.alertThreshold))
			}
		}
	}

	if len(alerts) > 0 {
		dd.lastAlertTime = time.Now()
	}
	return alerts
}

// GetDriftStatus returns the PSI of every feature, 0 where either window is
// still too small.
func (dd *DriftDetector) GetDriftStatus() map[string]float64 {
	if !dd.enabled {
		return nil
	}

	dd.mu.RLock()
	defer dd.mu.RUnlock()

	status := make(map[string]float64, len(features.Names))
	for _, name := range features.Names {
		base, cur := dd.baseline[name], dd.current[name]
		if enoughSamples(base, cur) {
			status[name] = populationStabilityIndex(base.Samples, cur.Samples)
		} else {
			status[name] = 0
		}
	}
	return status
}

// IsEnabled returns whether drift detection is enabled
func (dd *DriftDetector) IsEnabled() bool {
	return dd.enabled
}

func (dd *DriftDetector) saveBaselineLocked() error {
	if dd.savePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dd.savePath), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(dd.baseline, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(dd.savePath, data, 0o600)
}

// LoadBaseline reads the baseline from the configured path. A missing file
// leaves the baseline empty.
func (dd *DriftDetector) LoadBaseline() error {
	if dd.savePath == "" {
		return nil
	}

	data, err := os.ReadFile(dd.savePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	loaded := make(map[string]*FeatureDistribution)
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("decode drift baseline: %w", err)
	}

	dd.mu.Lock()
	defer dd.mu.Unlock()

	for _, name := range features.Names {
		if dist, ok := loaded[name]; ok && dist != nil {
			dd.baseline[name] = dist
		}
	}
	return nil
}

// observe folds value into dist using Welford's update and appends it to the
// bounded sample window.
func (dd *DriftDetector) observe(dist *FeatureDistribution, value float64) {
	if dist.Count == 0 {
		dist.Min, dist.Max = value, value
	}
	dist.Count++

	n := float64(dist.Count)
	delta := value - dist.Mean
	dist.Mean += delta / n
	// StdDev holds the population deviation; rebuild M2 from it each step
	m2 := dist.StdDev*dist.StdDev*(n-1) + delta*(value-dist.Mean)
	dist.StdDev = math.Sqrt(m2 / n)

	dist.Min = math.Min(dist.Min, value)
	dist.Max = math.Max(dist.Max, value)

	if len(dist.Samples) >= dd.windowSize {
		dist.Samples = dist.Samples[1:]
	}
	dist.Samples = append(dist.Samples, value)
	dist.LastUpdated = time.Now()
}

func enoughSamples(base, cur *FeatureDistribution) bool {
	return base != nil && cur != nil &&
		len(base.Samples) >= minDriftSamples && len(cur.Samples) >= minDriftSamples
}

func driftScore(method DriftMethod, base, cur *FeatureDistribution) float64 {
	switch method {
	case MethodKS:
		return ksStatistic(base.Samples, cur.Samples)
	case MethodPSI:
		return populationStabilityIndex(base.Samples, cur.Samples)
	case MethodMoments:
		return momentShift(base, cur)
	case MethodChiSquare:
		return chiSquare(base.Samples, cur.Samples)
	}
	return 0
}

func newDriftAlert(feature string, method DriftMethod, score, threshold float64) DriftAlert {
	severity := "medium"
	switch {
	case score > threshold*3:
		severity = "critical"
	case score > threshold*2:
		severity = "high"
	}

	var advice string
	switch severity {
	case "critical":
		advice = "retrain before trusting further decisions"
	case "high":
		advice = "schedule retraining"
	default:
		advice = "keep monitoring"
	}

	return DriftAlert{
		Timestamp:      time.Now(),
		FeatureName:    feature,
		Method:         method,
		DriftScore:     score,
		Threshold:      threshold,
		Severity:       severity,
		Recommendation: fmt.Sprintf("%s drift on %s: %s", severity, feature, advice),
	}
}

// ksStatistic is the largest gap between the two empirical CDFs.
func ksStatistic(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	a, b = slices.Sorted(slices.Values(a)), slices.Sorted(slices.Values(b))

	var i, j int
	var gap float64
	for i < len(a) && j < len(b) {
		// step past every copy of the smaller value on both sides so ties
		// move the two CDFs together
		x := math.Min(a[i], b[j])
		for i < len(a) && a[i] == x {
			i++
		}
		for j < len(b) && b[j] == x {
			j++
		}
		d := math.Abs(float64(i)/float64(len(a)) - float64(j)/float64(len(b)))
		gap = math.Max(gap, d)
	}
	return gap
}

// histogram counts a and b over driftBins equal-width bins spanning both.
// ok is false when every value is the same.
func histogram(a, b []float64) (ha, hb []float64, ok bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range [][]float64{a, b} {
		for _, v := range s {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	if !(hi > lo) {
		return nil, nil, false
	}

	width := (hi - lo) / driftBins
	bin := func(v float64) int {
		return min(max(int((v-lo)/width), 0), driftBins-1)
	}

	ha, hb = make([]float64, driftBins), make([]float64, driftBins)
	for _, v := range a {
		ha[bin(v)]++
	}
	for _, v := range b {
		hb[bin(v)]++
	}
	return ha, hb, true
}

// psiFloor stands in for an empty bin share so that mass moving into bins
// the other side never used still counts.
const psiFloor = 1e-4

func populationStabilityIndex(base, cur []float64) float64 {
	hb, hc, ok := histogram(base, cur)
	if !ok {
		return 0
	}

	var psi float64
	nb, nc := float64(len(base)), float64(len(cur))
	for i := range hb {
		pb, pc := max(hb[i]/nb, psiFloor), max(hc[i]/nc, psiFloor)
		psi += (pc - pb) * math.Log(pc/pb)
	}
	return psi
}

// chiSquare uses the baseline shares as expected frequencies for the live
// window. Bins the baseline never saw are skipped.
func chiSquare(base, cur []float64) float64 {
	hb, hc, ok := histogram(base, cur)
	if !ok {
		return 0
	}

	var stat float64
	nb, nc := float64(len(base)), float64(len(cur))
	for i := range hb {
		expected := hb[i] / nb * nc
		if expected > 0 {
			d := hc[i] - expected
			stat += d * d / expected
		}
	}
	return stat / (driftBins - 1)
}

// momentShift averages the relative change of mean and standard deviation.
func momentShift(base, cur *FeatureDistribution) float64 {
	mean := math.Abs(base.Mean-cur.Mean) / (1 + math.Abs(base.Mean))
	std := math.Abs(base.StdDev-cur.StdDev) / (1 + base.StdDev)
	return (mean + std) / 2
}

func quartiles(samples []float64) []float64 {
	if len(samples) == 0 {
		return nil
	}
	sorted := slices.Sorted(slices.Values(samples))
	n := len(sorted)
	return []float64{sorted[n/4], sorted[n/2], sorted[3*n/4]}
}
