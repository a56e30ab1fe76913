package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"botguard/internal/features"
)

// MetricsInterface defines metrics methods needed by the predictors
type MetricsInterface interface {
	MLPredictionsInc()
	MLFailuresInc()
	MLLatencyObserve(float64)
	MLModelAgeSet(float64)
	MLPredictionScoresObserve(float64)
	MLTimeoutsInc()
	MLFallbackUseInc()
	MLCacheHitsInc()
}

// inferenceRunner executes one inference request and returns the raw
// response document.
type inferenceRunner func(ctx context.Context, request []byte) ([]byte, error)

// Predictor runs the exported classifier through an onnxruntime process.
// Index 0 of the output is the human class (is_bot = 0.0), index 1 the bot
// class.
type Predictor struct {
	mu            sync.RWMutex
	available     bool
	modelPath     string
	pythonPath    string
	scriptPath    string
	timeout       time.Duration
	modelCreated  time.Time
	healthChecked time.Time
	metrics       MetricsInterface
	run           inferenceRunner
}

// PredictorOptions configures NewPredictor.
type PredictorOptions struct {
	ModelPath  string
	PythonPath string // empty means auto-detect
	Timeout    time.Duration
	Metrics    MetricsInterface
}

type PredictionRequest struct {
	Features []float32 `json:"features"`
}

type PredictionResponse struct {
	Probabilities []float64 `json:"probabilities"`
	Prediction    int       `json:"prediction"`
	Error         string    `json:"error,omitempty"`
}

// NewPredictor never fails because of a missing model or runtime; the
// predictor is returned unavailable instead and every call reports
// ErrModelUnavailable.
func NewPredictor(opts PredictorOptions) (*Predictor, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	p := &Predictor{
		modelPath: opts.ModelPath,
		timeout:   opts.Timeout,
		metrics:   opts.Metrics,
	}

	info, err := os.Stat(opts.ModelPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("model_path", opts.ModelPath).Msg("ONNX model not found, scoring disabled")
		} else {
			log.Warn().Err(err).Str("model_path", opts.ModelPath).Msg("failed to stat model file")
		}
		return p, nil
	}
	p.modelCreated = info.ModTime()

	pythonPath := opts.PythonPath
	if pythonPath == "" {
		if pythonPath, err = findPython(); err != nil {
			log.Warn().Err(err).Msg("python not found, scoring disabled")
			return p, nil
		}
	}

	scriptPath, err := resolveInferenceScript(opts.ModelPath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to prepare inference script, scoring disabled")
		return p, nil
	}

	p.pythonPath = pythonPath
	p.scriptPath = scriptPath
	p.run = p.runPython
	p.available = true

	if err := p.healthCheck(context.Background()); err != nil {
		log.Warn().Err(err).Msg("model health check failed, scoring disabled")
		p.available = false
	} else {
		log.Info().Str("model_path", opts.ModelPath).Msg("ONNX model loaded successfully")
	}

	if p.metrics != nil && !p.modelCreated.IsZero() {
		p.metrics.MLModelAgeSet(time.Since(p.modelCreated).Seconds())
	}

	return p, nil
}

func (p *Predictor) Available() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

// ModelVersion identifies the artifact by file modification time.
func (p *Predictor) ModelVersion() string {
	if p == nil || p.modelCreated.IsZero() {
		return "none"
	}
	return p.modelCreated.UTC().Format("20060102-150405")
}

// HumanProbability scores one vector.
func (p *Predictor) HumanProbability(ctx context.Context, v features.Vector) (float64, error) {
	if p == nil {
		return 0, ErrModelUnavailable
	}

	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.MLLatencyObserve(time.Since(start).Seconds())
		}
	}()

	probs, err := p.predict(ctx, v.Float32s())
	if err != nil {
		if p.metrics != nil && !errors.Is(err, ErrModelUnavailable) {
			p.metrics.MLFailuresInc()
		}
		return 0, err
	}

	if p.metrics != nil {
		p.metrics.MLPredictionsInc()
		p.metrics.MLPredictionScoresObserve(probs[0])
	}
	return probs[0], nil
}

// Predict returns [p_human, p_bot] for a raw input row.
func (p *Predictor) Predict(row []float32) ([]float32, error) {
	if p == nil {
		return nil, fmt.Errorf("predictor is nil")
	}
	probs, err := p.predict(context.Background(), row)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(probs))
	for i, v := range probs {
		out[i] = float32(v)
	}
	return out, nil
}

func (p *Predictor) predict(ctx context.Context, row []float32) ([]float64, error) {
	p.mu.RLock()
	available, run := p.available, p.run
	p.mu.RUnlock()

	if !available || run == nil {
		return nil, ErrModelUnavailable
	}

	if len(row) != features.Count {
		return nil, fmt.Errorf("%w: expected %d features, got %d", ErrInvalidInput, features.Count, len(row))
	}
	for i, f := range row {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, fmt.Errorf("%w: feature %s is not finite", ErrInvalidInput, features.Names[i])
		}
	}

	reqJSON, err := json.Marshal(PredictionRequest{Features: row})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := run(ctx, reqJSON)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.mu.Lock()
			p.healthChecked = time.Time{}
			p.mu.Unlock()
			if p.metrics != nil {
				p.metrics.MLTimeoutsInc()
			}
			return nil, fmt.Errorf("%w: timeout after %v", ErrInference, p.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	var resp PredictionResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		log.Error().Err(err).Str("stdout", string(out)).Msg("failed to parse prediction response")
		return nil, fmt.Errorf("%w: parse response: %v", ErrInference, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrInference, resp.Error)
	}
	if err := validateProbabilities(resp.Probabilities); err != nil {
		log.Error().Err(err).Interface("probabilities", resp.Probabilities).Msg("invalid prediction response")
		return nil, err
	}

	log.Debug().
		Interface("features", row).
		Interface("probabilities", resp.Probabilities).
		Msg("prediction successful")

	return resp.Probabilities, nil
}

func validateProbabilities(probs []float64) error {
	if len(probs) != 2 {
		return fmt.Errorf("%w: expected 2 probabilities, got %d", ErrInference, len(probs))
	}
	for i, prob := range probs {
		if math.IsNaN(prob) || prob < 0 || prob > 1 {
			return fmt.Errorf("%w: invalid probability %d: %f", ErrInference, i, prob)
		}
	}
	return nil
}

func (p *Predictor) runPython(ctx context.Context, request []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.pythonPath, p.scriptPath, p.modelPath)
	cmd.Stdin = bytes.NewReader(request)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Error().
			Err(err).
			Str("python_path", p.pythonPath).
			Str("script_path", p.scriptPath).
			Str("model_path", p.modelPath).
			Str("stderr", stderr.String()).
			Str("stdout", stdout.String()).
			Bool("context_cancelled", ctx.Err() != nil).
			Msg("python inference execution failed")

		switch {
		case strings.Contains(stdout.String(), "onnxruntime not installed"):
			return nil, fmt.Errorf("ONNX runtime dependency missing: %w", err)
		case strings.Contains(stderr.String(), "No such file or directory"):
			return nil, fmt.Errorf("model file not accessible: %w", err)
		case strings.Contains(stderr.String(), "Permission denied"):
			return nil, fmt.Errorf("permission denied accessing model files: %w", err)
		}
		// The script reports its own errors as JSON on stdout.
		if stdout.Len() > 0 {
			return stdout.Bytes(), nil
		}
		return nil, fmt.Errorf("python inference failed: %w, stderr: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (p *Predictor) healthCheck(ctx context.Context) error {
	p.mu.RLock()
	recent := time.Since(p.healthChecked) < 5*time.Minute
	p.mu.RUnlock()
	if recent {
		return nil
	}

	probe := features.Vector{KSCount: 10, AvgFlightTime: 120, StdFlightTime: 40, MMCount: 50, TotalMouseDist: 800, ClickCount: 2, SessionDurationMS: 8000}
	if _, err := p.predict(ctx, probe.Float32s()); err != nil {
		return err
	}
	p.mu.Lock()
	p.healthChecked = time.Now()
	p.mu.Unlock()
	return nil
}

func findPython() (string, error) {
	const probe = "import sys, onnxruntime; print('Python', sys.version)"

	var candidates []string
	if venvPath := os.Getenv("VIRTUAL_ENV"); venvPath != "" {
		candidates = append(candidates,
			filepath.Join(venvPath, "bin", "python3"),
			filepath.Join(venvPath, "bin", "python"),
			filepath.Join(venvPath, "Scripts", "python.exe"),
		)
	}
	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		for _, root := range []string{execDir, filepath.Dir(execDir)} {
			candidates = append(candidates,
				filepath.Join(root, "venv", "bin", "python3"),
				filepath.Join(root, ".venv", "bin", "python3"),
			)
		}
	}
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			candidates = append(candidates, path)
		}
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		out, err := exec.Command(candidate, "-c", probe).Output()
		if err == nil && strings.Contains(string(out), "Python 3") {
			log.Info().Str("python_path", candidate).Msg("using python with onnxruntime")
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no python 3 with onnxruntime found")
}

// resolveInferenceScript prefers a script shipped next to the model and
// otherwise writes the embedded one.
func resolveInferenceScript(modelPath string) (string, error) {
	dir := filepath.Dir(modelPath)
	shipped := filepath.Join(dir, "onnx_inference.py")
	if _, err := os.Stat(shipped); err == nil {
		return shipped, nil
	}

	embedded := filepath.Join(dir, "onnx_inference_embedded.py")
	if err := os.WriteFile(embedded, []byte(inferenceScript), 0o755); err != nil {
		return "", err
	}
	return embedded, nil
}

const inferenceScript = `#!/usr/bin/env python3
"""ONNX inference for the session classifier (embedded version)."""
import sys
import json
import numpy as np

try:
    import onnxruntime as ort
except ImportError:
    print(json.dumps({"error": "onnxruntime not installed"}))
    sys.exit(1)


def to_probabilities(output):
    # Tree-ensemble exports emit a ZipMap: a list of {class: probability}.
    if isinstance(output, list) and output and isinstance(output[0], dict):
        row = output[0]
        keys = sorted(row.keys(), key=float)
        return [float(row[k]) for k in keys]
    arr = np.asarray(output)
    if arr.ndim > 1 and arr.shape[-1] == 2:
        return arr[0].astype(float).tolist()
    p_bot = float(arr.reshape(-1)[0])
    return [1.0 - p_bot, p_bot]


def main():
    if len(sys.argv) != 2:
        print(json.dumps({"error": "usage: onnx_inference.py <model_path>"}))
        sys.exit(1)

    try:
        request = json.load(sys.stdin)
        features = np.array([request["features"]], dtype=np.float32)

        session = ort.InferenceSession(sys.argv[1])
        input_name = session.get_inputs()[0].name
        outputs = session.run(None, {input_name: features})

        probabilities = to_probabilities(outputs[1] if len(outputs) >= 2 else outputs[0])
        total = sum(probabilities)
        if total > 0 and abs(total - 1.0) > 0.01:
            probabilities = [p / total for p in probabilities]

        print(json.dumps({
            "probabilities": probabilities,
            "prediction": int(np.argmax(probabilities)),
        }))
    except Exception as e:
        print(json.dumps({"error": str(e)}))
        sys.exit(1)


if __name__ == "__main__":
    main()
`
