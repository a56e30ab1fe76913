package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botguard/internal/features"
	"botguard/internal/ml"
	"botguard/internal/scoring"
	"botguard/internal/session"
	"botguard/internal/storage"
)

const humanDoc = `{"session_id":"h-1","keystrokes":[{"t":0},{"t":100},{"t":250}],"mouse_moves":[{"x":0,"y":0},{"x":3,"y":4}],"clicks":[{}],"timestamps":{"start":1000,"end":4000}}`

func init() {
	gin.SetMode(gin.TestMode)
}

type stubScorer struct {
	p   float64
	err error
}

func (s stubScorer) HumanProbability(context.Context, features.Vector) (float64, error) {
	return s.p, s.err
}

func (s stubScorer) Available() bool      { return s.err == nil }
func (s stubScorer) ModelVersion() string { return "stub-1" }

func newTestServer(t *testing.T, deps scoring.Deps, opts Options) *Server {
	t.Helper()
	opts.Debug = true
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	return New(scoring.New(deps), opts)
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func do(s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestPredict(t *testing.T) {
	tests := []struct {
		name     string
		p        float64
		decision string
	}{
		{"human", 0.9, "allow"},
		{"bot", 0.1, "block"},
		{"boundary blocks", 0.5, "block"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, scoring.Deps{Scorer: stubScorer{p: tt.p}}, Options{})

			w := do(s, http.MethodPost, "/predict", humanDoc, nil)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			resp := decode[PredictResponse](t, w)
			assert.Equal(t, tt.decision, resp.Decision)
			assert.Equal(t, tt.p, resp.HumanProbability)
			assert.Equal(t, 0.5, resp.Threshold)
			assert.Equal(t, "h-1", resp.SessionID)
			assert.Equal(t, "stub-1", resp.ModelVersion)
			assert.Equal(t, 3.0, resp.Features.KSCount)
			assert.Equal(t, 5.0, resp.Features.TotalMouseDist)
			assert.Equal(t, 3000.0, resp.Features.SessionDurationMS)
		})
	}
}

func TestPredict_BadInput(t *testing.T) {
	s := newTestServer(t, scoring.Deps{Scorer: stubScorer{p: 0.9}}, Options{})

	for _, body := range []string{
		`not json`,
		`{"keystrokes":"abc"}`,
		`{"keystrokes":[{"t":"soon"}]}`,
		`{"mouse_moves":[{"x":1}]}`,
		`{"timestamps":{"start":"x"}}`,
	} {
		w := do(s, http.MethodPost, "/predict", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		resp := decode[map[string]string](t, w)
		assert.Equal(t, "invalid_session", resp["error"])
		assert.NotContains(t, w.Body.String(), "decision")
	}
}

func TestPredict_EmptyBody(t *testing.T) {
	s := newTestServer(t, scoring.Deps{Scorer: stubScorer{p: 0.9}}, Options{})
	w := do(s, http.MethodPost, "/predict", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPredict_Unavailable(t *testing.T) {
	tests := []struct {
		name   string
		scorer ml.Scorer
	}{
		{"no scorer", nil},
		{"model unavailable", stubScorer{err: ml.ErrModelUnavailable}},
		{"inference failure", stubScorer{err: fmt.Errorf("%w: exit status 1", ml.ErrInference)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, scoring.Deps{Scorer: tt.scorer}, Options{})
			w := do(s, http.MethodPost, "/predict", humanDoc, nil)
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			assert.NotContains(t, w.Body.String(), "allow")
		})
	}
}

func TestPredict_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, scoring.Deps{Scorer: stubScorer{p: 0.9}}, Options{MaxBodyBytes: 64})
	w := do(s, http.MethodPost, "/predict", humanDoc, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestCollect(t *testing.T) {
	store := newTestStore(t)
	s := newTestServer(t, scoring.Deps{Store: store}, Options{})

	body := strings.Replace(humanDoc, `{"session_id"`, `{"is_bot":true,"session_id"`, 1)
	w := do(s, http.MethodPost, "/collect", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[CollectResponse](t, w)
	assert.Equal(t, "success", resp.Status)
	require.NotEmpty(t, resp.ID)

	stored, err := store.GetSession(resp.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Label)
	assert.Equal(t, session.LabelBot, *stored.Label)
	assert.NotContains(t, string(stored.Raw), "is_bot")
}

func TestCollect_Errors(t *testing.T) {
	t.Run("bad label", func(t *testing.T) {
		s := newTestServer(t, scoring.Deps{Store: newTestStore(t)}, Options{})
		w := do(s, http.MethodPost, "/collect", `{"is_bot":"maybe"}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed session", func(t *testing.T) {
		s := newTestServer(t, scoring.Deps{Store: newTestStore(t)}, Options{})
		w := do(s, http.MethodPost, "/collect", `{"clicks":4}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no store", func(t *testing.T) {
		s := newTestServer(t, scoring.Deps{}, Options{})
		w := do(s, http.MethodPost, "/collect", humanDoc, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		store, err := storage.New(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, store.Close())

		s := newTestServer(t, scoring.Deps{Store: store}, Options{})
		w := do(s, http.MethodPost, "/collect", humanDoc, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "internal_error", decode[map[string]string](t, w)["error"])
	})
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, scoring.Deps{Scorer: stubScorer{p: 0.7}}, Options{})
	w := do(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.True(t, resp.ModelAvailable)

	s = newTestServer(t, scoring.Deps{}, Options{})
	w = do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, w).Status)
}

func TestModelInfo(t *testing.T) {
	s := newTestServer(t, scoring.Deps{Scorer: stubScorer{p: 0.7}, Threshold: 0.6}, Options{})
	w := do(s, http.MethodGet, "/model/info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	info := decode[scoring.ModelInfo](t, w)
	assert.Equal(t, "stub-1", info.Version)
	assert.Equal(t, 0.6, info.Threshold)
	assert.Equal(t, features.Names[:], info.Features)
}

// trackedScorer reports health the way ml.ProductionPredictor does.
type trackedScorer struct {
	stubScorer
	health ml.HealthStatus
}

func (s trackedScorer) Health() ml.HealthStatus     { return s.health }
func (s trackedScorer) Performance() ml.Performance { return ml.Performance{Predictions: 7, Errors: 3} }

func fallbackPredictor(t *testing.T) *ml.ProductionPredictor {
	t.Helper()
	pp, err := ml.NewProductionPredictor(ml.PredictorConfig{
		ModelPath:       filepath.Join(t.TempDir(), "model.onnx"),
		FallbackEnabled: true,
		CacheSize:       10,
		CacheTTL:        time.Minute,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(pp.Close)
	return pp
}

func TestHealth_PredictorStatus(t *testing.T) {
	s := newTestServer(t, scoring.Deps{Scorer: fallbackPredictor(t)}, Options{})
	w := do(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	require.NotNil(t, resp.Predictor)
	assert.True(t, resp.Predictor.FallbackActive)
	assert.False(t, resp.Predictor.ModelLoaded)
	assert.Equal(t, "fallback-heuristic", resp.Predictor.ModelVersion)

	// scoring still works but too many attempts fail
	unhealthy := trackedScorer{stubScorer: stubScorer{p: 0.8}, health: ml.HealthStatus{Healthy: false, ErrorRate: 0.3}}
	s = newTestServer(t, scoring.Deps{Scorer: unhealthy}, Options{})
	w = do(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[HealthResponse](t, w)
	assert.Equal(t, "degraded", resp.Status)
	require.NotNil(t, resp.Predictor)
	assert.InDelta(t, 0.3, resp.Predictor.ErrorRate, 1e-9)
}

func TestModelInfo_HealthAndDrift(t *testing.T) {
	drift := ml.NewDriftDetector(ml.DriftDetectionConfig{Enabled: true})
	s := newTestServer(t, scoring.Deps{Scorer: fallbackPredictor(t), Drift: drift}, Options{})

	w := do(s, http.MethodPost, "/predict", humanDoc, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/model/info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[scoring.ModelInfo](t, w)

	require.NotNil(t, info.Health)
	assert.True(t, info.Health.Healthy)
	assert.True(t, info.Health.FallbackActive)
	require.NotNil(t, info.Performance)
	assert.Zero(t, info.Performance.Errors)
	require.NotNil(t, info.Metadata)
	assert.Equal(t, features.Names[:], info.Metadata.Features)

	assert.Len(t, info.Drift, len(features.Names))
	for name, score := range info.Drift {
		assert.Zero(t, score, name)
	}

	// a plain scorer carries no health block
	s = newTestServer(t, scoring.Deps{Scorer: trackedScorer{stubScorer: stubScorer{p: 0.7}}}, Options{})
	info = decode[scoring.ModelInfo](t, do(s, http.MethodGet, "/model/info", "", nil))
	require.NotNil(t, info.Performance)
	assert.Equal(t, int64(7), info.Performance.Predictions)

	s = newTestServer(t, scoring.Deps{Scorer: stubScorer{p: 0.7}}, Options{})
	info = decode[scoring.ModelInfo](t, do(s, http.MethodGet, "/model/info", "", nil))
	assert.Nil(t, info.Health)
	assert.Nil(t, info.Performance)
	assert.Nil(t, info.Drift)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "botguard_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s := newTestServer(t, scoring.Deps{}, Options{Gatherer: reg})
	w := do(s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "botguard_test_total 1")
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, scoring.Deps{}, Options{CORSOrigins: []string{"https://shop.example"}})

	w := do(s, http.MethodOptions, "/predict", "", http.Header{"Origin": {"https://shop.example"}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = do(s, http.MethodGet, "/model/info", "", http.Header{"Origin": {"https://evil.example"}})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_Wildcard(t *testing.T) {
	s := newTestServer(t, scoring.Deps{}, Options{})
	w := do(s, http.MethodGet, "/model/info", "", http.Header{"Origin": {"https://any.example"}})
	assert.Equal(t, "https://any.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t, scoring.Deps{}, Options{})

	w := do(s, http.MethodGet, "/model/info", "", http.Header{requestIDHeader: {"req-42"}})
	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))

	w = do(s, http.MethodGet, "/model/info", "", http.Header{"x-request-id": {"req-43"}})
	assert.Equal(t, "req-43", w.Header().Get(requestIDHeader))

	w = do(s, http.MethodGet, "/model/info", "", nil)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestRecovery(t *testing.T) {
	s := newTestServer(t, scoring.Deps{}, Options{})
	s.Router().GET("/boom", func(*gin.Context) { panic(errors.New("boom")) })

	w := do(s, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", decode[map[string]string](t, w)["error"])
}

func TestFeedRoute(t *testing.T) {
	s := newTestServer(t, scoring.Deps{}, Options{})
	w := do(s, http.MethodGet, "/ws/decisions", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	called := false
	feed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})
	s = newTestServer(t, scoring.Deps{}, Options{Feed: feed})
	w = do(s, http.MethodGet, "/ws/decisions", "", nil)
	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestRunAndShutdown(t *testing.T) {
	s := newTestServer(t, scoring.Deps{}, Options{ListenAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	assert.NoError(t, <-done)
}
