package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"botguard/internal/features"
	"botguard/internal/ml"
	"botguard/internal/scoring"
)

// PredictResponse is the body of a successful POST /predict.
type PredictResponse struct {
	SessionID        string          `json:"session_id"`
	Decision         string          `json:"decision"`
	HumanProbability float64         `json:"human_probability"`
	Threshold        float64         `json:"threshold"`
	Features         features.Vector `json:"features"`
	ModelVersion     string          `json:"model_version"`
}

// CollectResponse is the body of a successful POST /collect.
type CollectResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

// HealthResponse is the body of GET /health.
// Status is "degraded" with 503 when nothing can score, and "degraded"
// with 200 when the scorer works but reports itself unhealthy.
type HealthResponse struct {
	Status         string           `json:"status"`
	ModelAvailable bool             `json:"model_available"`
	ModelVersion   string           `json:"model_version"`
	Predictor      *ml.HealthStatus `json:"predictor,omitempty"`
	Timestamp      string           `json:"timestamp"`
}

func (s *Server) collectHandler(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	id, err := s.svc.Collect(c.Request.Context(), body)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CollectResponse{
		Status:  "success",
		Message: "session stored",
		ID:      id,
	})
}

func (s *Server) predictHandler(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}

	res, err := s.svc.Score(c.Request.Context(), body)
	if err != nil {
		s.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, PredictResponse{
		SessionID:        res.SessionID,
		Decision:         string(res.Decision.Outcome),
		HumanProbability: res.Decision.HumanProbability,
		Threshold:        res.Decision.Threshold,
		Features:         res.Features,
		ModelVersion:     res.ModelVersion,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	info := s.svc.ModelInfo()

	status, code := "healthy", http.StatusOK
	switch {
	case !info.Available:
		status, code = "degraded", http.StatusServiceUnavailable
	case info.Health != nil && !info.Health.Healthy:
		status = "degraded"
	}

	c.JSON(code, HealthResponse{
		Status:         status,
		ModelAvailable: info.Available,
		ModelVersion:   info.Version,
		Predictor:      info.Health,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) modelInfoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.ModelInfo())
}

// readBody reads the capped request body, answering 413 or 400 itself when
// it cannot.
func readBody(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "payload_too_large",
				"message": "request body exceeds the configured limit",
			})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "failed to read request body",
		})
		return nil, false
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body is empty",
		})
		return nil, false
	}
	return body, true
}

func (s *Server) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scoring.ErrBadInput):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session",
			"message": err.Error(),
		})
	case errors.Is(err, scoring.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": err.Error(),
		})
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
