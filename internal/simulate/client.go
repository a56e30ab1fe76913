package simulate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// APIError is a non-2xx answer from the scoring service.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("botguard: %d %s: %s", e.Status, e.Code, e.Message)
}

// Prediction is the body of a successful /predict call.
type Prediction struct {
	SessionID        string             `json:"session_id"`
	Decision         string             `json:"decision"`
	HumanProbability float64            `json:"human_probability"`
	Threshold        float64            `json:"threshold"`
	Features         map[string]float64 `json:"features"`
	ModelVersion     string             `json:"model_version"`
}

type collectResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

// Client talks to a running scoring service.
type Client struct {
	base string
	rest *resty.Client
}

// NewClient returns a client for the service at base.
func NewClient(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	r.SetHeader("Content-Type", "application/json")
	return &Client{base: strings.TrimRight(base, "/"), rest: r}
}

// Collect stores doc for training and returns its id.
func (c *Client) Collect(ctx context.Context, doc Document) (string, error) {
	out := &collectResp{}
	if err := c.post(ctx, "/collect", doc, out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Predict scores doc.
func (c *Client) Predict(ctx context.Context, doc Document) (Prediction, error) {
	var out Prediction
	if err := c.post(ctx, "/predict", doc, &out); err != nil {
		return Prediction{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	apiErr := &APIError{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		SetError(apiErr).
		Post(c.base + path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		return apiErr
	}
	return nil
}

// Mode selects which endpoint Run drives.
type Mode string

const (
	ModeCollect Mode = "collect"
	ModePredict Mode = "predict"
)

// Summary counts the outcomes of a Run.
type Summary struct {
	Kind    Kind `json:"kind"`
	Sent    int  `json:"sent"`
	Stored  int  `json:"stored"`
	Allowed int  `json:"allowed"`
	Blocked int  `json:"blocked"`
	Failed  int  `json:"failed"`
}

// Run generates count sessions of kind and posts each one. In collect mode
// sessions are labelled only when label is set; unlabelled bot runs can be
// stamped afterwards. A failed request is counted and the run continues.
func Run(ctx context.Context, c *Client, g *Generator, kind Kind, count int, mode Mode, label bool) (Summary, error) {
	sum := Summary{Kind: kind}
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		doc, err := g.Generate(kind)
		if err != nil {
			return sum, err
		}
		sum.Sent++

		switch mode {
		case ModeCollect:
			if label {
				doc = doc.Labelled(kind)
			}
			if _, err := c.Collect(ctx, doc); err != nil {
				sum.Failed++
				log.Warn().Err(err).Int("session", i+1).Msg("collect failed")
				continue
			}
			sum.Stored++
		case ModePredict:
			p, err := c.Predict(ctx, doc)
			if err != nil {
				sum.Failed++
				log.Warn().Err(err).Int("session", i+1).Msg("predict failed")
				continue
			}
			if p.Decision == "allow" {
				sum.Allowed++
			} else {
				sum.Blocked++
			}
		default:
			return sum, fmt.Errorf("unknown mode %q", mode)
		}
	}

	log.Info().
		Str("kind", string(kind)).
		Int("sent", sum.Sent).
		Int("failed", sum.Failed).
		Msg("simulation finished")
	return sum, nil
}
