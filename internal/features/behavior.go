package features

import (
	"fmt"
	"math"

	"botguard/internal/session"
)

// Count is the width of every feature vector.
const Count = 7

// Names lists the features in the column order shared by training export and
// the classifier input tensor. Reordering it invalidates every trained model.
var Names = [Count]string{
	"ks_count",
	"avg_flight_time",
	"std_flight_time",
	"mm_count",
	"total_mouse_dist",
	"click_count",
	"session_duration_ms",
}

// Vector is the fixed-width behavioural summary of one session.
type Vector struct {
	KSCount           float64 `json:"ks_count"`
	AvgFlightTime     float64 `json:"avg_flight_time"`
	StdFlightTime     float64 `json:"std_flight_time"`
	MMCount           float64 `json:"mm_count"`
	TotalMouseDist    float64 `json:"total_mouse_dist"`
	ClickCount        float64 `json:"click_count"`
	SessionDurationMS float64 `json:"session_duration_ms"`
}

// Values returns the features in Names order.
func (v Vector) Values() []float64 {
	return []float64{
		v.KSCount,
		v.AvgFlightTime,
		v.StdFlightTime,
		v.MMCount,
		v.TotalMouseDist,
		v.ClickCount,
		v.SessionDurationMS,
	}
}

// Float32s converts to the classifier's input element type.
func (v Vector) Float32s() []float32 {
	vals := v.Values()
	out := make([]float32, len(vals))
	for i, x := range vals {
		out[i] = float32(x)
	}
	return out
}

// FromValues builds a Vector from a row in Names order.
func FromValues(vals []float64) (Vector, error) {
	if len(vals) != Count {
		return Vector{}, fmt.Errorf("expected %d features, got %d", Count, len(vals))
	}
	return Vector{
		KSCount:           vals[0],
		AvgFlightTime:     vals[1],
		StdFlightTime:     vals[2],
		MMCount:           vals[3],
		TotalMouseDist:    vals[4],
		ClickCount:        vals[5],
		SessionDurationMS: vals[6],
	}, nil
}

// Engineer turns a decoded session into its feature vector. It is pure and
// deterministic; the training and inference paths both go through it.
func Engineer(s session.RawSession) Vector {
	var v Vector

	v.KSCount, v.AvgFlightTime, v.StdFlightTime = keystrokeFeatures(s.Keystrokes)
	v.MMCount, v.TotalMouseDist = mouseFeatures(s.MouseMoves)
	v.ClickCount = float64(len(s.Clicks))
	v.SessionDurationMS = s.Timestamps.End - s.Timestamps.Start

	return v.sanitized()
}

// EngineerJSON decodes a raw session document and extracts its features.
func EngineerJSON(data []byte) (Vector, error) {
	s, err := session.Decode(data)
	if err != nil {
		return Vector{}, err
	}
	return Engineer(s), nil
}

// A single keystroke has no flight time; it is reported as no typing at all.
func keystrokeFeatures(ks []session.Keystroke) (count, avg, std float64) {
	n := len(ks)
	if n < 2 {
		return 0, 0, 0
	}

	flights := make([]float64, n-1)
	for i := 1; i < n; i++ {
		flights[i-1] = ks[i].T - ks[i-1].T
	}

	var sum float64
	for _, f := range flights {
		sum += f
	}
	mean := sum / float64(len(flights))

	var sq float64
	for _, f := range flights {
		d := f - mean
		sq += d * d
	}

	return float64(n), mean, math.Sqrt(sq / float64(len(flights)))
}

func mouseFeatures(moves []session.MouseMove) (count, dist float64) {
	n := len(moves)
	if n < 2 {
		return 0, 0
	}
	for i := 1; i < n; i++ {
		dx := moves[i].X - moves[i-1].X
		dy := moves[i].Y - moves[i-1].Y
		dist += math.Sqrt(dx*dx + dy*dy)
	}
	return float64(n), dist
}

func (v Vector) sanitized() Vector {
	out, _ := FromValues(mapFinite(v.Values()))
	return out
}

func mapFinite(vals []float64) []float64 {
	for i, x := range vals {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			vals[i] = 0
		}
	}
	return vals
}

// Finite reports whether every feature is a finite number.
func (v Vector) Finite() bool {
	for _, x := range v.Values() {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
