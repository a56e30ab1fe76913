package ml

import "math"

// DefaultThreshold is the human probability a session must strictly exceed
// to be allowed.
const DefaultThreshold = 0.5

// Outcome is the verdict delivered to the client.
type Outcome string

const (
	Allow Outcome = "allow"
	Block Outcome = "block"
)

// Decision is the result of applying the threshold rule to one score.
type Decision struct {
	Outcome          Outcome `json:"decision"`
	HumanProbability float64 `json:"human_probability"`
	Threshold        float64 `json:"threshold"`
}

func (d Decision) Allowed() bool { return d.Outcome == Allow }

// Decide applies DefaultThreshold.
func Decide(humanProbability float64) Decision {
	return DecideWithThreshold(humanProbability, DefaultThreshold)
}

// DecideWithThreshold allows iff p > threshold. A NaN probability never
// compares greater, so it always blocks.
func DecideWithThreshold(p, threshold float64) Decision {
	out := Block
	if !math.IsNaN(p) && p > threshold {
		out = Allow
	}
	return Decision{Outcome: out, HumanProbability: p, Threshold: threshold}
}
