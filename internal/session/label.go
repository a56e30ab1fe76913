package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidLabel is returned for ground truth that is neither 0 nor 1.
var ErrInvalidLabel = errors.New("invalid label")

// Label is the ground-truth class of a session. It is always held as a float
// discriminator, and always written as one, so a corpus never mixes integer and
// float encodings of the same class.
type Label float64

const (
	LabelHuman Label = 0.0
	LabelBot   Label = 1.0
)

// ParseLabel canonicalises a JSON label value. Accepted inputs are 0, 1, 0.0,
// 1.0, true and false.
func ParseLabel(raw json.RawMessage) (Label, error) {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "true":
		return LabelBot, nil
	case "false":
		return LabelHuman, nil
	}

	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidLabel, string(trimmed))
	}
	return labelFromFloat(v)
}

// LabelFromString parses command-line style labels: bot, human, 1, 0.
func LabelFromString(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bot", "true":
		return LabelBot, nil
	case "human", "false":
		return LabelHuman, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLabel, s)
	}
	return labelFromFloat(v)
}

func labelFromFloat(v float64) (Label, error) {
	switch v {
	case 0:
		return LabelHuman, nil
	case 1:
		return LabelBot, nil
	}
	return 0, fmt.Errorf("%w: %v", ErrInvalidLabel, v)
}

func (l Label) IsBot() bool { return l == LabelBot }

// Float64 returns the numeric training target.
func (l Label) Float64() float64 { return float64(l) }

func (l Label) String() string {
	if l.IsBot() {
		return "Bot (1.0)"
	}
	return "Human (0.0)"
}

// MarshalJSON always emits a float literal (0.0 / 1.0).
func (l Label) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(l), 'f', 1, 64)), nil
}

func (l *Label) UnmarshalJSON(data []byte) error {
	parsed, err := ParseLabel(data)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
