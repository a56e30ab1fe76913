// Package session defines the raw interaction telemetry captured for one
// browsing session and decodes it from its JSON wire form.
//
// Decoding is lenient about what is missing and strict about what is present:
// an absent (or null) channel becomes an empty sequence, while a channel of the
// wrong shape is rejected with an error naming the offending field.
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every structural decoding failure.
var ErrMalformed = errors.New("malformed session")

// FieldError reports the first field that failed structural validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("malformed session: %s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrMalformed }

// Keystroke is a single key press. Only T is used by feature extraction.
type Keystroke struct {
	T   float64 `json:"t"`
	Key string  `json:"key,omitempty"`
}

// MouseMove is a sampled pointer position in viewport coordinates.
type MouseMove struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T float64 `json:"t,omitempty"`
}

// Timestamps bounds the session in milliseconds. End may precede Start in
// malformed captures; nothing here clamps it.
type Timestamps struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// RawSession is one captured session as produced by the browser tracker.
type RawSession struct {
	SessionID  string            `json:"session_id,omitempty"`
	Keystrokes []Keystroke       `json:"keystrokes"`
	MouseMoves []MouseMove       `json:"mouse_moves"`
	Clicks     []json.RawMessage `json:"clicks"`
	Timestamps Timestamps        `json:"timestamps"`
	Label      *Label            `json:"is_bot,omitempty"`
}

// Decode parses a raw session document.
func Decode(data []byte) (RawSession, error) {
	obj, err := decodeObject(data, "session")
	if err != nil {
		return RawSession{}, err
	}

	var s RawSession

	if raw, ok := obj["session_id"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &s.SessionID); err != nil {
			return RawSession{}, &FieldError{Field: "session_id", Reason: "expected string"}
		}
	}

	if s.Keystrokes, err = decodeKeystrokes(obj["keystrokes"]); err != nil {
		return RawSession{}, err
	}
	if s.MouseMoves, err = decodeMouseMoves(obj["mouse_moves"]); err != nil {
		return RawSession{}, err
	}
	if s.Clicks, err = decodeArray(obj["clicks"], "clicks"); err != nil {
		return RawSession{}, err
	}
	if s.Timestamps, err = decodeTimestamps(obj["timestamps"]); err != nil {
		return RawSession{}, err
	}

	if raw, ok := obj["is_bot"]; ok && !isNull(raw) {
		label, err := ParseLabel(raw)
		if err != nil {
			return RawSession{}, fmt.Errorf("is_bot: %w", err)
		}
		s.Label = &label
	}

	return s, nil
}

// StripLabel removes is_bot from a session document and returns the remaining
// document together with the canonical label, if one was present.
func StripLabel(data []byte) (json.RawMessage, *Label, error) {
	obj, err := decodeObject(data, "session")
	if err != nil {
		return nil, nil, err
	}

	var label *Label
	if raw, ok := obj["is_bot"]; ok {
		if !isNull(raw) {
			l, err := ParseLabel(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("is_bot: %w", err)
			}
			label = &l
		}
		delete(obj, "is_bot")
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, nil, fmt.Errorf("re-encode session: %w", err)
	}
	return out, label, nil
}

func decodeKeystrokes(raw json.RawMessage) ([]Keystroke, error) {
	items, err := decodeArray(raw, "keystrokes")
	if err != nil || len(items) == 0 {
		return nil, err
	}

	out := make([]Keystroke, len(items))
	for i, item := range items {
		path := fmt.Sprintf("keystrokes[%d]", i)
		obj, err := decodeObject(item, path)
		if err != nil {
			return nil, err
		}
		if out[i].T, err = requiredNumber(obj, "t", path); err != nil {
			return nil, err
		}
		if k, ok := obj["key"]; ok {
			// The key itself is never a feature; a non-string value is ignored.
			_ = json.Unmarshal(k, &out[i].Key)
		}
	}
	return out, nil
}

func decodeMouseMoves(raw json.RawMessage) ([]MouseMove, error) {
	items, err := decodeArray(raw, "mouse_moves")
	if err != nil || len(items) == 0 {
		return nil, err
	}

	out := make([]MouseMove, len(items))
	for i, item := range items {
		path := fmt.Sprintf("mouse_moves[%d]", i)
		obj, err := decodeObject(item, path)
		if err != nil {
			return nil, err
		}
		if out[i].X, err = requiredNumber(obj, "x", path); err != nil {
			return nil, err
		}
		if out[i].Y, err = requiredNumber(obj, "y", path); err != nil {
			return nil, err
		}
		if t, ok := obj["t"]; ok {
			// Move timing is not a feature; a non-numeric value is ignored.
			_ = json.Unmarshal(t, &out[i].T)
		}
	}
	return out, nil
}

func decodeTimestamps(raw json.RawMessage) (Timestamps, error) {
	if len(raw) == 0 || isNull(raw) {
		return Timestamps{}, nil
	}
	obj, err := decodeObject(raw, "timestamps")
	if err != nil {
		return Timestamps{}, err
	}

	var ts Timestamps
	if ts.Start, err = optionalNumber(obj, "start", "timestamps"); err != nil {
		return Timestamps{}, err
	}
	if ts.End, err = optionalNumber(obj, "end", "timestamps"); err != nil {
		return Timestamps{}, err
	}
	return ts, nil
}

func decodeObject(raw json.RawMessage, path string) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &FieldError{Field: path, Reason: "expected object"}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, &FieldError{Field: path, Reason: err.Error()}
	}
	return obj, nil
}

func decodeArray(raw json.RawMessage, path string) ([]json.RawMessage, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] != '[' {
		return nil, &FieldError{Field: path, Reason: "expected array"}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, &FieldError{Field: path, Reason: err.Error()}
	}
	return items, nil
}

func requiredNumber(obj map[string]json.RawMessage, key, path string) (float64, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return 0, &FieldError{Field: path + "." + key, Reason: "missing"}
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, &FieldError{Field: path + "." + key, Reason: "expected number"}
	}
	return v, nil
}

func optionalNumber(obj map[string]json.RawMessage, key, path string) (float64, error) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return 0, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, &FieldError{Field: path + "." + key, Reason: "expected number"}
	}
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
