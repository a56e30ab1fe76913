package features

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"botguard/internal/session"
)

func keystrokesAt(ts ...float64) []session.Keystroke {
	out := make([]session.Keystroke, len(ts))
	for i, t := range ts {
		out[i] = session.Keystroke{T: t}
	}
	return out
}

func TestEngineer_Examples(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   session.RawSession
		want Vector
	}{
		{
			name: "empty session",
			in:   session.RawSession{},
			want: Vector{},
		},
		{
			name: "three keystrokes",
			in: session.RawSession{
				Keystrokes: keystrokesAt(0, 100, 250),
				Timestamps: session.Timestamps{Start: 0, End: 1000},
			},
			want: Vector{KSCount: 3, AvgFlightTime: 125, StdFlightTime: 25, SessionDurationMS: 1000},
		},
		{
			name: "single keystroke is no typing",
			in:   session.RawSession{Keystrokes: keystrokesAt(42)},
			want: Vector{},
		},
		{
			name: "two mouse points",
			in: session.RawSession{
				MouseMoves: []session.MouseMove{{X: 0, Y: 0}, {X: 3, Y: 4}},
				Clicks:     []json.RawMessage{json.RawMessage(`{}`), json.RawMessage(`{}`)},
			},
			want: Vector{MMCount: 2, TotalMouseDist: 5, ClickCount: 2},
		},
		{
			name: "single mouse point is no movement",
			in:   session.RawSession{MouseMoves: []session.MouseMove{{X: 10, Y: 10}}},
			want: Vector{},
		},
		{
			name: "negative duration is kept",
			in:   session.RawSession{Timestamps: session.Timestamps{Start: 500, End: 200}},
			want: Vector{SessionDurationMS: -300},
		},
		{
			name: "non-monotonic keystrokes",
			in:   session.RawSession{Keystrokes: keystrokesAt(100, 50)},
			want: Vector{KSCount: 2, AvgFlightTime: -50, StdFlightTime: 0},
		},
		{
			name: "zero-delay bot typing",
			in:   session.RawSession{Keystrokes: keystrokesAt(10, 10, 10, 10)},
			want: Vector{KSCount: 4},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Engineer(tc.in)
			if got != tc.want {
				t.Errorf("Engineer() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestEngineer_NonFiniteBecomesZero(t *testing.T) {
	t.Parallel()

	s := session.RawSession{
		Keystrokes: keystrokesAt(0, math.Inf(1)),
		MouseMoves: []session.MouseMove{{X: math.NaN(), Y: 0}, {X: 1, Y: 1}},
		Timestamps: session.Timestamps{Start: math.Inf(-1), End: 0},
	}

	got := Engineer(s)
	if !got.Finite() {
		t.Fatalf("expected finite vector, got %+v", got)
	}
	if got.KSCount != 2 || got.AvgFlightTime != 0 || got.StdFlightTime != 0 {
		t.Errorf("keystroke features = %v/%v/%v, want 2/0/0", got.KSCount, got.AvgFlightTime, got.StdFlightTime)
	}
	if got.MMCount != 2 || got.TotalMouseDist != 0 {
		t.Errorf("mouse features = %v/%v, want 2/0", got.MMCount, got.TotalMouseDist)
	}
	if got.SessionDurationMS != 0 {
		t.Errorf("duration = %v, want 0", got.SessionDurationMS)
	}
}

func TestEngineer_Deterministic(t *testing.T) {
	t.Parallel()

	s := session.RawSession{
		Keystrokes: keystrokesAt(0, 87.5, 190.25, 260, 401.125),
		MouseMoves: []session.MouseMove{{X: 1, Y: 2}, {X: 7.5, Y: 9}, {X: 100, Y: -3}},
		Timestamps: session.Timestamps{Start: 1.7e12, End: 1.7e12 + 5321},
	}
	first := Engineer(s)
	for i := 0; i < 100; i++ {
		if got := Engineer(s); got != first {
			t.Fatalf("run %d: %+v != %+v", i, got, first)
		}
	}
}

func TestEngineer_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	ks := keystrokesAt(5, 1, 9)
	s := session.RawSession{Keystrokes: ks}
	_ = Engineer(s)
	if ks[0].T != 5 || ks[1].T != 1 || ks[2].T != 9 {
		t.Errorf("input mutated: %+v", ks)
	}
}

func TestEngineer_Ranges(t *testing.T) {
	t.Parallel()

	s := session.RawSession{
		Keystrokes: keystrokesAt(0, 30, 200, 210, 700),
		MouseMoves: []session.MouseMove{{X: 0, Y: 0}, {X: -4, Y: 3}, {X: -4, Y: 3}, {X: 10, Y: 10}},
	}
	v := Engineer(s)
	if v.StdFlightTime < 0 || v.TotalMouseDist < 0 || v.ClickCount < 0 {
		t.Errorf("negative non-negative feature: %+v", v)
	}
	for _, c := range []float64{v.KSCount, v.MMCount} {
		if c != 0 && c < 2 {
			t.Errorf("count %v must be 0 or >= 2", c)
		}
	}
}

func TestEngineerJSON(t *testing.T) {
	t.Parallel()

	v, err := EngineerJSON([]byte(`{
		"keystrokes": [{"t": 0}, {"t": 100}, {"t": 250}],
		"mouse_moves": [{"x": 0, "y": 0}, {"x": 3, "y": 4}],
		"clicks": [{"x": 0, "y": 0}],
		"timestamps": {"start": 10, "end": 20}
	}`))
	if err != nil {
		t.Fatalf("EngineerJSON() error = %v", err)
	}
	want := Vector{KSCount: 3, AvgFlightTime: 125, StdFlightTime: 25, MMCount: 2, TotalMouseDist: 5, ClickCount: 1, SessionDurationMS: 10}
	if v != want {
		t.Errorf("EngineerJSON() = %+v, want %+v", v, want)
	}

	if _, err := EngineerJSON([]byte(`{"keystrokes": {"t": 1}}`)); !errors.Is(err, session.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestVector_ValuesOrder(t *testing.T) {
	t.Parallel()

	v := Vector{KSCount: 1, AvgFlightTime: 2, StdFlightTime: 3, MMCount: 4, TotalMouseDist: 5, ClickCount: 6, SessionDurationMS: 7}
	vals := v.Values()
	if len(vals) != Count {
		t.Fatalf("len = %d, want %d", len(vals), Count)
	}
	for i, x := range vals {
		if x != float64(i+1) {
			t.Errorf("Values()[%d] = %v, want %v", i, x, i+1)
		}
	}

	// json field names follow Names order
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]float64
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	for i, name := range Names {
		if m[name] != vals[i] {
			t.Errorf("%s = %v, want %v", name, m[name], vals[i])
		}
	}

	back, err := FromValues(vals)
	if err != nil || back != v {
		t.Errorf("FromValues round trip = %+v, %v", back, err)
	}
	if _, err := FromValues(vals[:3]); err == nil {
		t.Error("expected error for short row")
	}
}

func TestVector_Float32s(t *testing.T) {
	t.Parallel()

	got := Vector{KSCount: 3, SessionDurationMS: -1.5}.Float32s()
	if len(got) != Count || got[0] != 3 || got[6] != -1.5 {
		t.Errorf("Float32s() = %v", got)
	}
}
