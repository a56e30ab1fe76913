// Package simulate produces synthetic login-form sessions, human-like and
// bot-like, and drives them against a running scoring service.
package simulate

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Kind selects the behaviour a generated session imitates.
type Kind string

const (
	// Human types with jittered flight times and moves along curved paths.
	Human Kind = "human"
	// SimpleBot types with no delay and never moves the mouse between fields.
	SimpleBot Kind = "simple"
	// IntermediateBot types the username at a fixed 50ms, the password at a
	// single random delay, and moves in straight jittered 20-step lines.
	IntermediateBot Kind = "intermediate"
)

// Kinds lists every generator in a stable order.
var Kinds = []Kind{Human, SimpleBot, IntermediateBot}

// ParseKind maps a name to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown session kind %q (want human, simple or intermediate)", s)
}

// IsBot reports the label a session of this kind carries.
func (k Kind) IsBot() bool { return k != Human }

// Keystroke, MouseMove and Click mirror what the browser tracker records.
// Times are milliseconds since the session started.
type Keystroke struct {
	Key string  `json:"key"`
	T   float64 `json:"t"`
}

type MouseMove struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T float64 `json:"t"`
}

type Click struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Target string  `json:"target"`
	T      float64 `json:"t"`
}

// Timestamps are wall-clock epoch milliseconds.
type Timestamps struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Document is one session as the tracker would post it.
type Document struct {
	SessionID  string      `json:"session_id,omitempty"`
	Keystrokes []Keystroke `json:"keystrokes"`
	MouseMoves []MouseMove `json:"mouse_moves"`
	Clicks     []Click     `json:"clicks"`
	Timestamps Timestamps  `json:"timestamps"`
	IsBot      *float64    `json:"is_bot,omitempty"`
}

// JSON encodes the document.
func (d Document) JSON() ([]byte, error) {
	return json.Marshal(d)
}

// Labelled returns a copy carrying the canonical label for kind.
func (d Document) Labelled(kind Kind) Document {
	label := 0.0
	if kind.IsBot() {
		label = 1.0
	}
	d.IsBot = &label
	return d
}

type box struct {
	x, y, w, h float64
	tag        string
}

func (b box) center() (float64, float64) { return b.x + b.w/2, b.y + b.h/2 }

// login form layout in client coordinates
var (
	usernameField = box{x: 320, y: 180, w: 240, h: 32, tag: "INPUT"}
	passwordField = box{x: 320, y: 240, w: 240, h: 32, tag: "INPUT"}
	submitButton  = box{x: 380, y: 300, w: 120, h: 36, tag: "BUTTON"}
)

const (
	trackerThrottleMS = 20 // minimum gap between recorded mouse moves
	botSteps          = 20
	botStepMS         = 15
	botUsernameDelay  = 50
)

// Generator builds synthetic sessions. It is safe for concurrent use.
type Generator struct {
	mu    sync.Mutex
	faker *gofakeit.Faker
	now   func() time.Time
}

// NewGenerator returns a generator seeded with seed; 0 picks a random seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{faker: gofakeit.New(seed), now: time.Now}
}

// Generate returns an unlabelled session of the given kind.
func (g *Generator) Generate(kind Kind) (Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var s recorder
	switch kind {
	case Human:
		g.human(&s)
	case SimpleBot:
		g.simpleBot(&s)
	case IntermediateBot:
		g.intermediateBot(&s)
	default:
		return Document{}, fmt.Errorf("unknown session kind %q", kind)
	}

	start := float64(g.now().UnixMilli())
	// submit handler runs a moment after the final click
	s.t += g.faker.Float64Range(5, 30)

	return Document{
		SessionID:  g.faker.UUID(),
		Keystrokes: s.keys,
		MouseMoves: s.moves,
		Clicks:     s.clicks,
		Timestamps: Timestamps{Start: start, End: start + round(s.t)},
	}, nil
}

// recorder accumulates events against a running session clock.
type recorder struct {
	t      float64
	keys   []Keystroke
	moves  []MouseMove
	clicks []Click
}

func (s *recorder) move(x, y float64) {
	s.moves = append(s.moves, MouseMove{X: round(x), Y: round(y), T: round(s.t)})
}

func (s *recorder) click(b box, x, y float64) {
	s.clicks = append(s.clicks, Click{X: round(x), Y: round(y), Target: b.tag, T: round(s.t)})
}

func (s *recorder) key(k string) {
	s.keys = append(s.keys, Keystroke{Key: k, T: round(s.t)})
}

func (g *Generator) human(s *recorder) {
	x, y := g.faker.Float64Range(0, 800), g.faker.Float64Range(0, 600)
	s.t = g.faker.Float64Range(300, 1500) // reading the page

	username := g.faker.Username()
	password := g.faker.Password(true, true, true, false, false, g.faker.Number(8, 14))

	for _, field := range []struct {
		b    box
		text string
	}{{usernameField, username}, {passwordField, password}, {submitButton, ""}} {
		x, y = g.curvedPath(s, x, y, field.b)
		s.t += g.faker.Float64Range(60, 180)
		s.click(field.b, x, y)

		s.t += g.faker.Float64Range(150, 400)
		for i, r := range field.text {
			if i > 0 {
				s.t += g.faker.Float64Range(70, 260)
				if g.faker.Number(1, 12) == 1 {
					s.t += g.faker.Float64Range(200, 700) // hesitation
				}
			}
			s.key(string(r))
		}
	}
}

// curvedPath moves from (x, y) to a random point inside b along a quadratic
// curve with jitter, recording points at the tracker's throttle rate.
func (g *Generator) curvedPath(s *recorder, x, y float64, b box) (float64, float64) {
	tx := b.x + g.faker.Float64Range(b.w*0.2, b.w*0.8)
	ty := b.y + g.faker.Float64Range(b.h*0.2, b.h*0.8)

	// control point pulled off the straight line
	cx := (x+tx)/2 + g.faker.Float64Range(-120, 120)
	cy := (y+ty)/2 + g.faker.Float64Range(-120, 120)

	steps := g.faker.Number(12, 35)
	for i := 1; i <= steps; i++ {
		p := float64(i) / float64(steps)
		px := (1-p)*(1-p)*x + 2*(1-p)*p*cx + p*p*tx
		py := (1-p)*(1-p)*y + 2*(1-p)*p*cy + p*p*ty
		if i < steps {
			px += g.faker.Float64Range(-2, 2)
			py += g.faker.Float64Range(-2, 2)
		}
		s.t += trackerThrottleMS + g.faker.Float64Range(1, 25)
		s.move(px, py)
	}
	return tx, ty
}

func (g *Generator) simpleBot(s *recorder) {
	s.t = g.faker.Float64Range(40, 120)

	text := g.faker.Username() + g.faker.Password(true, true, true, true, false, 12)
	for _, r := range text {
		s.key(string(r))
	}

	// page.click jumps straight to the button
	s.t += g.faker.Float64Range(1, 5)
	x, y := submitButton.center()
	s.move(x, y)
	s.click(submitButton, x, y)
}

func (g *Generator) intermediateBot(s *recorder) {
	s.t = g.faker.Float64Range(40, 120)

	username := g.faker.Username()
	password := g.faker.Password(true, true, true, false, false, 12)
	passwordDelay := float64(g.faker.Number(20, 80))

	for _, field := range []struct {
		b     box
		text  string
		delay float64
	}{{usernameField, username, botUsernameDelay}, {passwordField, password, passwordDelay}, {submitButton, "", 0}} {
		x, y := g.linearPath(s, field.b)
		s.click(field.b, x, y)
		for i, r := range field.text {
			if i > 0 {
				s.t += field.delay
			}
			s.key(string(r))
		}
		s.t += field.delay
	}
}

// linearPath moves from a random point near the origin to the center of b
// in botSteps equal steps, jittering every point but the last.
func (g *Generator) linearPath(s *recorder, b box) (float64, float64) {
	sx, sy := g.faker.Float64Range(0, 50), g.faker.Float64Range(0, 50)
	ex, ey := b.center()

	for i := 1; i <= botSteps; i++ {
		p := float64(i) / botSteps
		x := sx + (ex-sx)*p
		y := sy + (ey-sy)*p
		if i < botSteps {
			x += g.faker.Float64Range(-5, 5)
			y += g.faker.Float64Range(-5, 5)
		}
		s.t += botStepMS
		s.move(x, y)
	}
	return ex, ey
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
