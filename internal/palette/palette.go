// Package palette assigns stable display colors to apps, sessions and
// event types. A Registry is owned by the application root and passed to
// whoever renders; assignment order is deterministic so tests can pin it.
package palette

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/user/tessera/internal/hookevent"
)

// Color is an RGB color with components in [0, 1].
type Color struct {
	R, G, B float64
}

// Hex formats c as #RRGGBB.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", channel(c.R), channel(c.G), channel(c.B))
}

func channel(v float64) int {
	return int(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

func (c Color) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Hex())
}

// Blend mixes fraction of other into c.
func (c Color) Blend(other Color, fraction float64) Color {
	return Color{
		R: c.R + (other.R-c.R)*fraction,
		G: c.G + (other.G-c.G)*fraction,
		B: c.B + (other.B-c.B)*fraction,
	}
}

var (
	Blue   = Color{0.2, 0.6, 1.0}
	Pink   = Color{0.9, 0.4, 0.6}
	Green  = Color{0.4, 0.8, 0.5}
	Orange = Color{1.0, 0.6, 0.2}
	Purple = Color{0.7, 0.4, 0.9}
	Cyan   = Color{0.3, 0.8, 0.9}
	Yellow = Color{1.0, 0.8, 0.2}
	Red    = Color{1.0, 0.4, 0.4}
	Gray   = Color{0.6, 0.6, 0.6}
	Slate  = Color{0.5, 0.5, 0.5}
	White  = Color{1, 1, 1}
)

// DefaultPalette is the rotation used for apps and sessions.
var DefaultPalette = []Color{Blue, Pink, Green, Orange, Purple, Cyan, Yellow, Red}

// Gradient is a base color and its lighter companion.
type Gradient struct {
	From Color `json:"from"`
	To   Color `json:"to"`
}

// Registry hands out palette colors in first-seen order, separately for
// apps and sessions.
type Registry struct {
	mu       sync.Mutex
	palette  []Color
	apps     map[string]Color
	sessions map[string]Color
	nextApp  int
	nextSess int
}

// NewRegistry creates a registry over colors, or DefaultPalette when empty.
func NewRegistry(colors []Color) *Registry {
	if len(colors) == 0 {
		colors = DefaultPalette
	}
	return &Registry{
		palette:  append([]Color(nil), colors...),
		apps:     make(map[string]Color),
		sessions: make(map[string]Color),
	}
}

func (r *Registry) ForApp(app string) Color {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.apps[app]; ok {
		return c
	}
	c := r.palette[r.nextApp%len(r.palette)]
	r.apps[app] = c
	r.nextApp++
	return c
}

func (r *Registry) ForSession(sessionID string) Color {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.sessions[sessionID]; ok {
		return c
	}
	c := r.palette[r.nextSess%len(r.palette)]
	r.sessions[sessionID] = c
	r.nextSess++
	return c
}

func (r *Registry) AppGradient(app string) Gradient {
	base := r.ForApp(app)
	return Gradient{From: base, To: base.Blend(White, 0.3)}
}

func (r *Registry) SessionGradient(sessionID string) Gradient {
	base := r.ForSession(sessionID)
	return Gradient{From: base, To: base.Blend(White, 0.3)}
}

// Assignments returns the colors handed out so far, keyed by app and by
// session.
func (r *Registry) Assignments() (apps, sessions map[string]Color) {
	r.mu.Lock()
	defer r.mu.Unlock()
	apps = make(map[string]Color, len(r.apps))
	for k, v := range r.apps {
		apps[k] = v
	}
	sessions = make(map[string]Color, len(r.sessions))
	for k, v := range r.sessions {
		sessions[k] = v
	}
	return apps, sessions
}

// ForEventType returns the fixed color of a hook event type.
func ForEventType(eventType string) Color {
	switch eventType {
	case hookevent.PreToolUse:
		return Blue
	case hookevent.PostToolUse:
		return Green
	case hookevent.Notification:
		return Yellow
	case hookevent.Stop:
		return Red
	case hookevent.SubagentStop:
		return Purple
	case hookevent.PreCompact:
		return Orange
	case hookevent.UserPromptSubmit:
		return Pink
	case hookevent.SessionStart:
		return Cyan
	case hookevent.SessionEnd:
		return Gray
	default:
		return Slate
	}
}
