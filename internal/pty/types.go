package pty

import "time"

// EventType distinguishes the kind of event produced by a Session.
type EventType int

const (
	// EventOutput carries bytes read from the master.
	EventOutput EventType = iota
	// EventClosed is sent once after the child has exited and the master
	// is drained.
	EventClosed
	// EventStatus reports an activity change (StatusWorking or StatusIdle)
	// in Data. Only Backend emits it.
	EventStatus
)

func (t EventType) String() string {
	switch t {
	case EventOutput:
		return "output"
	case EventClosed:
		return "closed"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Event is a single notification about a terminal.
type Event struct {
	Type EventType
	ID   string
	Data string
}

// Activity states reported by Backend.
const (
	StatusWorking = "working"
	StatusIdle    = "idle"
	StatusExited  = "exited"
)

// SessionInfo describes one tile.
type SessionInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Number    int       `json:"number"`
	Main      bool      `json:"main"`
	Active    bool      `json:"active"`
	Status    string    `json:"status,omitempty"`
	Command   []string  `json:"command"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
}

// Layout is the tile arrangement: every terminal in sidebar order, and the
// one shown in the main pane, if any.
type Layout struct {
	Terminals  []SessionInfo `json:"terminals"`
	Main       string        `json:"main,omitempty"`
	Fullscreen bool          `json:"fullscreen"`
	Max        int           `json:"max"`
}

// Options controls how a Session starts its child.
type Options struct {
	Argv []string
	Dir  string
	// Env is appended to the parent environment.
	Env  []string
	Cols uint16
	Rows uint16
}

const (
	defaultCols = 120
	defaultRows = 30
)
