package hub

import (
	"github.com/user/tessera/internal/hookevent"
	"github.com/user/tessera/internal/pty"
	"github.com/user/tessera/internal/pulse"
)

// Client → server message types.
const (
	MsgTerminalInput    = "terminal_input"
	MsgTerminalKey      = "terminal_key"
	MsgTerminalResize   = "terminal_resize"
	MsgNewTerminal      = "new_terminal"
	MsgCloseTerminal    = "close_terminal"
	MsgPromote          = "promote"
	MsgReturn           = "return"
	MsgReorder          = "reorder"
	MsgToggleFullscreen = "toggle_fullscreen"
	MsgSubscribe        = "subscribe"
	MsgSetWindow        = "set_window"
	MsgFreeze           = "freeze"
	MsgUnfreeze         = "unfreeze"
)

// Server → client message types.
const (
	MsgTerminals      = "terminals"
	MsgTerminalOutput = "terminal_output"
	MsgTerminalClosed = "terminal_closed"
	MsgStatus         = "status"
	MsgPulse          = "pulse"
	MsgEvent          = "event"
	MsgApps           = "apps"
	MsgStreamStatus   = "stream_status"
	MsgSettings       = "settings"
	MsgError          = "error"
)

type ClientMessage struct {
	Type     string `json:"type"`
	Terminal string `json:"terminal,omitempty"`
	Keys     string `json:"keys,omitempty"`
	Key      string `json:"key,omitempty"`
	Name     string `json:"name,omitempty"`
	Command  string `json:"command,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	From     int    `json:"from"`
	To       int    `json:"to"`
	Window   string `json:"window,omitempty"`
}

type TerminalsMessage struct {
	Type       string            `json:"type"`
	List       []pty.SessionInfo `json:"list"`
	Main       string            `json:"main,omitempty"`
	Fullscreen bool              `json:"fullscreen"`
	Max        int               `json:"max"`
}

func newTerminalsMessage(layout pty.Layout) TerminalsMessage {
	list := layout.Terminals
	if list == nil {
		list = []pty.SessionInfo{}
	}
	return TerminalsMessage{
		Type:       MsgTerminals,
		List:       list,
		Main:       layout.Main,
		Fullscreen: layout.Fullscreen,
		Max:        layout.Max,
	}
}

type OutputMessage struct {
	Type     string `json:"type"`
	Terminal string `json:"terminal"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"`
}

type TerminalClosedMessage struct {
	Type     string `json:"type"`
	Terminal string `json:"terminal"`
}

type StatusMessage struct {
	Type     string `json:"type"`
	Terminal string `json:"terminal"`
	Status   string `json:"status"`
}

type PulseMessage struct {
	Type  string      `json:"type"`
	Frame pulse.Frame `json:"frame"`
}

// EventMessage announces one accepted hook event; renderers flash the bar
// at BucketStart.
type EventMessage struct {
	Type        string           `json:"type"`
	Record      hookevent.Record `json:"record"`
	Text        string           `json:"text"`
	Emoji       string           `json:"emoji"`
	AppColor    string           `json:"app_color,omitempty"`
	BucketStart int64            `json:"bucket_start"`
}

type AppsMessage struct {
	Type   string            `json:"type"`
	List   []string          `json:"list"`
	Colors map[string]string `json:"colors,omitempty"`
}

type StreamStatusMessage struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	URL       string `json:"url,omitempty"`
}

type SettingsMessage struct {
	Type     string `json:"type"`
	Settings any    `json:"settings"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type hubBroadcast struct {
	data     []byte
	terminal string
}
