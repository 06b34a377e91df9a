// Package hub fans terminal output, pulse frames and hook events out to
// connected front-ends and routes their commands to a Controller.
package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/tessera/internal/pty"
	"github.com/user/tessera/internal/pulse"
)

// DefaultBatchInterval is roughly one display frame.
const DefaultBatchInterval = 16 * time.Millisecond

// Controller executes the commands front-ends send.
type Controller interface {
	TerminalInput(id, keys string) error
	TerminalKey(id, key string) error
	ResizeTerminal(id string, cols, rows int) error
	NewTerminal(name, command string) error
	CloseTerminal(id string) error
	Promote(id string) error
	ReturnToSidebar(id string) error
	Reorder(from, to int) error
	ToggleFullscreen() error
	SetWindow(window string) error
	Freeze()
	Unfreeze()
}

type Hub struct {
	clients      map[string]*Client
	register     chan *clientRegistration
	unregister   chan *Client
	broadcast    chan hubBroadcast
	ctrl         Controller
	token        string
	mu           sync.RWMutex
	rateLimiter  *RateLimiter
	batchEnabled atomic.Bool
	running      atomic.Bool

	stateMu      sync.RWMutex
	terminals    TerminalsMessage
	streamStatus StreamStatusMessage
	settings     []byte
	apps         []byte
}

type clientRegistration struct {
	client  *Client
	initial [][]byte
}

// New creates a hub. ctrl may be nil, in which case commands are answered
// with an error message.
func New(token string, ctrl Controller) *Hub {
	h := &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *clientRegistration, 16),
		unregister:   make(chan *Client, 16),
		broadcast:    make(chan hubBroadcast, 1024),
		ctrl:         ctrl,
		token:        token,
		terminals:    newTerminalsMessage(pty.Layout{}),
		streamStatus: StreamStatusMessage{Type: MsgStreamStatus},
	}
	h.batchEnabled.Store(true)
	h.rateLimiter = NewRateLimiter(DefaultBatchInterval, func(terminal string, msg OutputMessage) {
		h.send(msg, terminal)
	})
	return h
}

func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.rateLimiter.FlushAll()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			for _, data := range reg.initial {
				select {
				case reg.client.send <- data:
				default:
				}
			}
			go reg.client.writePump(ctx)
			go reg.client.readPump(ctx)
			slog.Info("client connected", "client", reg.client.id, "total", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			slog.Info("client disconnected", "client", client.id, "total", h.ClientCount())

		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) broadcastToClients(msg hubBroadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wantsTerminal(msg.terminal) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			slog.Warn("client send buffer full, dropping message", "client", c.id)
		}
	}
}

func (h *Hub) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" || h.token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	client := newClient(conn, h)
	select {
	case h.register <- &clientRegistration{client: client, initial: h.initialMessages()}:
	default:
		slog.Warn("hub not accepting connections", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

// initialMessages is what a new client sees first: the tile list, the
// event stream status, then settings and apps once they are known.
func (h *Hub) initialMessages() [][]byte {
	h.stateMu.RLock()
	terminals := h.terminals
	status := h.streamStatus
	settings := h.settings
	apps := h.apps
	h.stateMu.RUnlock()

	var out [][]byte
	for _, msg := range []any{terminals, status} {
		if data, err := json.Marshal(msg); err == nil {
			out = append(out, data)
		}
	}
	if settings != nil {
		out = append(out, settings)
	}
	if apps != nil {
		out = append(out, apps)
	}
	return out
}

func (h *Hub) send(msg any, terminal string) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal message", "error", err)
		return
	}
	h.sendRaw(data, terminal)
}

func (h *Hub) sendRaw(data []byte, terminal string) {
	select {
	case h.broadcast <- hubBroadcast{data: data, terminal: terminal}:
	default:
		slog.Warn("broadcast channel full, dropping message", "terminal", terminal)
	}
}

// BroadcastOutput queues terminal output; with batching enabled writes to
// the same terminal within one interval arrive as a single message.
func (h *Hub) BroadcastOutput(terminal, text string) {
	msg := OutputMessage{
		Type:     MsgTerminalOutput,
		Terminal: terminal,
		Text:     text,
		Ts:       time.Now().UnixMilli(),
	}
	if h.batchEnabled.Load() {
		h.rateLimiter.Add(msg)
		return
	}
	h.send(msg, terminal)
}

func (h *Hub) BroadcastTerminals(layout pty.Layout) {
	msg := newTerminalsMessage(layout)
	h.stateMu.Lock()
	h.terminals = msg
	h.stateMu.Unlock()
	h.send(msg, "")
}

func (h *Hub) BroadcastStatus(terminal, status string) {
	h.send(StatusMessage{Type: MsgStatus, Terminal: terminal, Status: status}, "")
}

// BroadcastTerminalClosed flushes pending output first so the close is the
// last thing clients see for that terminal.
func (h *Hub) BroadcastTerminalClosed(terminal string) {
	h.rateLimiter.Flush(terminal)
	h.send(TerminalClosedMessage{Type: MsgTerminalClosed, Terminal: terminal}, "")
}

// BroadcastPulse sends a frame; nothing is encoded when nobody listens.
func (h *Hub) BroadcastPulse(frame pulse.Frame) {
	if h.ClientCount() == 0 {
		return
	}
	h.send(PulseMessage{Type: MsgPulse, Frame: frame}, "")
}

func (h *Hub) BroadcastEvent(msg EventMessage) {
	msg.Type = MsgEvent
	h.send(msg, "")
}

func (h *Hub) BroadcastApps(list []string, colors map[string]string) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(AppsMessage{Type: MsgApps, List: list, Colors: colors})
	if err != nil {
		slog.Error("failed to marshal apps message", "error", err)
		return
	}
	h.stateMu.Lock()
	h.apps = data
	h.stateMu.Unlock()
	h.sendRaw(data, "")
}

func (h *Hub) BroadcastStreamStatus(connected bool, url string) {
	msg := StreamStatusMessage{Type: MsgStreamStatus, Connected: connected, URL: url}
	h.stateMu.Lock()
	h.streamStatus = msg
	h.stateMu.Unlock()
	h.send(msg, "")
}

func (h *Hub) BroadcastSettings(settings any) {
	data, err := json.Marshal(SettingsMessage{Type: MsgSettings, Settings: settings})
	if err != nil {
		slog.Error("failed to marshal settings message", "error", err)
		return
	}
	h.stateMu.Lock()
	h.settings = data
	h.stateMu.Unlock()
	h.sendRaw(data, "")
}

func (h *Hub) SendError(client *Client, message string) {
	data, err := json.Marshal(ErrorMessage{Type: MsgError, Message: message})
	if err != nil {
		slog.Error("failed to marshal error message", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SetBatchEnabled(enabled bool) {
	h.batchEnabled.Store(enabled)
}

func (h *Hub) FlushPendingOutput() {
	h.rateLimiter.FlushAll()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.running.Load() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		slog.Warn("unregister channel full, forcing close", "client", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
