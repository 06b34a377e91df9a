package pty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
)

const (
	captureBufferSize = 256 * 1024
	// DefaultIdleAfter is how long a terminal may stay quiet before it is
	// reported idle.
	DefaultIdleAfter = 2 * time.Second
)

// BackendConfig configures how new terminals are started.
type BackendConfig struct {
	MaxTiles  int
	Shell     []string
	Dir       string
	Env       []string
	IdleAfter time.Duration
}

// Backend owns the Manager and, per terminal, an output capture buffer and
// an activity status. All terminal events are merged onto one channel.
type Backend struct {
	manager *Manager
	cfg     BackendConfig

	mu        sync.RWMutex
	terminals map[string]*terminal
	created   int

	events chan Event
	done   chan struct{}
	once   sync.Once
}

type terminal struct {
	buf *ringBuf

	mu     sync.Mutex
	status string
	timer  *time.Timer
	closed bool
}

// NewBackend creates a Backend with a fresh Manager.
func NewBackend(cfg BackendConfig) *Backend {
	if len(cfg.Shell) == 0 {
		cfg.Shell = []string{"/bin/sh"}
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	return &Backend{
		manager:   NewManager(cfg.MaxTiles),
		cfg:       cfg,
		terminals: make(map[string]*terminal),
		events:    make(chan Event, 4096),
		done:      make(chan struct{}),
	}
}

// Events returns the merged event stream of every terminal. Output events
// are dropped when the consumer falls behind (the capture buffer still has
// them); closed and status events are not.
func (b *Backend) Events() <-chan Event { return b.events }

// CreateTerminal starts a terminal running command, or the configured shell
// when command is empty. An empty name becomes "Terminal N".
func (b *Backend) CreateTerminal(_ context.Context, name, command string) (SessionInfo, error) {
	argv := b.cfg.Shell
	if strings.TrimSpace(command) != "" {
		parsed, err := parseCommand(command)
		if err != nil {
			return SessionInfo{}, err
		}
		argv = parsed
	}

	b.mu.Lock()
	b.created++
	seq := b.created
	b.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("Terminal %d", seq)
	}

	id := uuid.NewString()
	sess, err := b.manager.CreateSession(id, name, Options{
		Argv: argv,
		Dir:  b.cfg.Dir,
		Env:  b.cfg.Env,
	})
	if err != nil {
		return SessionInfo{}, err
	}

	t := &terminal{buf: newRingBuf(captureBufferSize), status: StatusIdle}
	b.mu.Lock()
	b.terminals[id] = t
	b.mu.Unlock()

	info, err := b.info(id)
	go b.capture(sess, t)
	if err != nil {
		return SessionInfo{}, err
	}

	slog.Info("terminal started", "terminal", id, "name", name, "argv", argv, "pid", sess.Pid())
	return info, nil
}

// capture copies session events into the ring buffer and the merged stream.
func (b *Backend) capture(sess *Session, t *terminal) {
	id := sess.ID()
	for evt := range sess.Events() {
		switch evt.Type {
		case EventOutput:
			t.buf.Write([]byte(evt.Data))
			if b.markWorking(id, t) {
				b.emit(Event{Type: EventStatus, ID: id, Data: StatusWorking})
			}
			select {
			case b.events <- evt:
			default:
			}
		case EventClosed:
			t.mu.Lock()
			t.closed = true
			t.status = StatusExited
			if t.timer != nil {
				t.timer.Stop()
			}
			t.mu.Unlock()
			b.manager.Forget(id)
			b.mu.Lock()
			delete(b.terminals, id)
			b.mu.Unlock()
			b.emit(evt)
			slog.Info("terminal exited", "terminal", id)
		}
	}
}

// markWorking restarts the idle timer and reports whether the terminal
// just became busy.
func (b *Backend) markWorking(id string, t *terminal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(b.cfg.IdleAfter, func() {
		t.mu.Lock()
		if t.closed || t.status != StatusWorking {
			t.mu.Unlock()
			return
		}
		t.status = StatusIdle
		t.mu.Unlock()
		b.emit(Event{Type: EventStatus, ID: id, Data: StatusIdle})
	})
	if t.status == StatusWorking {
		return false
	}
	t.status = StatusWorking
	return true
}

func (b *Backend) emit(evt Event) {
	select {
	case b.events <- evt:
	case <-b.done:
	}
}

func (b *Backend) lookup(id string) (*terminal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.terminals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return t, nil
}

// DestroyTerminal hangs up the terminal. Its capture buffer is released
// when the exit event is delivered.
func (b *Backend) DestroyTerminal(_ context.Context, id string) error {
	return b.manager.DestroySession(id)
}

// SendInput writes raw bytes (user keystrokes) to the terminal.
func (b *Backend) SendInput(_ context.Context, id, data string) error {
	sess, err := b.manager.GetSession(id)
	if err != nil {
		return err
	}
	_, err = sess.Write([]byte(data))
	return err
}

// SendKey translates a named key (e.g. "Enter", "C-c") to its escape
// sequence and writes it to the terminal.
func (b *Backend) SendKey(ctx context.Context, id, key string) error {
	return b.SendInput(ctx, id, mapNamedKey(key))
}

func (b *Backend) Resize(_ context.Context, id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xFFFF || rows > 0xFFFF {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}
	sess, err := b.manager.GetSession(id)
	if err != nil {
		return err
	}
	return sess.Resize(uint16(cols), uint16(rows))
}

// CaptureOutput returns the last n lines of captured output (all lines
// when n <= 0).
func (b *Backend) CaptureOutput(_ context.Context, id string, n int) ([]string, error) {
	t, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(t.buf.Bytes()), "\n")
	if n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Status returns the activity status of a terminal.
func (b *Backend) Status(id string) (string, error) {
	t, err := b.lookup(id)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, nil
}

func (b *Backend) Promote(id string) error { return b.manager.Promote(id) }

func (b *Backend) ReturnToSidebar(id string) bool { return b.manager.ReturnToSidebar(id) }

func (b *Backend) Reorder(from, to int) error { return b.manager.Reorder(from, to) }

func (b *Backend) ToggleFullscreen() (bool, error) { return b.manager.ToggleFullscreen() }

// Layout returns the tile arrangement with activity statuses filled in.
func (b *Backend) Layout() Layout {
	layout := b.manager.Layout()
	for i := range layout.Terminals {
		if status, err := b.Status(layout.Terminals[i].ID); err == nil {
			layout.Terminals[i].Status = status
		}
	}
	return layout
}

func (b *Backend) info(id string) (SessionInfo, error) {
	for _, info := range b.Layout().Terminals {
		if info.ID == id {
			return info, nil
		}
	}
	return SessionInfo{}, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
}

// Exists reports whether the terminal is still running.
func (b *Backend) Exists(id string) bool {
	sess, err := b.manager.GetSession(id)
	if err != nil {
		return false
	}
	return !sess.IsClosed()
}

// Manager returns the underlying Manager.
func (b *Backend) Manager() *Manager {
	return b.manager
}

// Close terminates all terminals and stops event delivery.
func (b *Backend) Close() {
	b.once.Do(func() {
		close(b.done)
		b.manager.Close()
	})
}

func mapNamedKey(key string) string {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "enter":
		return "\r"
	case "c-c":
		return "\x03"
	case "c-d":
		return "\x04"
	case "c-z":
		return "\x1a"
	case "c-l":
		return "\x0c"
	case "escape", "esc":
		return "\x1b"
	case "tab":
		return "\t"
	case "backspace":
		return "\x7f"
	case "up":
		return "\x1b[A"
	case "down":
		return "\x1b[B"
	case "right":
		return "\x1b[C"
	case "left":
		return "\x1b[D"
	default:
		return key
	}
}

var errEmptyCommand = errors.New("pty: empty command")

// parseCommand splits a command line into argv with shell quoting rules.
// Commands using pipes, lists or expansions run under "sh -c".
func parseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errEmptyCommand
	}
	if strings.ContainsAny(command, "\n|&;$`<>") {
		return []string{"sh", "-c", command}, nil
	}
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("pty: parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errEmptyCommand
	}
	return argv, nil
}

// ringBuf is a fixed-size circular byte buffer.
type ringBuf struct {
	mu   sync.Mutex
	data []byte
	pos  int
	full bool
}

func newRingBuf(capacity int) *ringBuf {
	return &ringBuf{data: make([]byte, capacity)}
}

func (r *ringBuf) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(p) >= len(r.data) {
		copy(r.data, p[len(p)-len(r.data):])
		r.pos = 0
		r.full = true
		return
	}
	n := copy(r.data[r.pos:], p)
	if n < len(p) {
		copy(r.data, p[n:])
		r.full = true
	}
	r.pos = (r.pos + len(p)) % len(r.data)
	if r.pos == 0 && len(p) > 0 {
		r.full = true
	}
}

// Bytes returns the buffered data in chronological order.
func (r *ringBuf) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]byte(nil), r.data[:r.pos]...)
	}
	out := make([]byte, 0, len(r.data))
	out = append(out, r.data[r.pos:]...)
	return append(out, r.data[:r.pos]...)
}
