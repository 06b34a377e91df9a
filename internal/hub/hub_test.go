package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/tessera/internal/hookevent"
	"github.com/user/tessera/internal/pty"
	"github.com/user/tessera/internal/pulse"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeController) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeController) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) TerminalInput(id, keys string) error { return f.record("input %s %q", id, keys) }
func (f *fakeController) TerminalKey(id, key string) error    { return f.record("key %s %s", id, key) }
func (f *fakeController) ResizeTerminal(id string, cols, rows int) error {
	return f.record("resize %s %dx%d", id, cols, rows)
}
func (f *fakeController) NewTerminal(name, command string) error {
	return f.record("new %q %q", name, command)
}
func (f *fakeController) CloseTerminal(id string) error   { return f.record("close %s", id) }
func (f *fakeController) Promote(id string) error         { return f.record("promote %s", id) }
func (f *fakeController) ReturnToSidebar(id string) error { return f.record("return %s", id) }
func (f *fakeController) Reorder(from, to int) error      { return f.record("reorder %d %d", from, to) }
func (f *fakeController) ToggleFullscreen() error         { return f.record("fullscreen") }
func (f *fakeController) SetWindow(window string) error   { return f.record("window %s", window) }
func (f *fakeController) Freeze()                         { f.record("freeze") }
func (f *fakeController) Unfreeze()                       { f.record("unfreeze") }

func startHub(t *testing.T, token string, ctrl Controller) (*Hub, string) {
	t.Helper()
	hub := New(token, ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	return base.Type, data
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) []byte {
	t.Helper()
	for i := 0; i < 20; i++ {
		typ, data := readMessage(t, conn)
		if typ == msgType {
			return data
		}
	}
	t.Fatalf("no %s message received", msgType)
	return nil
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, _ := json.Marshal(msg)
	writeCtx, writeCancel := context.WithTimeout(context.Background(), time.Second)
	defer writeCancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
}

func TestTokenAuthentication(t *testing.T) {
	validToken := "secret-token-123"

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"valid token", validToken, http.StatusSwitchingProtocols},
		{"invalid token", "wrong-token", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := New(validToken, nil)

			ctx, cancel := context.WithCancel(context.Background())
			go hub.Run(ctx)
			defer cancel()

			server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
			defer server.Close()

			url := fmt.Sprintf("ws://%s/ws", server.URL[7:])
			if tt.token != "" {
				url = fmt.Sprintf("%s?token=%s", url, tt.token)
			}

			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			conn, resp, err := websocket.Dial(dialCtx, url, nil)
			dialCancel()

			if resp != nil && resp.StatusCode != tt.wantStatus {
				t.Errorf("status code mismatch: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("expected successful connection, got error: %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
			} else if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "")
			}
		})
	}
}

func TestInitialMessages(t *testing.T) {
	hub, url := startHub(t, "test-token", nil)
	hub.BroadcastSettings(map[string]any{"opacity": 0.85})
	hub.BroadcastApps([]string{"web"}, map[string]string{"web": "#3399FF"})
	hub.BroadcastStreamStatus(true, "ws://localhost:4000/stream")

	conn := dial(t, url)

	typ, data := readMessage(t, conn)
	if typ != MsgTerminals {
		t.Fatalf("first message type = %s, want terminals", typ)
	}
	var terms TerminalsMessage
	if err := json.Unmarshal(data, &terms); err != nil {
		t.Fatalf("unmarshal terminals: %v", err)
	}
	if terms.List == nil || len(terms.List) != 0 {
		t.Fatalf("expected empty list, got %v", terms.List)
	}

	typ, data = readMessage(t, conn)
	if typ != MsgStreamStatus {
		t.Fatalf("second message type = %s, want stream_status", typ)
	}
	var status StreamStatusMessage
	json.Unmarshal(data, &status)
	if !status.Connected {
		t.Fatal("stream status should be connected")
	}

	if typ, _ = readMessage(t, conn); typ != MsgSettings {
		t.Fatalf("third message type = %s, want settings", typ)
	}
	typ, data = readMessage(t, conn)
	if typ != MsgApps {
		t.Fatalf("fourth message type = %s, want apps", typ)
	}
	var apps AppsMessage
	json.Unmarshal(data, &apps)
	if len(apps.List) != 1 || apps.Colors["web"] != "#3399FF" {
		t.Fatalf("apps = %+v", apps)
	}
}

func TestClientCommandsReachController(t *testing.T) {
	ctrl := &fakeController{}
	hub, url := startHub(t, "test-token", ctrl)
	conn := dial(t, url)
	waitForClientCount(t, hub, 1, time.Second)

	msgs := []ClientMessage{
		{Type: MsgTerminalInput, Terminal: "t1", Keys: "ls\n"},
		{Type: MsgTerminalInput, Terminal: "t1"},
		{Type: MsgTerminalKey, Terminal: "t1", Key: "C-c"},
		{Type: MsgTerminalResize, Terminal: "t1", Cols: 80, Rows: 24},
		{Type: MsgTerminalResize, Terminal: "t1", Cols: 0, Rows: 24},
		{Type: MsgNewTerminal, Name: "build", Command: "make"},
		{Type: MsgPromote, Terminal: "t1"},
		{Type: MsgReturn, Terminal: "t1"},
		{Type: MsgReorder, From: 0, To: 2},
		{Type: MsgToggleFullscreen},
		{Type: MsgSetWindow, Window: "3m"},
		{Type: MsgFreeze},
		{Type: MsgUnfreeze},
		{Type: MsgCloseTerminal, Terminal: "t1"},
	}
	for _, msg := range msgs {
		writeMessage(t, conn, msg)
	}

	want := []string{
		`input t1 "ls\n"`,
		"key t1 C-c",
		"resize t1 80x24",
		`new "build" "make"`,
		"promote t1",
		"return t1",
		"reorder 0 2",
		"fullscreen",
		"window 3m",
		"freeze",
		"unfreeze",
		"close t1",
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(ctrl.snapshot()) < len(want) {
		time.Sleep(10 * time.Millisecond)
	}
	got := ctrl.snapshot()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %q, want %q", got, want)
	}
}

func TestControllerErrorsAreReported(t *testing.T) {
	ctrl := &fakeController{err: errors.New("no such terminal")}
	_, url := startHub(t, "test-token", ctrl)
	conn := dial(t, url)

	writeMessage(t, conn, ClientMessage{Type: MsgPromote, Terminal: "ghost"})
	data := readUntil(t, conn, MsgError)
	var msg ErrorMessage
	json.Unmarshal(data, &msg)
	if msg.Message != "promote: no such terminal" {
		t.Fatalf("error message = %q", msg.Message)
	}

	writeMessage(t, conn, ClientMessage{Type: "bogus"})
	data = readUntil(t, conn, MsgError)
	json.Unmarshal(data, &msg)
	if !strings.Contains(msg.Message, "unknown message type") {
		t.Fatalf("error message = %q", msg.Message)
	}
}

func TestCommandsWithoutController(t *testing.T) {
	_, url := startHub(t, "test-token", nil)
	conn := dial(t, url)

	writeMessage(t, conn, ClientMessage{Type: MsgFreeze})
	data := readUntil(t, conn, MsgError)
	var msg ErrorMessage
	json.Unmarshal(data, &msg)
	if !strings.Contains(msg.Message, errNoController.Error()) {
		t.Fatalf("error message = %q", msg.Message)
	}
}

func TestClientLifecycle(t *testing.T) {
	hub, url := startHub(t, "test-token", nil)

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}

	conn := dial(t, url)
	waitForClientCount(t, hub, 1, time.Second)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClientCount(t, hub, 0, time.Second)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range bytes.Split(b.buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func waitForLog(t *testing.T, logs *syncBuffer, msg, client string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range logs.records(t) {
			if rec["msg"] == msg && rec["client"] == client {
				return rec
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %q log for client %s", msg, client)
	return nil
}

func TestClientLifecycleIsLoggedWithAttributes(t *testing.T) {
	logs := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	hub, url := startHub(t, "test-token", nil)
	conn := dial(t, url)
	waitForClientCount(t, hub, 1, time.Second)

	var id string
	hub.mu.RLock()
	for cid := range hub.clients {
		id = cid
	}
	hub.mu.RUnlock()

	connected := waitForLog(t, logs, "client connected", id)
	if connected["level"] != "INFO" || connected["total"] != float64(1) {
		t.Fatalf("connected log = %v", connected)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	disconnected := waitForLog(t, logs, "client disconnected", id)
	if disconnected["total"] != float64(0) {
		t.Fatalf("disconnected log = %v", disconnected)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	hub, url := startHub(t, "test-token", nil)

	var clients []*websocket.Conn
	for i := 0; i < 2; i++ {
		clients = append(clients, dial(t, url))
	}
	waitForClientCount(t, hub, 2, time.Second)

	hub.SetBatchEnabled(false)
	hub.BroadcastOutput("t1", "broadcast test")

	for i, conn := range clients {
		data := readUntil(t, conn, MsgTerminalOutput)
		var msg OutputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("client %d failed to unmarshal: %v", i, err)
		}
		if msg.Text != "broadcast test" || msg.Terminal != "t1" {
			t.Errorf("client %d received %+v", i, msg)
		}
	}
}

func TestBroadcastToClientsRespectsSubscription(t *testing.T) {
	h := New("token", nil)

	clientA := &Client{
		id:            "a",
		send:          make(chan []byte, 1),
		subscriptions: map[string]struct{}{"t-1": {}},
	}
	clientB := &Client{
		id:            "b",
		send:          make(chan []byte, 1),
		subscriptions: map[string]struct{}{"t-2": {}},
	}
	clientAll := &Client{
		id:            "all",
		send:          make(chan []byte, 1),
		subscribeAll:  true,
		subscriptions: map[string]struct{}{},
	}
	h.clients = map[string]*Client{
		clientA.id:   clientA,
		clientB.id:   clientB,
		clientAll.id: clientAll,
	}

	h.broadcastToClients(hubBroadcast{data: []byte(`{"type":"terminal_output"}`), terminal: "t-1"})

	select {
	case <-clientA.send:
	default:
		t.Fatal("expected clientA to receive output for t-1")
	}
	select {
	case <-clientAll.send:
	default:
		t.Fatal("expected subscribe-all client to receive output")
	}
	select {
	case <-clientB.send:
		t.Fatal("did not expect clientB to receive output for t-1")
	default:
	}

	h.broadcastToClients(hubBroadcast{data: []byte(`{"type":"pulse"}`)})
	select {
	case <-clientB.send:
	default:
		t.Fatal("untargeted messages reach every client")
	}
}

func TestSubscribeResets(t *testing.T) {
	c := &Client{subscribeAll: true, subscriptions: map[string]struct{}{}}
	c.subscribe("t1")
	if c.wantsTerminal("t2") || !c.wantsTerminal("t1") {
		t.Fatal("subscribe did not narrow output")
	}
	c.subscribe("")
	if !c.wantsTerminal("t2") {
		t.Fatal("empty subscribe did not restore all output")
	}
}

func TestOutputBatching(t *testing.T) {
	hub, url := startHub(t, "test-token", nil)
	conn := dial(t, url)
	waitForClientCount(t, hub, 1, time.Second)

	for i := 0; i < 5; i++ {
		hub.BroadcastOutput("t1", fmt.Sprintf("msg%d ", i))
	}

	data := readUntil(t, conn, MsgTerminalOutput)
	var msg OutputMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if msg.Text != "msg0 msg1 msg2 msg3 msg4 " {
		t.Errorf("batched text = %q", msg.Text)
	}
}

func TestTerminalClosedFlushesOutput(t *testing.T) {
	hub, url := startHub(t, "test-token", nil)
	conn := dial(t, url)
	waitForClientCount(t, hub, 1, time.Second)

	hub.BroadcastOutput("t1", "bye")
	hub.BroadcastTerminalClosed("t1")

	typ := ""
	for typ != MsgTerminalOutput {
		typ, _ = readMessage(t, conn)
		if typ == MsgTerminalClosed {
			t.Fatal("closed arrived before pending output")
		}
	}
	if typ, _ = readMessage(t, conn); typ != MsgTerminalClosed {
		t.Fatalf("message after output = %s, want terminal_closed", typ)
	}
}

func TestRateLimiterDirect(t *testing.T) {
	var received []OutputMessage
	var mu sync.Mutex

	limiter := NewRateLimiter(50*time.Millisecond, func(terminal string, msg OutputMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		limiter.Add(OutputMessage{Terminal: "t1", Text: fmt.Sprintf("text%d ", i), Ts: int64(i + 1)})
	}
	limiter.Add(OutputMessage{Terminal: "t2", Text: "other", Ts: 9})

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 batched messages, got %d", len(received))
	}
	for _, msg := range received {
		switch msg.Terminal {
		case "t1":
			if msg.Text != "text0 text1 text2 " || msg.Ts != 3 || msg.Type != MsgTerminalOutput {
				t.Errorf("t1 batch = %+v", msg)
			}
		case "t2":
			if msg.Text != "other" {
				t.Errorf("t2 batch = %+v", msg)
			}
		}
	}
}

func TestPulseAndEventMessages(t *testing.T) {
	hub := New("token", nil)
	// No clients: the frame is dropped before encoding.
	hub.BroadcastPulse(pulse.Frame{Total: 1})
	select {
	case <-hub.broadcast:
		t.Fatal("pulse broadcast with no clients")
	default:
	}

	hub.clients["x"] = &Client{id: "x", send: make(chan []byte, 4), subscribeAll: true}
	hub.BroadcastPulse(pulse.Frame{Total: 2, Window: pulse.Window1m})
	msg := <-hub.broadcast
	var frame PulseMessage
	if err := json.Unmarshal(msg.data, &frame); err != nil {
		t.Fatalf("unmarshal pulse: %v", err)
	}
	if frame.Type != MsgPulse || frame.Frame.Total != 2 {
		t.Fatalf("pulse = %+v", frame)
	}

	hub.BroadcastEvent(EventMessage{
		Record:      hookevent.Record{ID: "e1", SourceApp: "web", HookEventType: hookevent.Stop},
		BucketStart: 1000,
	})
	msg = <-hub.broadcast
	var ev struct {
		Type        string `json:"type"`
		BucketStart int64  `json:"bucket_start"`
		Record      struct {
			ID string `json:"id"`
		} `json:"record"`
	}
	if err := json.Unmarshal(msg.data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != MsgEvent || ev.Record.ID != "e1" || ev.BucketStart != 1000 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestBroadcastTerminalsIsCached(t *testing.T) {
	hub := New("token", nil)
	hub.BroadcastTerminals(pty.Layout{
		Terminals: []pty.SessionInfo{{ID: "t1", Name: "Terminal 1", Number: 1, Main: true}},
		Main:      "t1",
		Max:       6,
	})
	initial := hub.initialMessages()
	var msg TerminalsMessage
	if err := json.Unmarshal(initial[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Main != "t1" || len(msg.List) != 1 || msg.Max != 6 {
		t.Fatalf("cached terminals = %+v", msg)
	}
}

func TestConnectionBeforeRun(t *testing.T) {
	token := "test-token"
	hub := New(token, nil)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)
	conn := dial(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	if typ, _ := readMessage(t, conn); typ != MsgTerminals {
		t.Errorf("expected terminals message, got type: %s", typ)
	}
}

func TestHighClientCountShutdown(t *testing.T) {
	token := "test-token"
	hub := New(token, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)

	numClients := 20
	for i := 0; i < numClients; i++ {
		dial(t, url)
	}

	waitForClientCount(t, hub, numClients, 2*time.Second)

	cancel()
	time.Sleep(200 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", hub.ClientCount())
	}
}

func waitForClientCount(t *testing.T, hub *Hub, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != expected {
		t.Errorf("expected %d clients, got %d", expected, hub.ClientCount())
	}
}
