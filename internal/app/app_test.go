package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/tessera/internal/config"
	"github.com/user/tessera/internal/hookevent"
	"github.com/user/tessera/internal/hub"
	"github.com/user/tessera/internal/server"
)

const testToken = "test-token"

func testConfig(t *testing.T, streamURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Token:        testToken,
		StreamURL:    streamURL,
		Shell:        "/bin/sh",
		MaxTerminals: 4,
		PulseWindow:  "1m",
		FeedLimit:    100,
		DBPath:       filepath.Join(dir, "tessera.db"),
		SettingsPath: filepath.Join(dir, "settings.yaml"),
		LogLevel:     "info",
	}
}

func newTestApp(t *testing.T, streamURL string) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(t, streamURL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewRejectsBadWindow(t *testing.T) {
	cfg := testConfig(t, "ws://127.0.0.1:1/stream")
	cfg.PulseWindow = "2m"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unsupported window")
	}
}

func TestHandleRecord(t *testing.T) {
	a := newTestApp(t, "ws://127.0.0.1:1/stream")
	now := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time { return now }

	got := a.HandleRecord(hookevent.Record{
		SourceApp:     "demo",
		SessionID:     "abcdef12",
		HookEventType: hookevent.PreToolUse,
		Payload:       hookevent.Object(map[string]hookevent.Value{"tool_name": hookevent.String("Bash")}),
	})
	if got.ID == "" {
		t.Fatal("record id was not assigned")
	}
	if n := a.feed.Count(); n != 1 {
		t.Fatalf("feed count = %d, want 1", n)
	}
	stored, err := a.events.Get(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("history Get() error = %v", err)
	}
	if stored.Event.SourceApp != "demo" || !stored.ReceivedAt.Equal(now) {
		t.Fatalf("stored = %+v", stored)
	}
	if frame := a.PulseFrame(); frame.Total != 1 {
		t.Fatalf("frame total = %d, want 1", frame.Total)
	}
	apps, sessions := a.palette.Assignments()
	if _, ok := apps["demo"]; !ok {
		t.Fatalf("app color not assigned: %v", apps)
	}
	if _, ok := sessions["abcdef12"]; !ok {
		t.Fatalf("session color not assigned: %v", sessions)
	}

	kept := a.HandleRecord(hookevent.Record{ID: "fixed", SourceApp: "demo", HookEventType: hookevent.Stop})
	if kept.ID != "fixed" {
		t.Fatalf("id = %q, want fixed", kept.ID)
	}
}

func TestPulseCommands(t *testing.T) {
	a := newTestApp(t, "ws://127.0.0.1:1/stream")
	now := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time { return now }

	if err := a.SetWindow("7m"); err == nil {
		t.Fatal("expected error for unsupported window")
	}
	if err := a.SetWindow("3m"); err != nil {
		t.Fatalf("SetWindow() error = %v", err)
	}
	if frame := a.PulseFrame(); frame.Window.String() != "3m" {
		t.Fatalf("window = %s, want 3m", frame.Window)
	}

	a.Freeze()
	now = now.Add(time.Minute)
	frame := a.PulseFrame()
	if !frame.Frozen || frame.Now != 1_700_000_000_000 {
		t.Fatalf("frozen frame = %+v", frame)
	}
	a.Unfreeze()
	if frame := a.PulseFrame(); frame.Frozen {
		t.Fatal("frame still frozen")
	}
}

func TestReturnUnknownTerminal(t *testing.T) {
	a := newTestApp(t, "ws://127.0.0.1:1/stream")
	if err := a.ReturnToSidebar("missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

// upstream is a fake event server that sends frames once released.
func upstream(t *testing.T, release <-chan struct{}, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		for _, frame := range frames {
			if err := c.Write(r.Context(), websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		_, _, _ = c.Read(context.Background())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readType(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		t.Fatalf("invalid message %s: %v", data, err)
	}
	return base.Type, data
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) []byte {
	t.Helper()
	for i := 0; i < 200; i++ {
		typ, data := readType(t, conn)
		if typ == msgType {
			return data
		}
	}
	t.Fatalf("no %s message received", msgType)
	return nil
}

func apiCall(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestRunEndToEnd(t *testing.T) {
	release := make(chan struct{})
	up := upstream(t, release,
		`{"type":"initial","data":[]}`,
		`{"type":"event","data":{"id":"e1","source_app":"demo","session_id":"s1","hook_event_type":"PreToolUse","payload":{"tool_name":"Bash"}}}`,
	)
	a := newTestApp(t, "ws"+strings.TrimPrefix(up.URL, "http")+"/stream")

	srv := server.New("127.0.0.1:0", http.HandlerFunc(a.Hub().HandleWebSocket), a.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, srv) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("run did not stop")
		}
	})

	var addr string
	select {
	case bound := <-srv.Ready():
		addr = bound.String()
	case err := <-done:
		t.Fatalf("run() error = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	base := "http://" + addr

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/ws?token="+testToken, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	if typ, _ := readType(t, conn); typ != hub.MsgTerminals {
		t.Fatalf("first message = %s, want %s", typ, hub.MsgTerminals)
	}

	close(release)
	var ev hub.EventMessage
	if err := json.Unmarshal(readUntil(t, conn, hub.MsgEvent), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Record.ID != "e1" || ev.Emoji == "" || ev.AppColor == "" {
		t.Fatalf("event = %+v", ev)
	}

	code, body := apiCall(t, http.MethodGet, base+"/api/events", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"e1"`) {
		t.Fatalf("GET /api/events = %d %s", code, body)
	}

	code, body = apiCall(t, http.MethodPost, base+"/api/terminals", `{"name":"cat","command":"cat"}`)
	if code != http.StatusCreated {
		t.Fatalf("POST /api/terminals = %d %s", code, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		t.Fatalf("created = %s (%v)", body, err)
	}

	code, body = apiCall(t, http.MethodPost, base+"/api/terminals/"+created.ID+"/input", `{"keys":"hello-tessera\n"}`)
	if code != http.StatusOK && code != http.StatusNoContent {
		t.Fatalf("input = %d %s", code, body)
	}

	var output strings.Builder
	for i := 0; i < 200 && !strings.Contains(output.String(), "hello-tessera"); i++ {
		typ, data := readType(t, conn)
		if typ != hub.MsgTerminalOutput {
			continue
		}
		var msg hub.OutputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Terminal == created.ID {
			output.WriteString(msg.Text)
		}
	}
	if !strings.Contains(output.String(), "hello-tessera") {
		t.Fatalf("terminal output = %q", output.String())
	}

	code, body = apiCall(t, http.MethodDelete, base+"/api/terminals/"+created.ID, "")
	if code != http.StatusNoContent {
		t.Fatalf("DELETE = %d %s", code, body)
	}
	var closed hub.TerminalClosedMessage
	if err := json.Unmarshal(readUntil(t, conn, hub.MsgTerminalClosed), &closed); err != nil {
		t.Fatal(err)
	}
	if closed.Terminal != created.ID {
		t.Fatalf("closed = %+v", closed)
	}
}
