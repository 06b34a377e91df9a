package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/user/tessera/internal/hookevent"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tessera-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}
	assertTableExists(t, database.SQL(), "_meta")
	assertTableExists(t, database.SQL(), "events")
	assertTableExists(t, database.SQL(), "terminals")
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("Open(\"\") succeeded")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)

	if err := RunMigrations(context.Background(), database.SQL()); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	var version string
	if err := database.SQL().QueryRow(`SELECT value FROM _meta WHERE key='schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version error = %v", err)
	}
	if version != strconv.Itoa(SchemaVersion()) {
		t.Fatalf("schema version = %s, want %d", version, SchemaVersion())
	}
}

func sampleRecord(app, session, typ string, ts int64) hookevent.Record {
	r := hookevent.Record{
		SourceApp:     app,
		SessionID:     session,
		HookEventType: typ,
		Payload: hookevent.Object(map[string]hookevent.Value{
			"tool_name": hookevent.String("Bash"),
		}),
		Summary: "ran a command",
	}
	if ts > 0 {
		r.Timestamp = &ts
	}
	return r
}

func TestEventRepoInsertAndGet(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewEventRepo(database.SQL())
	ctx := context.Background()

	rec := sampleRecord("web", "s1", hookevent.PreToolUse, 1_700_000_000_123)
	rec.Chat = []hookevent.Value{
		hookevent.Object(map[string]hookevent.Value{"type": hookevent.String("user"), "content": hookevent.String("hi")}),
	}
	received := time.UnixMilli(1_700_000_001_000)

	id, err := repo.Insert(ctx, rec, received)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if id == "" {
		t.Fatal("Insert() did not assign an id")
	}

	got, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.Event.SourceApp != "web" || got.Event.HookEventType != hookevent.PreToolUse || got.Event.Summary != "ran a command" {
		t.Fatalf("Get() event = %#v", got.Event)
	}
	if got.Event.Timestamp == nil || *got.Event.Timestamp != 1_700_000_000_123 {
		t.Fatalf("Timestamp = %v", got.Event.Timestamp)
	}
	if got.Event.ToolName() != "Bash" {
		t.Fatalf("ToolName() = %q, want Bash", got.Event.ToolName())
	}
	if len(got.Event.Chat) != 1 {
		t.Fatalf("len(Chat) = %d, want 1", len(got.Event.Chat))
	}
	if !got.ReceivedAt.Equal(received) {
		t.Fatalf("ReceivedAt = %v, want %v", got.ReceivedAt, received)
	}

	missing, err := repo.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("Get(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestEventRepoInsertWithoutTimestamp(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewEventRepo(database.SQL())
	ctx := context.Background()

	rec := sampleRecord("web", "s1", hookevent.Stop, 0)
	rec.ID = "fixed-id"
	id, err := repo.Insert(ctx, rec, time.Time{})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if id != "fixed-id" {
		t.Fatalf("id = %q, want fixed-id", id)
	}
	got, err := repo.Get(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if got.Event.Timestamp != nil {
		t.Fatalf("Timestamp = %d, want nil", *got.Event.Timestamp)
	}
	if got.Event.Chat != nil {
		t.Fatalf("Chat = %v, want nil", got.Event.Chat)
	}
}

func TestEventRepoListFilterAndPrune(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewEventRepo(database.SQL())
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	inputs := []hookevent.Record{
		sampleRecord("web", "s1", hookevent.PreToolUse, 0),
		sampleRecord("cli", "s2", hookevent.PostToolUse, 0),
		sampleRecord("web", "s2", hookevent.PreToolUse, 0),
		sampleRecord("web", "s1", hookevent.Stop, 0),
	}
	var ids []string
	for i, rec := range inputs {
		id, err := repo.Insert(ctx, rec, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
		ids = append(ids, id)
	}

	listIDs := func(filter EventFilter) []string {
		t.Helper()
		events, err := repo.List(ctx, filter)
		if err != nil {
			t.Fatalf("List(%+v) error = %v", filter, err)
		}
		out := make([]string, 0, len(events))
		for _, ev := range events {
			out = append(out, ev.Event.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter EventFilter
		want   []string
	}{
		{"all newest first", EventFilter{}, []string{ids[3], ids[2], ids[1], ids[0]}},
		{"app", EventFilter{SourceApp: "web"}, []string{ids[3], ids[2], ids[0]}},
		{"session and type", EventFilter{SessionID: "s2", EventType: hookevent.PreToolUse}, []string{ids[2]}},
		{"limit", EventFilter{Limit: 2}, []string{ids[3], ids[2]}},
		{"since", EventFilter{Since: base.Add(2 * time.Minute)}, []string{ids[3], ids[2]}},
	}
	for _, tt := range tests {
		if got := listIDs(tt.filter); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}

	removed, err := repo.Prune(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("Prune() removed %d, want 2", removed)
	}
	if n, err := repo.Count(ctx); err != nil || n != 2 {
		t.Fatalf("Count() = %d, %v; want 2", n, err)
	}
}

func TestTerminalRepoLifecycle(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewTerminalRepo(database.SQL())
	ctx := context.Background()

	first := &Terminal{ID: "t1", Name: "Terminal 1", Command: []string{"/bin/zsh", "-l"}, StartedAt: time.Now().Add(-time.Minute)}
	second := &Terminal{ID: "t2", Name: "Terminal 2"}
	for _, term := range []*Terminal{first, second} {
		if err := repo.Create(ctx, term); err != nil {
			t.Fatalf("Create(%s) error = %v", term.ID, err)
		}
	}
	if err := repo.MarkExited(ctx, "t1", time.Now()); err != nil {
		t.Fatalf("MarkExited() error = %v", err)
	}
	if err := repo.MarkExited(ctx, "missing", time.Now()); err == nil {
		t.Fatal("MarkExited(missing) succeeded")
	}

	list, err := repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "t2" || list[1].ID != "t1" {
		t.Fatalf("List() order = %#v", list)
	}
	if !reflect.DeepEqual(list[1].Command, []string{"/bin/zsh", "-l"}) {
		t.Fatalf("Command = %v", list[1].Command)
	}
	if list[1].ExitedAt.IsZero() || !list[0].ExitedAt.IsZero() {
		t.Fatalf("ExitedAt = %v / %v", list[1].ExitedAt, list[0].ExitedAt)
	}
	if len(list[0].Command) != 0 {
		t.Fatalf("nil command stored as %v", list[0].Command)
	}
}
