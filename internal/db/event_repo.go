package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/user/tessera/internal/hookevent"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 5000
)

type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Insert stores r and returns its id, assigning one when r has none.
func (r *EventRepo) Insert(ctx context.Context, rec hookevent.Record, receivedAt time.Time) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if receivedAt.IsZero() {
		receivedAt = nowUTC()
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	chat := rec.Chat
	if chat == nil {
		chat = []hookevent.Value{}
	}
	chatJSON, err := json.Marshal(chat)
	if err != nil {
		return "", fmt.Errorf("failed to encode chat: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO events (
	id, source_app, session_id, hook_event_type, payload, chat, summary, timestamp_ms, received_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		rec.ID,
		rec.SourceApp,
		rec.SessionID,
		rec.HookEventType,
		string(payload),
		string(chatJSON),
		rec.Summary,
		nullInt64(rec.Timestamp),
		receivedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert event %q: %w", rec.ID, err)
	}
	return rec.ID, nil
}

const eventColumns = `id, source_app, session_id, hook_event_type, payload, chat, summary, timestamp_ms, received_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*StoredEvent, error) {
	var (
		ev          StoredEvent
		payloadRaw  string
		chatRaw     string
		timestampMs sql.NullInt64
		receivedMs  int64
	)
	if err := row.Scan(
		&ev.Event.ID,
		&ev.Event.SourceApp,
		&ev.Event.SessionID,
		&ev.Event.HookEventType,
		&payloadRaw,
		&chatRaw,
		&ev.Event.Summary,
		&timestampMs,
		&receivedMs,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadRaw), &ev.Event.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of event %q: %w", ev.Event.ID, err)
	}
	if err := json.Unmarshal([]byte(chatRaw), &ev.Event.Chat); err != nil {
		return nil, fmt.Errorf("failed to decode chat of event %q: %w", ev.Event.ID, err)
	}
	if len(ev.Event.Chat) == 0 {
		ev.Event.Chat = nil
	}
	if timestampMs.Valid {
		ms := timestampMs.Int64
		ev.Event.Timestamp = &ms
	}
	ev.ReceivedAt = time.UnixMilli(receivedMs).UTC()
	return &ev, nil
}

// Get returns the event with id, or nil when there is none.
func (r *EventRepo) Get(ctx context.Context, id string) (*StoredEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get event %q: %w", id, err)
	}
	return ev, nil
}

// List returns matching events, most recently received first.
func (r *EventRepo) List(ctx context.Context, filter EventFilter) ([]*StoredEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	var (
		where []string
		args  []any
	)
	if filter.SourceApp != "" {
		where = append(where, "source_app = ?")
		args = append(args, filter.SourceApp)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.EventType != "" {
		where = append(where, "hook_event_type = ?")
		args = append(args, filter.EventType)
	}
	if !filter.Since.IsZero() {
		where = append(where, "received_ms >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY received_ms DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := make([]*StoredEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating events: %w", err)
	}
	return out, nil
}

// Count returns the number of stored events.
func (r *EventRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(1) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Prune deletes events received before cutoff and reports how many went.
func (r *EventRepo) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE received_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned rows: %w", err)
	}
	return n, nil
}
