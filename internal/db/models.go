package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/tessera/internal/hookevent"
)

// StoredEvent is a hook event as persisted, with the time it reached us.
type StoredEvent struct {
	Event      hookevent.Record `json:"event"`
	ReceivedAt time.Time        `json:"received_at"`
}

// EventFilter narrows EventRepo.List. Empty fields match everything.
type EventFilter struct {
	SourceApp string
	SessionID string
	EventType string
	Since     time.Time
	Limit     int
}

// Terminal is one entry in the terminal log.
type Terminal struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Command   []string  `json:"command"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// timestampLayout keeps a fixed-width fraction so stored timestamps sort
// as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func formatTimestampOrEmpty(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return formatTimestamp(ts)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func parseOptionalTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return parseTimestamp(raw)
}

func encodeStringSlice(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	buf, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode string slice: %w", err)
	}
	return string(buf), nil
}

func decodeStringSlice(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string slice: %w", err)
	}
	return values, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
