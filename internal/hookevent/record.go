// Package hookevent decodes the activity records published by the hook
// event server: one record per tool call, prompt, notification or session
// transition of an agent.
package hookevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known hook event types. The set is open; unknown types are kept
// verbatim.
const (
	PreToolUse       = "PreToolUse"
	PostToolUse      = "PostToolUse"
	Notification     = "Notification"
	Stop             = "Stop"
	SubagentStop     = "SubagentStop"
	PreCompact       = "PreCompact"
	UserPromptSubmit = "UserPromptSubmit"
	SessionStart     = "SessionStart"
	SessionEnd       = "SessionEnd"
)

// Record is a single hook event.
type Record struct {
	ID            string  `json:"id,omitempty"`
	SourceApp     string  `json:"source_app"`
	SessionID     string  `json:"session_id"`
	HookEventType string  `json:"hook_event_type"`
	Payload       Value   `json:"payload"`
	Chat          []Value `json:"chat,omitempty"`
	Summary       string  `json:"summary,omitempty"`
	// Timestamp is epoch milliseconds, zero included; nil when the producer
	// did not send one or sent something unusable (negative, non-numeric).
	Timestamp *int64 `json:"timestamp,omitempty"`
}

type wireRecord struct {
	ID            Value   `json:"id"`
	SourceApp     string  `json:"source_app"`
	SessionID     string  `json:"session_id"`
	HookEventType string  `json:"hook_event_type"`
	Payload       Value   `json:"payload"`
	Chat          []Value `json:"chat"`
	Summary       string  `json:"summary"`
	Timestamp     Value   `json:"timestamp"`
}

// UnmarshalJSON accepts numeric or string ids and drops malformed
// timestamps instead of rejecting the record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		SourceApp:     w.SourceApp,
		SessionID:     w.SessionID,
		HookEventType: w.HookEventType,
		Payload:       w.Payload,
		Chat:          w.Chat,
		Summary:       w.Summary,
	}
	if !r.Payload.IsObject() {
		r.Payload = Object(nil)
	}
	switch w.ID.Kind() {
	case KindString:
		r.ID, _ = w.ID.Str()
	case KindNumber:
		if n, ok := w.ID.Int64(); ok {
			r.ID = strconv.FormatInt(n, 10)
		}
	}
	r.Timestamp = normalizeTimestamp(w.Timestamp)
	return nil
}

func normalizeTimestamp(v Value) *int64 {
	var ms int64
	switch v.Kind() {
	case KindNumber:
		n, ok := v.Int64()
		if !ok {
			return nil
		}
		ms = n
	case KindString:
		s, _ := v.Str()
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil
		}
		ms = n
	default:
		return nil
	}
	if ms < 0 {
		return nil
	}
	return &ms
}

// Time returns the event time, falling back to arrival when the record
// carries no usable timestamp.
func (r Record) Time(arrival time.Time) time.Time {
	if r.Timestamp == nil {
		return arrival
	}
	return time.UnixMilli(*r.Timestamp)
}

// WithTimestamp returns a copy of r stamped with t.
func (r Record) WithTimestamp(t time.Time) Record {
	ms := t.UnixMilli()
	r.Timestamp = &ms
	return r
}

// ToolName returns payload.tool_name when present.
func (r Record) ToolName() string {
	s, _ := r.Payload.Get("tool_name").Str()
	return s
}

// Envelope is one websocket frame from the event server. Data holds either a
// single record or an array of them.
type Envelope struct {
	Type    string
	Records []Record
}

var ErrNoData = errors.New("hookevent: envelope has no data")

// DecodeEnvelope parses a `{"type": ..., "data": ...}` frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	body := strings.TrimSpace(string(raw.Data))
	if body == "" || body == "null" {
		return Envelope{}, ErrNoData
	}

	env := Envelope{Type: raw.Type}
	switch body[0] {
	case '{':
		var rec Record
		if err := json.Unmarshal(raw.Data, &rec); err != nil {
			return Envelope{}, fmt.Errorf("decode record: %w", err)
		}
		env.Records = []Record{rec}
	case '[':
		if err := json.Unmarshal(raw.Data, &env.Records); err != nil {
			return Envelope{}, fmt.Errorf("decode records: %w", err)
		}
	default:
		return Envelope{}, fmt.Errorf("decode envelope: unexpected data %.20q", body)
	}
	return env, nil
}
