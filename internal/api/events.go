package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/tessera/internal/db"
	"github.com/user/tessera/internal/feed"
	"github.com/user/tessera/internal/hookevent"
	"github.com/user/tessera/internal/transcript"
)

// eventRow is one line of the activity table.
type eventRow struct {
	Record       hookevent.Record `json:"record"`
	Text         string           `json:"text"`
	Emoji        string           `json:"emoji"`
	Time         string           `json:"time,omitempty"`
	AppColor     string           `json:"app_color,omitempty"`
	SessionColor string           `json:"session_color,omitempty"`
	TypeColor    string           `json:"type_color"`
}

type eventsResponse struct {
	Events []eventRow `json:"events"`
	Total  int        `json:"total"`
}

type historyResponse struct {
	Events []*db.StoredEvent `json:"events"`
}

type transcriptResponse struct {
	Event   string             `json:"event"`
	Entries []transcript.Entry `json:"entries"`
	Total   int                `json:"total"`
}

func (h *handler) row(rec hookevent.Record) eventRow {
	row := eventRow{
		Record:    rec,
		Text:      rec.DisplayText(),
		Emoji:     hookevent.Emoji(rec.HookEventType),
		Time:      rec.DisplayTimestamp(time.Local),
		TypeColor: paletteTypeColor(rec.HookEventType),
	}
	if h.palette != nil {
		row.AppColor = h.palette.ForApp(rec.SourceApp).Hex()
		row.SessionColor = h.palette.ForSession(rec.SessionID).Hex()
	}
	return row
}

func feedFilter(r *http.Request) feed.Filter {
	q := r.URL.Query()
	return feed.Filter{
		SourceApp: q.Get("app"),
		SessionID: q.Get("session"),
		EventType: q.Get("type"),
	}
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	records := h.feed.List(feedFilter(r))
	total := len(records)
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	rows := make([]eventRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, h.row(rec))
	}
	jsonResponse(w, http.StatusOK, eventsResponse{Events: rows, Total: total})
}

func (h *handler) eventOptions(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, h.feed.Options())
}

// injectEvents accepts one record or an array of records.
func (h *handler) injectEvents(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	data = bytes.TrimSpace(data)

	var records []hookevent.Record
	if len(data) > 0 && data[0] == '[' {
		err = json.Unmarshal(data, &records)
	} else {
		var rec hookevent.Record
		err = json.Unmarshal(data, &rec)
		records = []hookevent.Record{rec}
	}
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.HookEventType) == "" {
			jsonError(w, http.StatusBadRequest, "hook_event_type is required")
			return
		}
	}

	rows := make([]eventRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, h.row(h.sink.HandleRecord(rec)))
	}
	jsonResponse(w, http.StatusAccepted, eventsResponse{Events: rows, Total: len(rows)})
}

func (h *handler) eventHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		jsonError(w, http.StatusServiceUnavailable, "event history is disabled")
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := db.EventFilter{
		SourceApp: r.URL.Query().Get("app"),
		SessionID: r.URL.Query().Get("session"),
		EventType: r.URL.Query().Get("type"),
		Limit:     limit,
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "invalid since")
			return
		}
		filter.Since = since
	}
	events, err := h.history.List(r.Context(), filter)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, historyResponse{Events: events})
}

// eventTranscript looks the record up in the live feed first, then in
// history.
func (h *handler) eventTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := h.feed.Get(id)
	if !ok && h.history != nil {
		stored, err := h.history.Get(r.Context(), id)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if stored != nil {
			rec, ok = stored.Event, true
		}
	}
	if !ok {
		jsonError(w, http.StatusNotFound, "event not found")
		return
	}

	entries := transcript.Build(rec.Chat)
	total := len(entries)
	entries = transcript.Search(entries, r.URL.Query().Get("q"))
	if raw := r.URL.Query().Get("filter"); raw != "" {
		entries = transcript.Filter(entries, strings.Split(raw, ","))
	}
	jsonResponse(w, http.StatusOK, transcriptResponse{Event: id, Entries: entries, Total: total})
}
