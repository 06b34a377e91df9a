package api

import (
	"net/http"

	"github.com/user/tessera/internal/hookevent"
	"github.com/user/tessera/internal/palette"
	"github.com/user/tessera/internal/settings"
)

var knownEventTypes = []string{
	hookevent.PreToolUse,
	hookevent.PostToolUse,
	hookevent.Notification,
	hookevent.Stop,
	hookevent.SubagentStop,
	hookevent.PreCompact,
	hookevent.UserPromptSubmit,
	hookevent.SessionStart,
	hookevent.SessionEnd,
}

type paletteResponse struct {
	Apps       map[string]palette.Color `json:"apps"`
	Sessions   map[string]palette.Color `json:"sessions"`
	EventTypes map[string]palette.Color `json:"event_types"`
}

func paletteTypeColor(eventType string) string {
	return palette.ForEventType(eventType).Hex()
}

func (h *handler) getSettings(w http.ResponseWriter, _ *http.Request) {
	if h.settings == nil {
		jsonResponse(w, http.StatusOK, settings.Default())
		return
	}
	jsonResponse(w, http.StatusOK, h.settings.Get())
}

// updateSettings replaces the settings; omitted fields keep their current
// values.
func (h *handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		jsonError(w, http.StatusServiceUnavailable, "settings are read-only")
		return
	}
	next := h.settings.Get()
	if err := decodeJSON(r, &next); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.settings.Update(next); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, h.settings.Get())
}

func (h *handler) getPalette(w http.ResponseWriter, _ *http.Request) {
	resp := paletteResponse{
		Apps:       map[string]palette.Color{},
		Sessions:   map[string]palette.Color{},
		EventTypes: make(map[string]palette.Color, len(knownEventTypes)),
	}
	if h.palette != nil {
		resp.Apps, resp.Sessions = h.palette.Assignments()
	}
	for _, t := range knownEventTypes {
		resp.EventTypes[t] = palette.ForEventType(t)
	}
	jsonResponse(w, http.StatusOK, resp)
}
