package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/user/tessera/internal/pty"
	"github.com/user/tessera/internal/transcript"
)

type terminalsResponse struct {
	Terminals  []pty.SessionInfo `json:"terminals"`
	Main       string            `json:"main,omitempty"`
	Fullscreen bool              `json:"fullscreen"`
	Max        int               `json:"max"`
}

type createTerminalRequest struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

type inputRequest struct {
	Keys string `json:"keys"`
	Key  string `json:"key"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type reorderRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type outputResponse struct {
	Terminal string   `json:"terminal"`
	Lines    []string `json:"lines"`
}

func (h *handler) listTerminals(w http.ResponseWriter, _ *http.Request) {
	layout := h.terminals.Layout()
	list := layout.Terminals
	if list == nil {
		list = []pty.SessionInfo{}
	}
	jsonResponse(w, http.StatusOK, terminalsResponse{
		Terminals:  list,
		Main:       layout.Main,
		Fullscreen: layout.Fullscreen,
		Max:        layout.Max,
	})
}

func (h *handler) createTerminal(w http.ResponseWriter, r *http.Request) {
	var req createTerminalRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	info, err := h.terminals.CreateTerminal(r.Context(), strings.TrimSpace(req.Name), strings.TrimSpace(req.Command))
	if err != nil {
		terminalError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, info)
}

func (h *handler) closeTerminal(w http.ResponseWriter, r *http.Request) {
	if err := h.terminals.CloseTerminal(r.PathValue("id")); err != nil {
		terminalError(w, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) sendInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Keys == "" && req.Key == "" {
		jsonError(w, http.StatusBadRequest, "keys or key is required")
		return
	}
	id := r.PathValue("id")
	if req.Keys != "" {
		if err := h.terminals.TerminalInput(id, req.Keys); err != nil {
			terminalError(w, err)
			return
		}
	}
	if req.Key != "" {
		if err := h.terminals.TerminalKey(id, req.Key); err != nil {
			terminalError(w, err)
			return
		}
	}
	jsonResponse(w, http.StatusOK, okBody{OK: true})
}

func (h *handler) resizeTerminal(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.terminals.ResizeTerminal(r.PathValue("id"), req.Cols, req.Rows); err != nil {
		terminalError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, okBody{OK: true})
}

func (h *handler) promoteTerminal(w http.ResponseWriter, r *http.Request) {
	if err := h.terminals.Promote(r.PathValue("id")); err != nil {
		terminalError(w, err)
		return
	}
	h.listTerminals(w, r)
}

func (h *handler) returnTerminal(w http.ResponseWriter, r *http.Request) {
	if err := h.terminals.ReturnToSidebar(r.PathValue("id")); err != nil {
		terminalError(w, err)
		return
	}
	h.listTerminals(w, r)
}

func (h *handler) reorderTerminals(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.terminals.Reorder(req.From, req.To); err != nil {
		terminalError(w, err)
		return
	}
	h.listTerminals(w, r)
}

func (h *handler) toggleFullscreen(w http.ResponseWriter, r *http.Request) {
	if err := h.terminals.ToggleFullscreen(); err != nil {
		terminalError(w, err)
		return
	}
	h.listTerminals(w, r)
}

func (h *handler) terminalOutput(w http.ResponseWriter, r *http.Request) {
	lines, err := intQuery(r, "lines", 200)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	out, err := h.terminals.CaptureOutput(r.Context(), id, lines)
	if err != nil {
		terminalError(w, err)
		return
	}
	if plain, _ := strconv.ParseBool(r.URL.Query().Get("plain")); plain {
		for i, line := range out {
			out[i] = transcript.StripANSI(line)
		}
	}
	jsonResponse(w, http.StatusOK, outputResponse{Terminal: id, Lines: out})
}
