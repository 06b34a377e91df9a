package api

import (
	"net/http"
)

type windowRequest struct {
	Window string `json:"window"`
}

// getPulse returns the current chart frame. A window parameter different
// from the active one switches the shared window first.
func (h *handler) getPulse(w http.ResponseWriter, r *http.Request) {
	if window := r.URL.Query().Get("window"); window != "" && window != h.pulse.PulseFrame().Window.String() {
		if err := h.pulse.SetWindow(window); err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	jsonResponse(w, http.StatusOK, h.pulse.PulseFrame())
}

func (h *handler) setPulseWindow(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.pulse.SetWindow(req.Window); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, h.pulse.PulseFrame())
}

func (h *handler) freezePulse(w http.ResponseWriter, _ *http.Request) {
	h.pulse.Freeze()
	jsonResponse(w, http.StatusOK, h.pulse.PulseFrame())
}

func (h *handler) unfreezePulse(w http.ResponseWriter, _ *http.Request) {
	h.pulse.Unfreeze()
	jsonResponse(w, http.StatusOK, h.pulse.PulseFrame())
}
