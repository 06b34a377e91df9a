package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/user/tessera/internal/pty"
)

type errorBody struct {
	Error string `json:"error"`
}

type okBody struct {
	OK bool `json:"ok"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

// terminalError maps tile and pty failures to a status code.
func terminalError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pty.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pty.ErrLayoutFull), errors.Is(err, pty.ErrClosed):
		status = http.StatusConflict
	case errors.Is(err, pty.ErrBadIndex), errors.Is(err, pty.ErrInvalidSize):
		status = http.StatusBadRequest
	}
	jsonError(w, status, err.Error())
}

// intQuery reads a non-negative integer query parameter, returning def
// when it is absent.
func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}
