// Package api serves the REST surface of the daemon: terminal tiles, the
// activity pulse, the event feed and history, transcripts, settings and the
// color palette.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/tessera/internal/db"
	"github.com/user/tessera/internal/feed"
	"github.com/user/tessera/internal/hookevent"
	"github.com/user/tessera/internal/palette"
	"github.com/user/tessera/internal/pty"
	"github.com/user/tessera/internal/pulse"
	"github.com/user/tessera/internal/settings"
)

type TerminalController interface {
	Layout() pty.Layout
	CreateTerminal(ctx context.Context, name, command string) (pty.SessionInfo, error)
	CloseTerminal(id string) error
	TerminalInput(id, keys string) error
	TerminalKey(id, key string) error
	ResizeTerminal(id string, cols, rows int) error
	Promote(id string) error
	ReturnToSidebar(id string) error
	Reorder(from, to int) error
	ToggleFullscreen() error
	CaptureOutput(ctx context.Context, id string, lines int) ([]string, error)
}

type PulseController interface {
	PulseFrame() pulse.Frame
	SetWindow(window string) error
	Freeze()
	Unfreeze()
}

// EventSink accepts injected records and returns them as stored.
type EventSink interface {
	HandleRecord(rec hookevent.Record) hookevent.Record
}

// Deps are the components the handlers read from. Nil History or Settings
// disable the matching routes with 503.
type Deps struct {
	Terminals TerminalController
	Pulse     PulseController
	Sink      EventSink
	Feed      *feed.Feed
	History   *db.EventRepo
	Settings  *settings.Store
	Palette   *palette.Registry
	Token     string
	Now       func() time.Time
}

type handler struct {
	terminals TerminalController
	pulse     PulseController
	sink      EventSink
	feed      *feed.Feed
	history   *db.EventRepo
	settings  *settings.Store
	palette   *palette.Registry
	now       func() time.Time
}

func NewRouter(deps Deps) http.Handler {
	h := &handler{
		terminals: deps.Terminals,
		pulse:     deps.Pulse,
		sink:      deps.Sink,
		feed:      deps.Feed,
		history:   deps.History,
		settings:  deps.Settings,
		palette:   deps.Palette,
		now:       deps.Now,
	}
	if h.now == nil {
		h.now = time.Now
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/terminals", h.listTerminals)
	mux.HandleFunc("POST /api/terminals", h.createTerminal)
	mux.HandleFunc("POST /api/terminals/reorder", h.reorderTerminals)
	mux.HandleFunc("POST /api/terminals/fullscreen", h.toggleFullscreen)
	mux.HandleFunc("DELETE /api/terminals/{id}", h.closeTerminal)
	mux.HandleFunc("POST /api/terminals/{id}/input", h.sendInput)
	mux.HandleFunc("POST /api/terminals/{id}/resize", h.resizeTerminal)
	mux.HandleFunc("POST /api/terminals/{id}/promote", h.promoteTerminal)
	mux.HandleFunc("POST /api/terminals/{id}/return", h.returnTerminal)
	mux.HandleFunc("GET /api/terminals/{id}/output", h.terminalOutput)

	mux.HandleFunc("GET /api/pulse", h.getPulse)
	mux.HandleFunc("POST /api/pulse/window", h.setPulseWindow)
	mux.HandleFunc("POST /api/pulse/freeze", h.freezePulse)
	mux.HandleFunc("POST /api/pulse/unfreeze", h.unfreezePulse)

	mux.HandleFunc("GET /api/events", h.listEvents)
	mux.HandleFunc("POST /api/events", h.injectEvents)
	mux.HandleFunc("GET /api/events/options", h.eventOptions)
	mux.HandleFunc("GET /api/events/history", h.eventHistory)
	mux.HandleFunc("GET /api/events/{id}/transcript", h.eventTranscript)

	mux.HandleFunc("GET /api/settings", h.getSettings)
	mux.HandleFunc("PUT /api/settings", h.updateSettings)
	mux.HandleFunc("GET /api/palette", h.getPalette)

	return authMiddleware(deps.Token)(jsonMiddleware(corsMiddleware(mux)))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
