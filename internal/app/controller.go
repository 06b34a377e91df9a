package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/user/tessera/internal/db"
	"github.com/user/tessera/internal/hookevent"
	"github.com/user/tessera/internal/hub"
	"github.com/user/tessera/internal/pty"
	"github.com/user/tessera/internal/pulse"
)

// Terminal commands. The websocket and the REST API share these, and every
// change to the tile arrangement is pushed to all clients.

func (a *App) Layout() pty.Layout { return a.backend.Layout() }

func (a *App) CreateTerminal(ctx context.Context, name, command string) (pty.SessionInfo, error) {
	info, err := a.backend.CreateTerminal(ctx, name, command)
	if err != nil {
		return pty.SessionInfo{}, err
	}
	slog.Info("terminal created", "terminal", info.ID, "name", info.Name)
	if err := a.terminals.Create(ctx, &db.Terminal{
		ID:        info.ID,
		Name:      info.Name,
		Command:   info.Command,
		StartedAt: info.CreatedAt,
	}); err != nil {
		slog.Warn("failed to record terminal", "terminal", info.ID, "error", err)
	}
	a.broadcastLayout()
	return info, nil
}

func (a *App) NewTerminal(name, command string) error {
	_, err := a.CreateTerminal(a.baseContext(), name, command)
	return err
}

// CloseTerminal kills the child. The layout broadcast follows once the
// backend reports the terminal closed.
func (a *App) CloseTerminal(id string) error {
	return a.backend.DestroyTerminal(a.baseContext(), id)
}

func (a *App) TerminalInput(id, keys string) error {
	return a.backend.SendInput(a.baseContext(), id, keys)
}

func (a *App) TerminalKey(id, key string) error {
	return a.backend.SendKey(a.baseContext(), id, key)
}

func (a *App) ResizeTerminal(id string, cols, rows int) error {
	return a.backend.Resize(a.baseContext(), id, cols, rows)
}

func (a *App) CaptureOutput(ctx context.Context, id string, lines int) ([]string, error) {
	return a.backend.CaptureOutput(ctx, id, lines)
}

func (a *App) Promote(id string) error {
	if err := a.backend.Promote(id); err != nil {
		return err
	}
	a.broadcastLayout()
	return nil
}

func (a *App) ReturnToSidebar(id string) error {
	if !a.backend.Exists(id) {
		return fmt.Errorf("return %s: %w", id, pty.ErrSessionNotFound)
	}
	if a.backend.ReturnToSidebar(id) {
		a.broadcastLayout()
	}
	return nil
}

func (a *App) Reorder(from, to int) error {
	if err := a.backend.Reorder(from, to); err != nil {
		return err
	}
	a.broadcastLayout()
	return nil
}

func (a *App) ToggleFullscreen() error {
	if _, err := a.backend.ToggleFullscreen(); err != nil {
		return err
	}
	a.broadcastLayout()
	return nil
}

// Pulse commands.

func (a *App) PulseFrame() pulse.Frame { return a.agg.Frame(a.now()) }

func (a *App) SetWindow(window string) error {
	w, err := pulse.ParseWindow(window)
	if err != nil {
		return err
	}
	if err := a.agg.SetWindow(w, a.now()); err != nil {
		return err
	}
	a.hub.BroadcastPulse(a.PulseFrame())
	return nil
}

func (a *App) Freeze() {
	a.agg.Freeze(a.now())
	a.hub.BroadcastPulse(a.PulseFrame())
}

func (a *App) Unfreeze() {
	a.agg.Unfreeze()
	a.hub.BroadcastPulse(a.PulseFrame())
}

// HandleRecord accepts one hook event from the stream or the REST API. It is
// counted in the pulse, appended to the feed and persisted. Records without
// an id get one.
func (a *App) HandleRecord(rec hookevent.Record) hookevent.Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := a.now()
	a.palette.ForApp(rec.SourceApp)
	a.palette.ForSession(rec.SessionID)
	a.agg.AddEvent(rec, now)
	a.feed.Add(rec)
	if _, err := a.events.Insert(a.baseContext(), rec, now); err != nil {
		slog.Warn("failed to persist event", "event", rec.ID, "type", rec.HookEventType, "error", err)
	}
	return rec
}

func (a *App) onPulse(p pulse.Pulse) {
	a.hub.BroadcastEvent(hub.EventMessage{
		Record:      p.Record,
		Text:        p.Record.DisplayText(),
		Emoji:       hookevent.Emoji(p.Record.HookEventType),
		AppColor:    a.palette.ForApp(p.Record.SourceApp).Hex(),
		BucketStart: p.BucketStart.UnixMilli(),
	})
}

func (a *App) onAppsChanged(apps []string) {
	colors := make(map[string]string, len(apps))
	for _, app := range apps {
		colors[app] = a.palette.ForApp(app).Hex()
	}
	a.hub.BroadcastApps(apps, colors)
}
