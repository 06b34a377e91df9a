// Package app wires the terminal backend, the pulse aggregator, the event
// feed and history, settings and the network surfaces into one daemon.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/user/tessera/internal/api"
	"github.com/user/tessera/internal/config"
	"github.com/user/tessera/internal/db"
	"github.com/user/tessera/internal/feed"
	"github.com/user/tessera/internal/hookevent"
	"github.com/user/tessera/internal/hub"
	"github.com/user/tessera/internal/palette"
	"github.com/user/tessera/internal/pty"
	"github.com/user/tessera/internal/pulse"
	"github.com/user/tessera/internal/server"
	"github.com/user/tessera/internal/settings"
	"github.com/user/tessera/internal/stream"
)

const (
	frameInterval    = 200 * time.Millisecond
	pruneInterval    = time.Hour
	historyRetention = 7 * 24 * time.Hour
)

type App struct {
	cfg *config.Config
	now func() time.Time

	db        *db.DB
	events    *db.EventRepo
	terminals *db.TerminalRepo

	backend  *pty.Backend
	agg      *pulse.Aggregator
	feed     *feed.Feed
	palette  *palette.Registry
	settings *settings.Store
	hub      *hub.Hub
	stream   *stream.Client
	api      http.Handler

	ctxMu sync.RWMutex
	ctx   context.Context
}

// New opens storage and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	window, err := pulse.ParseWindow(cfg.PulseWindow)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open event history: %w", err)
	}
	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("open settings: %w", err)
	}

	a := &App{
		cfg:       cfg,
		now:       time.Now,
		db:        database,
		events:    db.NewEventRepo(database.SQL()),
		terminals: db.NewTerminalRepo(database.SQL()),
		backend: pty.NewBackend(pty.BackendConfig{
			MaxTiles: cfg.MaxTerminals,
			Shell:    cfg.ShellCommand(),
		}),
		agg:      pulse.New(window),
		feed:     feed.New(cfg.FeedLimit),
		palette:  palette.NewRegistry(nil),
		settings: store,
		ctx:      context.Background(),
	}
	a.hub = hub.New(cfg.Token, a)
	a.stream = stream.New(cfg.StreamURL, func(rec hookevent.Record) { a.HandleRecord(rec) }, a.onStreamStatus)
	a.api = api.NewRouter(api.Deps{
		Terminals: a,
		Pulse:     a,
		Sink:      a,
		Feed:      a.feed,
		History:   a.events,
		Settings:  store,
		Palette:   a.palette,
		Token:     cfg.Token,
		Now:       a.now,
	})

	a.agg.SetOnPulse(a.onPulse)
	a.agg.SetOnAppsChanged(a.onAppsChanged)
	store.Subscribe(func(s settings.Settings) { a.hub.BroadcastSettings(s) })
	a.hub.BroadcastSettings(store.Get())
	a.hub.BroadcastStreamStatus(false, a.stream.URL())
	return a, nil
}

func (a *App) Hub() *hub.Hub { return a.hub }

func (a *App) Handler() http.Handler { return a.api }

func (a *App) baseContext() context.Context {
	a.ctxMu.RLock()
	defer a.ctxMu.RUnlock()
	return a.ctx
}

// Run serves on the configured port and drives every background loop until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.run(ctx, server.New(a.cfg.Addr(), http.HandlerFunc(a.hub.HandleWebSocket), a.api))
}

func (a *App) run(ctx context.Context, srv *server.Server) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.ctxMu.Lock()
	a.ctx = ctx
	a.ctxMu.Unlock()

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			slog.Debug("loop stopped", "loop", name)
		}()
	}

	spawn("hub", a.hub.Run)
	spawn("terminal events", a.pumpTerminalEvents)
	spawn("pulse eviction", func(ctx context.Context) { a.agg.Run(ctx, pulse.EvictInterval, a.now) })
	spawn("pulse frames", a.broadcastFrames)
	spawn("history prune", a.pruneHistory)
	spawn("settings watch", func(ctx context.Context) {
		err := a.settings.Watch(ctx, func(err error) {
			slog.Warn("settings reload failed", "path", a.settings.Path(), "error", err)
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("settings watch stopped", "error", err)
		}
	})
	spawn("event stream", func(ctx context.Context) { _ = a.stream.Run(ctx) })

	err := srv.Start(ctx)
	cancel()
	a.backend.Close()
	wg.Wait()
	return err
}

// Close releases storage. Call after Run returns.
func (a *App) Close() error {
	a.backend.Close()
	return a.db.Close()
}

func (a *App) pumpTerminalEvents(ctx context.Context) {
	events := a.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case pty.EventOutput:
				a.hub.BroadcastOutput(ev.ID, ev.Data)
			case pty.EventStatus:
				a.hub.BroadcastStatus(ev.ID, ev.Data)
			case pty.EventClosed:
				a.hub.BroadcastTerminalClosed(ev.ID)
				if err := a.terminals.MarkExited(ctx, ev.ID, a.now()); err != nil {
					slog.Warn("failed to record terminal exit", "terminal", ev.ID, "error", err)
				}
				a.broadcastLayout()
			}
		}
	}
}

func (a *App) broadcastFrames(ctx context.Context) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.hub.BroadcastPulse(a.PulseFrame())
		}
	}
}

func (a *App) pruneHistory(ctx context.Context) {
	prune := func() {
		n, err := a.events.Prune(ctx, a.now().Add(-historyRetention))
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("event history prune failed", "error", err)
			}
			return
		}
		if n > 0 {
			slog.Info("event history pruned", "removed", n)
		}
	}
	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func (a *App) onStreamStatus(connected bool) {
	a.hub.BroadcastStreamStatus(connected, a.stream.URL())
}

func (a *App) broadcastLayout() {
	a.hub.BroadcastTerminals(a.backend.Layout())
}
