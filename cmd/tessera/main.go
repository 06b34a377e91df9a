package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/user/tessera/internal/app"
	"github.com/user/tessera/internal/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "tessera:", err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.PrintToken {
		fmt.Printf("\ntessera running at http://localhost:%d?token=%s\n\n", cfg.Port, cfg.Token)
	} else {
		fmt.Printf("\ntessera running at http://localhost:%d (token in %s)\n\n", cfg.Port, cfg.ConfigPath)
	}

	if err := a.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		a.Close()
		os.Exit(1)
	}
}

func logLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
