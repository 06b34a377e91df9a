// Package config loads daemon settings from defaults, the key=value file
// under ~/.config/tessera and command-line flags, in that order.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"

	"github.com/user/tessera/internal/pulse"
)

type Config struct {
	Port         int
	Token        string
	StreamURL    string
	Shell        string
	ShellArgs    []string
	MaxTerminals int
	PulseWindow  string
	FeedLimit    int
	DBPath       string
	SettingsPath string
	LogLevel     string
	PrintToken   bool

	ConfigPath string
}

func defaults(home string) *Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/zsh"
	}
	dir := filepath.Join(home, ".config", "tessera")
	return &Config{
		Port:         8765,
		StreamURL:    "ws://localhost:4000/stream",
		Shell:        shell,
		ShellArgs:    []string{"-l"},
		MaxTerminals: 6,
		PulseWindow:  "1m",
		FeedLimit:    1000,
		DBPath:       filepath.Join(dir, "tessera.db"),
		SettingsPath: filepath.Join(dir, "settings.yaml"),
		LogLevel:     "info",
		ConfigPath:   filepath.Join(dir, "config"),
	}
}

// Load builds the configuration for args (without the program name). A
// token is generated and persisted when none is configured.
func Load(args []string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	cfg := defaults(homeDir)

	// --config has to be known before the file is read.
	pre := pflag.NewFlagSet("tessera", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	pre.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "")
	pre.BoolP("help", "h", false, "")
	_ = pre.Parse(args)

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	fs := pflag.NewFlagSet("tessera", pflag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "config file path")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "server port (1-65535)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "authentication token (auto-generated if empty)")
	fs.StringVar(&cfg.StreamURL, "stream-url", cfg.StreamURL, "hook event server websocket URL")
	fs.StringVar(&cfg.Shell, "shell", cfg.Shell, "shell started in new terminals")
	fs.StringSliceVar(&cfg.ShellArgs, "shell-args", cfg.ShellArgs, "arguments passed to the shell")
	fs.IntVar(&cfg.MaxTerminals, "max-terminals", cfg.MaxTerminals, "maximum number of terminal tiles")
	fs.StringVar(&cfg.PulseWindow, "window", cfg.PulseWindow, "pulse time window (1m, 3m, 5m)")
	fs.IntVar(&cfg.FeedLimit, "feed-limit", cfg.FeedLimit, "events kept in the live feed")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "event history database path")
	fs.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "terminal settings file path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if _, err := pulse.ParseWindow(c.PulseWindow); err != nil {
		return fmt.Errorf("invalid window: %w", err)
	}
	if c.MaxTerminals < 1 {
		return fmt.Errorf("invalid max terminals %d: must be positive", c.MaxTerminals)
	}
	if c.FeedLimit < 1 {
		return fmt.Errorf("invalid feed limit %d: must be positive", c.FeedLimit)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// ShellCommand is the argv for new terminals.
func (c *Config) ShellCommand() []string {
	return append([]string{c.Shell}, c.ShellArgs...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := c.set(key, value); err != nil {
			return fmt.Errorf("%s:%d: %w", c.ConfigPath, n+1, err)
		}
	}
	return nil
}

func (c *Config) set(key, value string) error {
	atoi := func() (int, error) {
		v, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
		}
		return v, nil
	}

	var err error
	switch key {
	case "Port":
		c.Port, err = atoi()
	case "Token":
		c.Token = value
	case "StreamURL":
		c.StreamURL = value
	case "Shell":
		c.Shell = value
	case "ShellArgs":
		c.ShellArgs, err = shellquote.Split(value)
	case "MaxTerminals":
		c.MaxTerminals, err = atoi()
	case "PulseWindow":
		c.PulseWindow = value
	case "FeedLimit":
		c.FeedLimit, err = atoi()
	case "DBPath":
		c.DBPath = value
	case "SettingsPath":
		c.SettingsPath = value
	case "LogLevel":
		c.LogLevel = value
	}
	return err
}

func (c *Config) saveToFile() error {
	if err := os.MkdirAll(filepath.Dir(c.ConfigPath), 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Port=%d\n", c.Port)
	fmt.Fprintf(&b, "Token=%s\n", c.Token)
	fmt.Fprintf(&b, "StreamURL=%s\n", c.StreamURL)
	fmt.Fprintf(&b, "Shell=%s\n", c.Shell)
	fmt.Fprintf(&b, "ShellArgs=%s\n", shellquote.Join(c.ShellArgs...))
	fmt.Fprintf(&b, "MaxTerminals=%d\n", c.MaxTerminals)
	fmt.Fprintf(&b, "PulseWindow=%s\n", c.PulseWindow)
	fmt.Fprintf(&b, "FeedLimit=%d\n", c.FeedLimit)
	fmt.Fprintf(&b, "DBPath=%s\n", c.DBPath)
	fmt.Fprintf(&b, "SettingsPath=%s\n", c.SettingsPath)
	return os.WriteFile(c.ConfigPath, []byte(b.String()), 0o600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
