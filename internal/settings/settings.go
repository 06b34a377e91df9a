// Package settings persists terminal appearance preferences as YAML and
// notifies subscribers when they change, whether through Update or an
// edit to the file on disk.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

var hexColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

type Font struct {
	Family string  `yaml:"family" json:"family"`
	Size   float64 `yaml:"size" json:"size"`
}

type Settings struct {
	Opacity    float64 `yaml:"opacity" json:"opacity"`
	Font       Font    `yaml:"font" json:"font"`
	Foreground string  `yaml:"foreground" json:"foreground"`
	Background string  `yaml:"background" json:"background"`
	Cursor     string  `yaml:"cursor" json:"cursor"`
}

func Default() Settings {
	return Settings{
		Opacity:    0.85,
		Font:       Font{Family: "Menlo", Size: 12},
		Foreground: "#00FF00",
		Background: "#000000",
		Cursor:     "#00FF00",
	}
}

func (s Settings) Validate() error {
	var errs []error
	if s.Opacity <= 0 || s.Opacity > 1 {
		errs = append(errs, fmt.Errorf("opacity %v must be in (0, 1]", s.Opacity))
	}
	if strings.TrimSpace(s.Font.Family) == "" {
		errs = append(errs, errors.New("font family is required"))
	}
	if s.Font.Size <= 0 {
		errs = append(errs, fmt.Errorf("font size %v must be positive", s.Font.Size))
	}
	for _, c := range []struct{ name, value string }{
		{"foreground", s.Foreground},
		{"background", s.Background},
		{"cursor", s.Cursor},
	} {
		if !hexColorPattern.MatchString(c.value) {
			errs = append(errs, fmt.Errorf("%s color %q must be #RRGGBB", c.name, c.value))
		}
	}
	return errors.Join(errs...)
}

// Store owns the settings file. The zero value is not usable; call Open.
type Store struct {
	path string

	mu      sync.RWMutex
	current Settings
	subs    map[int]func(Settings)
	nextSub int
}

// Open loads path, writing the defaults first when the file is missing.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("settings path is required")
	}
	s := &Store{
		path:    path,
		current: Default(),
		subs:    make(map[int]func(Settings)),
	}
	loaded, err := s.load()
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.write(s.current); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		s.current = loaded
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates next, writes it and notifies subscribers.
func (s *Store) Update(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.apply(next)
	return nil
}

// Subscribe registers fn for every change. The returned func removes it.
func (s *Store) Subscribe(fn func(Settings)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Reload re-reads the file and reports whether the settings changed. An
// invalid file leaves the current settings in place.
func (s *Store) Reload() (bool, error) {
	loaded, err := s.load()
	if err != nil {
		return false, err
	}
	return s.apply(loaded), nil
}

func (s *Store) apply(next Settings) bool {
	s.mu.Lock()
	if next == s.current {
		s.mu.Unlock()
		return false
	}
	s.current = next
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Settings), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return true
}

func (s *Store) load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %q: %w", s.path, err)
	}
	// Fields missing from the file keep their defaults.
	out := Default()
	if err := yaml.Unmarshal(data, &out); err != nil {
		return Settings{}, fmt.Errorf("parse settings %q: %w", s.path, err)
	}
	if err := out.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", s.path, err)
	}
	return out, nil
}

// write replaces the file through a rename so watchers never see a
// partial document.
func (s *Store) write(v Settings) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("write settings %q: %w", s.path, err)
	}
	return nil
}

// Watch reloads the file after external edits until ctx is cancelled.
// The parent directory is watched so editors that replace the file are
// still seen.
func (s *Store) Watch(ctx context.Context, onError func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %q: %w", filepath.Dir(s.path), err)
	}

	name := filepath.Clean(s.path)
	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if _, err := s.Reload(); err != nil && onError != nil {
				onError(err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
