package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Flags are the runtime feature switches read by the executor on every decision.
type Flags struct {
	// Enabled is the global kill switch. When false nothing autonomous happens.
	Enabled bool `koanf:"enabled" json:"enabled"`

	// ShadowMode computes and logs decisions without sending or acting.
	ShadowMode bool `koanf:"shadow_mode" json:"shadow_mode"`

	// AutoSend permits autonomous text responses.
	AutoSend bool `koanf:"auto_send" json:"auto_send"`

	// AutoAction permits autonomous bounded actions.
	AutoAction bool `koanf:"auto_action" json:"auto_action"`

	// Learning enables pattern capture from operator replies.
	Learning bool `koanf:"learning" json:"learning"`
}

// DefaultFlags enables the service and learning but keeps autonomous actions off.
func DefaultFlags() Flags {
	return Flags{
		Enabled:  true,
		AutoSend: true,
		Learning: true,
	}
}

// StaticFlags is a fixed flag source.
type StaticFlags Flags

// Flags returns the fixed flags.
func (s StaticFlags) Flags() Flags {
	return Flags(s)
}

// FlagWatcher serves the current flags and reloads them when the config file
// changes. Readers never block on a reload.
type FlagWatcher struct {
	path     string
	current  atomic.Pointer[Flags]
	logger   *zap.Logger
	debounce time.Duration
	onChange func(old, cur Flags)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// FlagWatcherOption configures a FlagWatcher.
type FlagWatcherOption func(*FlagWatcher)

// WithFlagChangeHook is called after every reload that changed a flag.
func WithFlagChangeHook(fn func(old, cur Flags)) FlagWatcherOption {
	return func(w *FlagWatcher) {
		w.onChange = fn
	}
}

// WithReloadDebounce coalesces bursts of file events. Default 100ms.
func WithReloadDebounce(d time.Duration) FlagWatcherOption {
	return func(w *FlagWatcher) {
		w.debounce = d
	}
}

// NewFlagWatcher creates a watcher serving initial until the first reload.
func NewFlagWatcher(path string, initial Flags, logger *zap.Logger, opts ...FlagWatcherOption) *FlagWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &FlagWatcher{
		path:     path,
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	f := initial
	w.current.Store(&f)
	return w
}

// Flags returns the current snapshot.
func (w *FlagWatcher) Flags() Flags {
	return *w.current.Load()
}

// Set replaces the flags until the next reload.
func (w *FlagWatcher) Set(f Flags) {
	old := w.current.Swap(&f)
	w.changed(*old, f)
}

// Reload re-reads the config file. On error the current flags are kept.
func (w *FlagWatcher) Reload() error {
	f, err := LoadFlags(w.path)
	if err != nil {
		return err
	}
	w.Set(f)
	return nil
}

func (w *FlagWatcher) changed(old, cur Flags) {
	if old == cur {
		return
	}
	w.logger.Info("feature flags changed",
		zap.Bool("enabled", cur.Enabled),
		zap.Bool("shadow_mode", cur.ShadowMode),
		zap.Bool("auto_send", cur.AutoSend),
		zap.Bool("auto_action", cur.AutoAction),
		zap.Bool("learning", cur.Learning))
	if w.onChange != nil {
		w.onChange(old, cur)
	}
}

// Start watches the config file's directory, so editors that replace the
// file by rename are picked up. Call Stop to release the watcher.
func (w *FlagWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return errors.New("flag watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if _, err := os.Stat(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.watcher = watcher
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(ctx, watcher, w.stop, w.done)
	return nil
}

// Stop stops watching. Safe to call more than once.
func (w *FlagWatcher) Stop() {
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return
	}
	close(w.stop)
	_ = w.watcher.Close()
	done := w.done
	w.watcher = nil
	w.mu.Unlock()
	<-done
}

func (w *FlagWatcher) run(ctx context.Context, watcher *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	target := filepath.Clean(w.path)
	var pending <-chan time.Time
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(w.debounce)
			}
		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.Warn("flag reload failed, keeping current flags", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("flag watcher error", zap.Error(err))
		}
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
