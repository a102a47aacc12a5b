package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a change to config.yaml.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits a ReloadEvent whenever config.yaml is written or replaced.
// Events are dropped rather than queued when the consumer falls behind.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	events   chan ReloadEvent
	coalesce time.Duration
}

// reloadCoalesceWindow groups the write and rename bursts an editor emits
// for one save into a single ReloadEvent.
const reloadCoalesceWindow = 150 * time.Millisecond

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		coalesce: reloadCoalesceWindow,
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory until ctx is done, then closes Events.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace config.yaml via rename, so the directory is watched
	// rather than the file.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	target := ConfigPath(w.homeDir)
	var (
		pending ReloadEvent
		window  *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if window != nil {
			window.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = ReloadEvent{Path: ev.Name, Op: pending.Op | ev.Op}
			if fire == nil {
				window = time.NewTimer(w.coalesce)
				fire = window.C
			}
		case <-fire:
			fire = nil
			select {
			case w.events <- pending:
				w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
			default:
				w.logger.Warn("config reload skipped; previous reload still pending", "path", pending.Path)
			}
			pending = ReloadEvent{}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
