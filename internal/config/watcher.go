package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent names a changed file under the home directory.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// watchedFiles are the home-dir files whose changes trigger a reload.
var watchedFiles = map[string]bool{
	"config.yaml": true,
	"policy.yaml": true,
}

// Watcher emits reload events for the config and policy files. Consumers
// re-load and swap; a slow consumer drops events rather than blocking the
// watch loop.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	out     chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		out:     make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.out
}

// Start begins watching. The watch goroutine exits, and closes Events,
// when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the files: editors replace files by
	// rename, which drops a per-file watch.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.out)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			select {
			case w.out <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
			default:
			}
			w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return watchedFiles[filepath.Base(ev.Name)]
}
