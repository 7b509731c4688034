package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// OnToolLoadedFunc is called when a module is compiled, verified, and
// swapped in.
type OnToolLoadedFunc func(name string)

// Watcher hot-reloads sandboxed tool modules from a directory. Go
// sources are compiled with tinygo into a staged artifact, checksummed,
// and promoted only after a successful load; prebuilt .wasm artifacts
// are verified against their .sha256 sidecar before loading.
type Watcher struct {
	moduleDir string
	host      *Host
	logger    *slog.Logger

	events       chan string
	notify       chan Notification
	onToolLoaded OnToolLoadedFunc

	tinygoPath atomic.Pointer[string]
	lastError  atomic.Pointer[string]
}

type Notification struct {
	Level   string
	Message string
}

func NewWatcher(moduleDir string, host *Host, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		moduleDir: moduleDir,
		host:      host,
		logger:    logger,
		events:    make(chan string, 16),
		notify:    make(chan Notification, 32),
	}
}

func (w *Watcher) ToolsUpdated() <-chan string {
	return w.events
}

func (w *Watcher) Notifications() <-chan Notification {
	return w.notify
}

// OnToolLoaded registers a callback invoked after a module swap.
func (w *Watcher) OnToolLoaded(fn OnToolLoadedFunc) {
	w.onToolLoaded = fn
}

func (w *Watcher) TinygoStatus() (bool, string) {
	if p := w.tinygoPath.Load(); p != nil {
		return true, *p
	}
	if err := w.lastError.Load(); err != nil {
		return false, *err
	}
	return false, "tinygo not checked"
}

func (w *Watcher) Start(ctx context.Context) error {
	path, err := exec.LookPath("tinygo")
	if err != nil {
		msg := "tinygo not found in PATH; source hot-reload disabled, prebuilt artifacts still load"
		w.lastError.Store(&msg)
		w.logger.Warn(msg)
		w.pushNotification("warn", msg)
	} else {
		w.tinygoPath.Store(&path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.moduleDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch module dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		// Load existing artifacts and compile existing sources on startup.
		artifacts, _ := filepath.Glob(filepath.Join(w.moduleDir, "*.wasm"))
		for _, artifact := range artifacts {
			if strings.HasSuffix(artifact, ".staged.wasm") {
				continue
			}
			w.loadArtifact(ctx, artifact)
		}
		sources, _ := filepath.Glob(filepath.Join(w.moduleDir, "*.go"))
		for _, src := range sources {
			w.compileAndLoad(ctx, src)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				switch filepath.Ext(ev.Name) {
				case ".go":
					go w.compileAndLoad(ctx, ev.Name)
				case ".wasm":
					if !strings.HasSuffix(ev.Name, ".staged.wasm") {
						go w.loadArtifact(ctx, ev.Name)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				msg := err.Error()
				w.lastError.Store(&msg)
				w.logger.Error("module watcher error", "error", err)
				w.pushNotification("error", msg)
			}
		}
	}()
	return nil
}

// loadArtifact loads a prebuilt .wasm file, verified against its .sha256
// sidecar when one exists.
func (w *Watcher) loadArtifact(ctx context.Context, artifact string) {
	name := moduleNameFromPath(artifact)
	if err := w.host.LoadModuleFromFile(ctx, artifact); err != nil {
		msg := err.Error()
		w.lastError.Store(&msg)
		w.logger.Error("module load failed", "wasm", artifact, "error", err)
		w.pushNotification("error", fmt.Sprintf("Module load error (%s): %v", name, err))
		return
	}
	w.announceLoaded(name, artifact)
}

// compileAndLoad builds a Go source with tinygo into a staged artifact,
// loads it, and only then promotes the staged file over the live one.
func (w *Watcher) compileAndLoad(ctx context.Context, src string) {
	tinygo := w.tinygoPath.Load()
	if tinygo == nil {
		msg := "tinygo unavailable; skipping compile"
		w.lastError.Store(&msg)
		w.pushNotification("error", msg)
		return
	}

	name := moduleNameFromPath(src)
	w.pushNotification("info", fmt.Sprintf("Compiling %s...", name))

	finalOut := strings.TrimSuffix(src, filepath.Ext(src)) + ".wasm"
	stagedOut := strings.TrimSuffix(src, filepath.Ext(src)) + ".staged.wasm"
	cmd := exec.CommandContext(ctx, *tinygo, "build", "-target=wasi", "-o", stagedOut, src)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := fmt.Sprintf("tinygo build failed for %s: %v: %s", src, err, strings.TrimSpace(string(out)))
		w.lastError.Store(&msg)
		w.logger.Error("module compile failed", "src", src, "error", err, "output", strings.TrimSpace(string(out)))
		w.pushNotification("error", fmt.Sprintf("Module compile error (%s): %s", name, strings.TrimSpace(string(out))))
		return
	}

	wasmBytes, err := os.ReadFile(stagedOut)
	if err != nil {
		msg := fmt.Sprintf("failed reading staged wasm for %s: %v", name, err)
		w.lastError.Store(&msg)
		w.pushNotification("error", msg)
		return
	}
	checksum := sha256Hex(wasmBytes)
	if err := w.host.LoadModule(ctx, name, wasmBytes, checksum); err != nil {
		msg := err.Error()
		w.lastError.Store(&msg)
		w.logger.Error("module load failed", "wasm", stagedOut, "error", err)
		w.pushNotification("error", fmt.Sprintf("Module load error (%s): %v", name, err))
		return
	}
	// Promote the staged artifact and refresh the checksum baseline. The
	// compile just happened locally, so the host is the trusted writer.
	if err := os.Rename(stagedOut, finalOut); err != nil {
		msg := fmt.Sprintf("failed promoting staged wasm for %s: %v", name, err)
		w.lastError.Store(&msg)
		w.pushNotification("warn", msg)
	} else if err := os.WriteFile(finalOut+".sha256", []byte(checksum+"\n"), 0o644); err != nil {
		w.logger.Warn("failed writing checksum sidecar", "wasm", finalOut, "error", err)
	}
	w.announceLoaded(name, finalOut)
}

func (w *Watcher) announceLoaded(name, path string) {
	if w.onToolLoaded != nil {
		w.onToolLoaded(name)
	}
	select {
	case w.events <- name:
	default:
	}
	w.pushNotification("info", fmt.Sprintf("Module loaded: %s", name))
	w.logger.Info("module hot-swapped", "module", name, "path", path)
}

func (w *Watcher) pushNotification(level, msg string) {
	select {
	case w.notify <- Notification{Level: level, Message: msg}:
	default:
	}
}
