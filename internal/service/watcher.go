package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/CZERTAINLY/Overseer/internal/model"
)

// Reconfigurer accepts a new command and policy at runtime.
type Reconfigurer interface {
	Reconfigure(ctx context.Context, cmd Command, policy Policy) error
}

// Watcher reloads the configuration file when it changes and hands the
// task and the schedule to a Reconfigurer. Other settings need a restart.
type Watcher struct {
	path     string
	target   Reconfigurer
	debounce time.Duration
}

func NewWatcher(path string, target Reconfigurer) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	return &Watcher{
		path:     abs,
		target:   target,
		debounce: 100 * time.Millisecond,
	}, nil
}

// WithDebounce changes the quiet period after the last event.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Run watches the directory of the config file, so editors replacing the
// file are noticed too. Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() {
		_ = fsWatcher.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	slog.DebugContext(ctx, "watching config", "path", w.path)

	pending := time.NewTimer(w.debounce)
	pending.Stop()
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending.Reset(w.debounce)
			} else if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				slog.WarnContext(ctx, "config removed: keeping the current one", "path", w.path)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			slog.ErrorContext(ctx, "watching config failed", "path", w.path, "error", err)
		case <-pending.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := model.LoadConfig(w.path)
	if err != nil {
		LogConfigError(ctx, "config reload failed: keeping the current one", err)
		return
	}
	policy, err := PolicyFromConfig(cfg.Schedule)
	if err != nil {
		slog.ErrorContext(ctx, "config reload failed: keeping the current one", "error", err)
		return
	}
	if err := w.target.Reconfigure(ctx, CommandFromConfig(cfg.Task), policy); err != nil {
		slog.ErrorContext(ctx, "reconfigure failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "config reloaded", "path", w.path, "mode", policy.Mode())
}

// LogConfigError logs each schema violation of a config error on its own.
func LogConfigError(ctx context.Context, msg string, err error) {
	details := model.ConfigErrDetails(err)
	if len(details) == 0 {
		slog.ErrorContext(ctx, msg, "error", err)
		return
	}
	attrs := make([]any, 0, len(details))
	for i, d := range details {
		attrs = append(attrs, d.Attr("detail_"+strconv.Itoa(i)))
	}
	slog.ErrorContext(ctx, msg, attrs...)
}
