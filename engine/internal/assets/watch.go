package assets

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher follows an image root recursively and reports bursts of changes.
type Watcher struct {
	fsw   *fsnotify.Watcher
	root  string
	quiet time.Duration
	log   zerolog.Logger

	mu      sync.Mutex
	watched map[string]struct{}
}

// NewWatcher watches root and every directory below it. A burst ends once
// quiet has passed without another event.
func NewWatcher(root string, quiet time.Duration, log zerolog.Logger) (*Watcher, error) {
	if quiet <= 0 {
		quiet = time.Second
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fsw: fsw, root: root, quiet: quiet, log: log, watched: make(map[string]struct{})}
	if err := w.watchRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run calls fn after each burst of changes until ctx is done. Errors from fn
// are logged and watching continues.
func (w *Watcher) Run(ctx context.Context, fn func(context.Context) error) error {
	timer := time.NewTimer(w.quiet)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(evt)
			pending = true
			timer.Reset(w.quiet)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("image watcher error")
		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			if err := fn(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.log.Error().Err(err).Msg("reconcile after image change")
			}
		}
	}
}

func (w *Watcher) Close() error { return w.fsw.Close() }

func (w *Watcher) handleEvent(evt fsnotify.Event) {
	p := filepath.Clean(evt.Name)
	switch {
	case evt.Op&fsnotify.Create != 0:
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if err := w.watchRecursive(p); err != nil {
				w.log.Warn().Err(err).Str("dir", p).Msg("watch new directory")
			}
		}
	case evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.forget(p)
	}
}

func (w *Watcher) watchRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			w.log.Warn().Err(err).Str("path", p).Msg("walk image tree")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.add(p)
	})
}

func (w *Watcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; ok {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = struct{}{}
	return nil
}

// forget drops dir and anything below it; the kernel watch is already gone.
func (w *Watcher) forget(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for d := range w.watched {
		if d == dir || strings.HasPrefix(d, dir+string(filepath.Separator)) {
			delete(w.watched, d)
		}
	}
}
