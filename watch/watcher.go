// Package watch resolves the set of paths servn monitors and reports changes
// to them.
//
// Files are watched through their parent directory so editors that save by
// renaming a temp file are still seen. Directories are watched recursively.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/livebud/watcher"
	"golang.org/x/sync/errgroup"
)

// Debounce is the quiet period before a burst of file events is reported.
const Debounce = 50 * time.Millisecond

// Watcher calls onChange whenever a watched path changes.
type Watcher struct {
	log      *slog.Logger
	fsw      *fsnotify.Watcher
	onChange func()
	debounce func(func())

	mu      sync.Mutex
	files   map[string]struct{}
	dirs    map[string]struct{}
	trees   []string
	started bool
}

func New(log *slog.Logger, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		log:      log,
		fsw:      fsw,
		onChange: onChange,
		debounce: debounce.New(Debounce),
		files:    map[string]struct{}{},
		dirs:     map[string]struct{}{},
	}, nil
}

// Add watches paths. Adding a path twice is a no-op. Directories must be added
// before Run. Files whose directory can't be watched are logged and skipped.
func (w *Watcher) Add(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, path := range paths {
		path = filepath.Clean(path)
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			if slices.Contains(w.trees, path) {
				continue
			}
			if w.started {
				return fmt.Errorf("watch: cannot add directory %q after starting", path)
			}
			w.trees = append(w.trees, path)
			continue
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("watch: stat %q: %w", path, err)
		}
		if _, ok := w.files[path]; ok {
			continue
		}
		dir := filepath.Dir(path)
		if _, ok := w.dirs[dir]; !ok {
			if err := w.fsw.Add(dir); err != nil {
				w.log.Warn("watch: skipping unwatchable path", "path", path, "error", err)
				continue
			}
			w.dirs[dir] = struct{}{}
		}
		w.files[path] = struct{}{}
	}
	return nil
}

// Len returns the number of watched files and directory trees.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files) + len(w.trees)
}

func (w *Watcher) watching(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[filepath.Clean(path)]
	return ok
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("watch: Run called more than once")
	}
	w.started = true
	trees := slices.Clone(w.trees)
	w.mu.Unlock()
	defer w.fsw.Close()

	eg, ctx := errgroup.WithContext(ctx)
	for _, dir := range trees {
		eg.Go(func() error {
			return watcher.Watch(ctx, dir, func(events []watcher.Event) error {
				for _, event := range events {
					w.log.Debug("watch: changed", "event", event.String())
				}
				w.onChange()
				return nil
			})
		})
	}
	eg.Go(func() error {
		return w.loop(ctx)
	})
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			// Permission changes don't affect the bundle
			if event.Op == fsnotify.Chmod {
				continue
			}
			if !w.watching(event.Name) {
				continue
			}
			w.log.Debug("watch: changed", "path", event.Name, "op", event.Op.String())
			w.debounce(w.onChange)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watch: fsnotify error", "error", err)
		}
	}
}

// Close releases the watcher when Run was never called.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
