// Package watch turns file changes into debounced batches. A burst of
// writes, such as a save-all in an editor, produces one callback listing
// every changed path.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marcus/vigil/internal/logging"
)

// DefaultDebounce is used when New is given a non-positive delay.
const DefaultDebounce = 500 * time.Millisecond

var (
	ErrNoPaths        = errors.New("no paths to watch")
	ErrAlreadyStarted = errors.New("watcher already started")
)

// ChangeFunc receives the sorted set of paths changed during one quiet
// period.
type ChangeFunc func(paths []string)

// Watcher watches directory trees and reports debounced changes.
type Watcher struct {
	roots    []string
	delay    time.Duration
	onChange ChangeFunc
	ignore   []string // glob patterns matched against base names
	exclude  []string // absolute directories never watched
	logger   *logging.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	pending map[string]struct{}
	timer   *time.Timer
	started bool
	closed  bool
	done    chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithIgnore adds glob patterns (filepath.Match syntax) matched against
// file and directory base names.
func WithIgnore(patterns ...string) Option {
	return func(w *Watcher) {
		w.ignore = append(w.ignore, patterns...)
	}
}

// WithExclude skips whole directories, such as the state directory.
func WithExclude(dirs ...string) Option {
	return func(w *Watcher) {
		for _, d := range dirs {
			if abs, err := filepath.Abs(d); err == nil {
				w.exclude = append(w.exclude, abs)
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// New creates a watcher over paths. Nothing is watched until Start.
func New(paths []string, delay time.Duration, onChange ChangeFunc, opts ...Option) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}
	if delay <= 0 {
		delay = DefaultDebounce
	}
	w := &Watcher{
		delay:    delay,
		onChange: onChange,
		logger:   logging.Component("watch"),
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		w.roots = append(w.roots, abs)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start registers every directory under the roots and begins delivering
// changes until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.fsw = fsw
	w.started = true
	w.mu.Unlock()

	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			_ = w.Close()
			return err
		}
	}

	go w.loop(ctx)
	w.logger.Infof("watching %d root(s) with %s debounce", len(w.roots), w.delay)
	return nil
}

func (w *Watcher) addTree(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.fsw.Add(root)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.skip(p) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.WarnCtx("cannot watch directory", map[string]any{"path": p, "error": err.Error()})
		}
		return nil
	})
}

// skip reports whether path is hidden, ignored, or excluded.
func (w *Watcher) skip(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, pattern := range w.ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	for _, dir := range w.exclude {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WarnCtx("watch error", map[string]any{"error": err.Error()})
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	if w.skip(ev.Name) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addTree(ev.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[ev.Name] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.delay, w.fire)
	} else {
		w.timer.Reset(w.delay)
	}
}

// fire delivers the pending batch.
func (w *Watcher) fire() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(paths)
	w.logger.DebugCtx("change batch", map[string]any{"paths": len(paths)})
	if w.onChange != nil {
		w.onChange(paths)
	}
}

// Flush delivers pending changes immediately.
func (w *Watcher) Flush() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.fire()
}

// Close stops watching. Pending changes are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed || !w.started {
		w.closed = true
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	fsw := w.fsw
	w.mu.Unlock()
	return fsw.Close()
}

// Done is closed once the event loop exits.
func (w *Watcher) Done() <-chan struct{} { return w.done }
