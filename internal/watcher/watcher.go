// Package watcher keeps source documents and their page caches in sync by
// rebuilding a document shortly after it changes on disk.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/metrics"
	"github.com/JakeFAU/feedcache/internal/sources"
)

const (
	defaultDebounce       = 500 * time.Millisecond
	defaultRescanDelay    = time.Second
	defaultRescanInterval = 5 * time.Minute
)

// RebuildFunc rebuilds the caches of one source document.
type RebuildFunc func(ctx context.Context, file sources.File) error

// Options tunes the watcher timings. Zero values select the defaults.
type Options struct {
	Debounce       time.Duration
	RescanDelay    time.Duration
	RescanInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = defaultDebounce
	}
	if o.RescanDelay <= 0 {
		o.RescanDelay = defaultRescanDelay
	}
	if o.RescanInterval <= 0 {
		o.RescanInterval = defaultRescanInterval
	}
	return o
}

type phase int

const (
	idle phase = iota
	pending
	processing
)

// fileState is the per-document state machine:
// idle -> pending (debounce timer armed) -> processing -> idle.
// Changes seen while processing set dirty and re-arm the timer afterwards.
type fileState struct {
	file  sources.File
	phase phase
	timer *time.Timer
	gen   uint64
	dirty bool
}

// Watcher owns one fsnotify watch per source document plus one on the
// directory.
type Watcher struct {
	dir     string
	rebuild RebuildFunc
	opts    Options
	logger  *zap.Logger

	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	loop   sync.WaitGroup
	builds sync.WaitGroup

	mu          sync.Mutex
	files       map[string]*fileState
	rescanTimer *time.Timer
	started     bool
	stopped     bool
	stopOnce    sync.Once
	stopErr     error
}

// New creates a Watcher for dir. Nothing is watched until Start.
func New(dir string, rebuild RebuildFunc, opts Options, logger *zap.Logger) (*Watcher, error) {
	if rebuild == nil {
		return nil, errors.New("watcher: rebuild callback is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:     dir,
		rebuild: rebuild,
		opts:    opts.withDefaults(),
		logger:  logger.Named("watcher"),
		fsw:     fsw,
		files:   make(map[string]*fileState),
	}, nil
}

// Start watches the directory, performs the initial scan and begins the
// event loop. Rebuild callbacks receive a context derived from ctx.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return errors.New("watcher: already started")
	}
	w.started = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("create feeds directory: %w", err)
	}
	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch feeds directory: %w", err)
	}
	w.rescan(false)

	w.loop.Add(1)
	go w.run()
	w.logger.Info("watcher started",
		zap.String("dir", w.dir),
		zap.Int("files", len(w.Watched())))
	return nil
}

// Stop closes every watch and stops all timers. In-flight rebuilds are
// cancelled and awaited. Calling Stop more than once is safe.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		for path, st := range w.files {
			if st.timer != nil {
				st.timer.Stop()
			}
			delete(w.files, path)
		}
		if w.rescanTimer != nil {
			w.rescanTimer.Stop()
		}
		cancel := w.cancel
		w.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		w.stopErr = w.fsw.Close()
		w.loop.Wait()
		w.builds.Wait()
		w.logger.Info("watcher stopped")
	})
	return w.stopErr
}

// Watched returns the watched document paths, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for path := range w.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) run() {
	defer w.loop.Done()
	ticker := time.NewTicker(w.opts.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			metrics.ObserveWatcherEvent("error")
			w.logger.Warn("fsnotify error", zap.Error(err))
		case <-ticker.C:
			metrics.ObserveWatcherEvent("periodic_rescan")
			w.rescan(true)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, sources.Extension) {
		return
	}
	path := filepath.Clean(event.Name)
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		metrics.ObserveWatcherEvent("directory")
		w.scheduleRescan()
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		metrics.ObserveWatcherEvent("change")
		w.mu.Lock()
		w.touchLocked(path)
		w.mu.Unlock()
	}
}

func (w *Watcher) scheduleRescan() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.rescanTimer != nil {
		w.rescanTimer.Stop()
	}
	w.rescanTimer = time.AfterFunc(w.opts.RescanDelay, func() { w.rescan(true) })
}

// rescan diffs the documents on disk against the watched set. Documents
// discovered after startup are built once.
func (w *Watcher) rescan(buildNew bool) {
	files, skipped, err := sources.List(w.dir)
	if err != nil {
		w.logger.Warn("rescan failed", zap.String("dir", w.dir), zap.Error(err))
		return
	}
	for _, name := range skipped {
		w.logger.Warn("skipping source document with unsafe name", zap.String("file", name))
	}
	desired := make(map[string]sources.File, len(files))
	for _, f := range files {
		desired[filepath.Clean(f.Path)] = f
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	for path := range w.files {
		if _, ok := desired[path]; !ok {
			w.unwatchLocked(path)
		}
	}
	for path, f := range desired {
		if _, ok := w.files[path]; ok {
			continue
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("watch source document failed", zap.String("file", f.Name), zap.Error(err))
			continue
		}
		w.files[path] = &fileState{file: f}
		w.logger.Info("watching source document", zap.String("file", f.Name))
		if buildNew {
			w.touchLocked(path)
		}
	}
}

func (w *Watcher) touchLocked(path string) {
	st, ok := w.files[path]
	if !ok || w.stopped {
		return
	}
	switch st.phase {
	case idle, pending:
		w.armLocked(path, st)
	case processing:
		st.dirty = true
	}
}

func (w *Watcher) armLocked(path string, st *fileState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.phase = pending
	st.timer = time.AfterFunc(w.opts.Debounce, func() { w.fire(path, gen) })
}

func (w *Watcher) fire(path string, gen uint64) {
	w.mu.Lock()
	st, ok := w.files[path]
	if !ok || w.stopped || st.gen != gen || st.phase != pending {
		w.mu.Unlock()
		return
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		w.logger.Info("source document removed", zap.String("file", st.file.Name))
		w.unwatchLocked(path)
		w.mu.Unlock()
		return
	}
	st.phase = processing
	st.timer = nil
	file := st.file
	ctx := w.ctx
	w.builds.Add(1)
	w.mu.Unlock()
	defer w.builds.Done()

	start := time.Now()
	err := w.rebuild(ctx, file)
	if err != nil {
		w.logger.Error("rebuild failed", zap.String("file", file.Name), zap.Error(err))
	} else {
		w.logger.Info("rebuilt source document",
			zap.String("file", file.Name),
			zap.Duration("took", time.Since(start)))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files[path] != st {
		return
	}
	st.phase = idle
	if st.dirty && !w.stopped {
		st.dirty = false
		w.armLocked(path, st)
	}
}

func (w *Watcher) unwatchLocked(path string) {
	st, ok := w.files[path]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(w.files, path)
	// fsnotify drops watches of deleted files on its own.
	if err := w.fsw.Remove(path); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		w.logger.Debug("remove watch", zap.String("file", st.file.Name), zap.Error(err))
	}
	w.logger.Info("stopped watching source document", zap.String("file", st.file.Name))
}
