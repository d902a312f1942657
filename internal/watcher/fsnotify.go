package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSNotifier reports changes using fsnotify. It watches the parent directory
// of every registered file rather than the file itself, so that a log rotated
// by rename-and-recreate keeps producing notifications under its path.
// Directory watches are reference counted across the files that share them.
type FSNotifier struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]struct{}
	dirs  map[string]int

	events    chan Change
	dropped   atomic.Int64
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewFSNotifier creates an FSNotifier whose Events channel holds up to
// bufSize pending changes.
func NewFSNotifier(logger *slog.Logger, bufSize int) (*FSNotifier, error) {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}

	n := &FSNotifier{
		fsw:    fsw,
		logger: logger,
		files:  make(map[string]struct{}),
		dirs:   make(map[string]int),
		events: make(chan Change, bufSize),
	}
	n.wg.Add(1)
	go n.run()
	return n, nil
}

// Watch registers path, adding a watch on its directory if this is the first
// registered file there.
func (n *FSNotifier) Watch(path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.files[path]; ok {
		return nil
	}
	if n.dirs[dir] == 0 {
		if err := n.fsw.Add(dir); err != nil {
			return fmt.Errorf("watcher: watch %q: %w", dir, err)
		}
	}
	n.dirs[dir]++
	n.files[path] = struct{}{}
	return nil
}

// Unwatch deregisters path and drops its directory watch once no registered
// file remains in it.
func (n *FSNotifier) Unwatch(path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.files[path]; !ok {
		return nil
	}
	delete(n.files, path)
	n.dirs[dir]--
	if n.dirs[dir] > 0 {
		return nil
	}
	delete(n.dirs, dir)
	if err := n.fsw.Remove(dir); err != nil {
		return fmt.Errorf("watcher: unwatch %q: %w", dir, err)
	}
	return nil
}

// Events returns the Change channel.
func (n *FSNotifier) Events() <-chan Change { return n.events }

// Dropped returns the number of changes discarded because Events was full.
func (n *FSNotifier) Dropped() int64 { return n.dropped.Load() }

// Close stops the notifier and closes Events. It is safe to call more than
// once.
func (n *FSNotifier) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.fsw.Close()
		n.wg.Wait()
	})
	return n.closeErr
}

// run translates fsnotify events for registered files into Changes until the
// fsnotify watcher is closed.
func (n *FSNotifier) run() {
	defer n.wg.Done()
	defer close(n.events)

	for {
		select {
		case ev, ok := <-n.fsw.Events:
			if !ok {
				return
			}
			n.handle(ev)
		case err, ok := <-n.fsw.Errors:
			if !ok {
				return
			}
			n.logger.Warn("watcher: fsnotify error", slog.Any("error", err))
		}
	}
}

func (n *FSNotifier) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	n.mu.Lock()
	_, registered := n.files[path]
	n.mu.Unlock()
	if !registered {
		return
	}

	var op Op
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreated
	case ev.Has(fsnotify.Write):
		op = OpModified
	default:
		n.logger.Debug("watcher: ignoring event",
			slog.String("path", path),
			slog.String("op", ev.Op.String()),
		)
		return
	}

	if !send(n.events, Change{Op: op, Paths: []string{path}, Timestamp: time.Now()}) {
		n.dropped.Add(1)
		n.logger.Debug("watcher: change channel full, dropping notification",
			slog.String("path", path),
			slog.String("op", op.String()),
		)
	}
}
