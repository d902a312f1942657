// Package manager runs the watch loop: the single goroutine that owns the set
// of watched files and their tail cursors, applies Add/Remove/Shutdown
// commands, and turns change notifications into Log and Notification events.
//
// The loop is cooperative. Each pass drains every queued command, then every
// queued change notification, publishes a snapshot of the watch set, and
// sleeps for the configured interval. Nothing in a pass blocks on a client or
// on another path, so one unreadable file never stalls the rest.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loggyxp/loggyxp/internal/event"
	"github.com/loggyxp/loggyxp/internal/match"
	"github.com/loggyxp/loggyxp/internal/search"
	"github.com/loggyxp/loggyxp/internal/tail"
	"github.com/loggyxp/loggyxp/internal/watchctx"
	"github.com/loggyxp/loggyxp/internal/watcher"
)

// DefaultInterval is the sleep between two passes of the loop.
const DefaultInterval = 100 * time.Millisecond

// defaultQueueSize is the capacity of the command queue.
const defaultQueueSize = 64

// ErrStopped is returned by Submit once the loop has exited.
var ErrStopped = errors.New("manager: stopped")

// Replayer sends the history of a file to clients when it is first watched.
type Replayer interface {
	Replay(path string) (search.Replayed, error)
}

// Watch describes one watched file as of the end of the last pass.
type Watch struct {
	Path     string `json:"path"`
	Offset   int64  `json:"offset"`
	NextLine int    `json:"next_line"`
}

// Manager owns the watch set. Construct with New and drive with Run.
type Manager struct {
	notifier watcher.Notifier
	wctx     *watchctx.Context
	pub      event.Publisher
	replayer Replayer
	tracker  *tail.Tracker
	logger   *slog.Logger
	interval time.Duration

	cmds chan Command
	done chan struct{}

	// watches is accessed only by the Run goroutine.
	watches map[string]*tail.State
	// eventsClosed is set by Run once the notifier channel has been closed.
	eventsClosed bool

	snapshot atomic.Pointer[[]Watch]
}

// Option is a functional option for Manager construction.
type Option func(*Manager)

// WithInterval sets the sleep between passes. Non-positive values are
// ignored.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithReplayer makes Add replay each new file's history through r before
// tailing starts. Without a replayer tailing starts at the current end of the
// file, with numbering continuing after its existing lines.
func WithReplayer(r Replayer) Option {
	return func(m *Manager) { m.replayer = r }
}

// WithQueueSize sets the capacity of the command queue.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.cmds = make(chan Command, n)
		}
	}
}

// New creates a Manager that registers files with notifier, routes tailed
// lines through wctx, and publishes events to pub.
func New(notifier watcher.Notifier, wctx *watchctx.Context, pub event.Publisher, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		notifier: notifier,
		wctx:     wctx,
		pub:      pub,
		tracker:  tail.NewTracker(logger),
		logger:   logger,
		interval: DefaultInterval,
		cmds:     make(chan Command, defaultQueueSize),
		done:     make(chan struct{}),
		watches:  make(map[string]*tail.State),
	}
	for _, o := range opts {
		o(m)
	}
	empty := []Watch{}
	m.snapshot.Store(&empty)
	return m
}

// Submit queues cmd for the loop. It blocks only while the queue is full and
// fails once ctx is done or the loop has exited.
func (m *Manager) Submit(ctx context.Context, cmd Command) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.cmds <- cmd:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add queues an Add command for paths.
func (m *Manager) Add(ctx context.Context, paths ...string) error {
	return m.Submit(ctx, Command{Kind: CommandAdd, Paths: paths})
}

// Remove queues a Remove command for paths.
func (m *Manager) Remove(ctx context.Context, paths ...string) error {
	return m.Submit(ctx, Command{Kind: CommandRemove, Paths: paths})
}

// Shutdown queues a Shutdown command. The loop exits at the start of its next
// pass, after applying any commands queued before it.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.Submit(ctx, Command{Kind: CommandShutdown})
}

// Done returns a channel that is closed when Run returns.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Snapshot returns the watch set as of the end of the last pass, sorted by
// path. The returned slice must not be modified.
func (m *Manager) Snapshot() []Watch { return *m.snapshot.Load() }

// Run executes the loop until ctx is cancelled or a Shutdown command is
// processed. All registrations are released before it returns. Run must be
// called at most once.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	defer m.release()

	m.logger.Info("manager: started", slog.Duration("interval", m.interval))

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		if m.drainCommands() {
			m.logger.Info("manager: shutdown requested")
			return nil
		}
		m.drainChanges()
		m.publishSnapshot()

		timer.Reset(m.interval)
		select {
		case <-ctx.Done():
			m.logger.Info("manager: context cancelled")
			return nil
		case <-timer.C:
		}
	}
}

// drainCommands applies every queued command without blocking. It reports
// whether a Shutdown was seen.
func (m *Manager) drainCommands() bool {
	for {
		select {
		case cmd := <-m.cmds:
			switch cmd.Kind {
			case CommandAdd:
				m.add(cmd.Paths)
			case CommandRemove:
				m.remove(cmd.Paths)
			case CommandShutdown:
				return true
			default:
				m.logger.Warn("manager: unknown command", slog.String("kind", cmd.Kind.String()))
			}
		default:
			return false
		}
	}
}

// drainChanges processes every queued change notification without blocking.
func (m *Manager) drainChanges() {
	if m.eventsClosed {
		return
	}
	for {
		select {
		case c, ok := <-m.notifier.Events():
			if !ok {
				m.eventsClosed = true
				m.logger.Warn("manager: notifier closed, tailing stopped")
				return
			}
			m.handleChange(c)
		default:
			return
		}
	}
}

func (m *Manager) handleChange(c watcher.Change) {
	for _, p := range c.Paths {
		key := event.CanonicalPath(p)
		st, ok := m.watches[key]
		if !ok {
			continue
		}
		switch c.Op {
		case watcher.OpModified:
			lines := m.tracker.Advance(st, key)
			for _, line := range lines {
				m.wctx.Dispose(key, line, m.pub)
			}
			if len(lines) > 0 && !c.Timestamp.IsZero() {
				m.logger.Debug("manager: tailed",
					slog.String("path", key),
					slog.Int("lines", len(lines)),
					slog.Duration("lag", time.Since(c.Timestamp)),
				)
			}
		case watcher.OpCreated:
			m.logger.Info("manager: watched file created", slog.String("path", key))
		}
	}
}

func (m *Manager) add(paths []string) {
	for _, p := range paths {
		for _, key := range m.expand(p) {
			m.addOne(key)
		}
	}
}

// addOne starts watching key. Any failure abandons the Add for that path.
func (m *Manager) addOne(key string) {
	if _, ok := m.watches[key]; ok {
		m.logger.Debug("manager: already watching", slog.String("path", key))
		return
	}

	info, err := os.Stat(key)
	if err != nil {
		m.logger.Warn("manager: cannot watch path",
			slog.String("path", key),
			slog.Any("error", err),
		)
		return
	}
	if info.IsDir() {
		m.logger.Warn("manager: cannot watch a directory", slog.String("path", key))
		return
	}

	// Register before reading history so that bytes appended while the
	// history is read still produce a change; Advance compares offsets, so an
	// early notification is harmless.
	if err := m.notifier.Watch(key); err != nil {
		m.logger.Warn("manager: registration failed",
			slog.String("path", key),
			slog.Any("error", err),
		)
		return
	}

	st, err := m.initialState(key)
	if err != nil {
		m.logger.Warn("manager: cannot read history",
			slog.String("path", key),
			slog.Any("error", err),
		)
		if err := m.notifier.Unwatch(key); err != nil {
			m.logger.Warn("manager: deregistration failed",
				slog.String("path", key),
				slog.Any("error", err),
			)
		}
		return
	}

	m.watches[key] = st
	m.logger.Info("manager: watching",
		slog.String("path", key),
		slog.Int64("offset", st.Offset),
		slog.Int("next_line", st.NextLine),
	)
}

// initialState replays the history of key when a replayer is configured and
// returns the cursor positioned just past what it covered. Without a replayer
// the existing lines are counted so that tailed line numbers stay file
// relative.
func (m *Manager) initialState(key string) (*tail.State, error) {
	if m.replayer != nil {
		r, err := m.replayer.Replay(key)
		if err != nil {
			return nil, err
		}
		return &tail.State{Offset: r.Size, NextLine: r.Lines}, nil
	}

	raw, err := os.ReadFile(key)
	if err != nil {
		return nil, err
	}
	return &tail.State{
		Offset:   int64(len(raw)),
		NextLine: len(match.SplitLines(string(raw))),
	}, nil
}

func (m *Manager) remove(paths []string) {
	for _, p := range paths {
		if _, ok := m.watches[event.CanonicalPath(p)]; ok || !hasMeta(p) {
			m.removeOne(event.CanonicalPath(p))
			continue
		}
		pattern := event.CanonicalPath(p)
		for key := range m.watches {
			if ok, _ := doublestar.PathMatch(pattern, key); ok {
				m.removeOne(key)
			}
		}
	}
}

// removeOne stops watching key. The path's filter and notify settings are
// kept so that a later Add resumes them.
func (m *Manager) removeOne(key string) {
	if _, ok := m.watches[key]; !ok {
		m.logger.Debug("manager: not watching", slog.String("path", key))
		return
	}
	if err := m.notifier.Unwatch(key); err != nil {
		m.logger.Warn("manager: deregistration failed",
			slog.String("path", key),
			slog.Any("error", err),
		)
	}
	delete(m.watches, key)
	m.logger.Info("manager: stopped watching", slog.String("path", key))
}

// expand returns the canonical keys named by p. Glob patterns are matched
// against the filesystem at the time of the call; an existing file whose name
// merely contains glob characters is taken literally.
func (m *Manager) expand(p string) []string {
	if !hasMeta(p) {
		return []string{event.CanonicalPath(p)}
	}
	if _, err := os.Stat(event.CanonicalPath(p)); err == nil {
		return []string{event.CanonicalPath(p)}
	}

	matches, err := doublestar.FilepathGlob(event.CanonicalPath(p), doublestar.WithFilesOnly())
	if err != nil {
		m.logger.Warn("manager: invalid glob pattern",
			slog.String("pattern", p),
			slog.Any("error", err),
		)
		return nil
	}
	if len(matches) == 0 {
		m.logger.Warn("manager: glob matched no files", slog.String("pattern", p))
		return nil
	}

	keys := make([]string, 0, len(matches))
	for _, f := range matches {
		keys = append(keys, event.CanonicalPath(f))
	}
	return keys
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

func (m *Manager) publishSnapshot() {
	snap := make([]Watch, 0, len(m.watches))
	for key, st := range m.watches {
		snap = append(snap, Watch{Path: key, Offset: st.Offset, NextLine: st.NextLine})
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].Path < snap[j].Path })
	m.snapshot.Store(&snap)
}

// release deregisters every remaining watch and publishes the empty set.
func (m *Manager) release() {
	for key := range m.watches {
		if err := m.notifier.Unwatch(key); err != nil {
			m.logger.Debug("manager: deregistration failed on exit",
				slog.String("path", key),
				slog.Any("error", err),
			)
		}
		delete(m.watches, key)
	}
	m.publishSnapshot()
}
