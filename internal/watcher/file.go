package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is the frequency at which the PollNotifier stats its
// registered files.
const DefaultPollInterval = 100 * time.Millisecond

// fileState is the metadata compared between two polls of one path.
type fileState struct {
	exists  bool
	size    int64
	modTime time.Time
}

// PollNotifier detects changes by comparing periodic stat snapshots of the
// registered files. It holds no kernel watch handles, so it works on
// filesystems that do not deliver inotify or kqueue events.
type PollNotifier struct {
	logger   *slog.Logger
	interval time.Duration

	events chan Change
	done   chan struct{}
	// ready is closed once the poll loop is running.
	ready chan struct{}

	mu       sync.Mutex
	snapshot map[string]fileState
	dropped  atomic.Int64
	wg       sync.WaitGroup

	stopOnce sync.Once
}

// NewPollNotifier creates a PollNotifier and starts its poll loop. A
// non-positive interval uses DefaultPollInterval.
func NewPollNotifier(logger *slog.Logger, interval time.Duration, bufSize int) *PollNotifier {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}

	p := &PollNotifier{
		logger:   logger,
		interval: interval,
		events:   make(chan Change, bufSize),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		snapshot: make(map[string]fileState),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Watch registers path. Its current state becomes the baseline, so only
// changes made after Watch returns are reported. The parent directory must
// exist.
func (p *PollNotifier) Watch(path string) error {
	path = filepath.Clean(path)
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watcher: watch %q: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.snapshot[path]; !ok {
		p.snapshot[path] = stat(path)
	}
	return nil
}

// Unwatch deregisters path.
func (p *PollNotifier) Unwatch(path string) error {
	p.mu.Lock()
	delete(p.snapshot, filepath.Clean(path))
	p.mu.Unlock()
	return nil
}

// Events returns the Change channel. It is closed when Close returns.
func (p *PollNotifier) Events() <-chan Change { return p.events }

// Dropped returns the number of changes discarded because Events was full.
func (p *PollNotifier) Dropped() int64 { return p.dropped.Load() }

// Ready returns a channel that is closed once the poll loop is running.
func (p *PollNotifier) Ready() <-chan struct{} { return p.ready }

// Close stops the poll loop and closes Events. It is idempotent.
func (p *PollNotifier) Close() error {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		close(p.events)
	})
	return nil
}

func (p *PollNotifier) run() {
	defer p.wg.Done()
	close(p.ready)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// poll stats every registered path and emits a Change for each one whose
// state differs from the previous poll. A path that disappears is recorded
// silently; its reappearance is reported as OpCreated.
func (p *PollNotifier) poll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for path, prev := range p.snapshot {
		cur := stat(path)
		p.snapshot[path] = cur

		switch {
		case !cur.exists:
			continue
		case !prev.exists:
			p.emit(path, OpCreated)
		case cur.size != prev.size || !cur.modTime.Equal(prev.modTime):
			p.emit(path, OpModified)
		}
	}
}

func (p *PollNotifier) emit(path string, op Op) {
	if !send(p.events, Change{Op: op, Paths: []string{path}, Timestamp: time.Now()}) {
		p.dropped.Add(1)
		p.logger.Warn("watcher: change channel full, dropping notification",
			slog.String("path", path),
			slog.String("op", op.String()),
		)
	}
}

func stat(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}
	}
	return fileState{exists: true, size: info.Size(), modTime: info.ModTime()}
}
